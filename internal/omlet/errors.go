package omlet

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for Omlet API calls.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnauthorized indicates the API rejected the credential.
	ErrUnauthorized = errors.New("omlet: unauthorized")

	// ErrTransient indicates a failure that may clear on the next attempt.
	ErrTransient = errors.New("omlet: transient failure")

	// ErrNoToken is returned by the token source when no credential is set.
	// Calls made without a token fail with ErrUnauthorized.
	ErrNoToken = errors.New("omlet: no api token configured")

	// ErrInvalidConfig indicates NewClient was given unusable settings.
	ErrInvalidConfig = errors.New("omlet: invalid client configuration")
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

// HTTPStatusError carries a non-2xx status returned by the API.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("omlet api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}
