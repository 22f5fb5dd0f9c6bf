package omlet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the public Omlet Smart Coop API root.
	DefaultBaseURL = "https://x107.omlet.co.uk/api/v1"

	// DefaultTimeout bounds each call when Config.Timeout is zero.
	DefaultTimeout = 10 * time.Second

	// maxResponseBody bounds a device listing.
	maxResponseBody = 4 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string

	// Token is the API key sent as a bearer token.
	Token string

	// Timeout bounds every call. Default: DefaultTimeout.
	Timeout time.Duration

	// Transport is the underlying round tripper. Default: http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the Omlet REST API.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	tokens     *tokenSource
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a Client.
//
// Parameters:
//   - cfg: Client settings; an empty token is accepted and every call will
//     fail with ErrUnauthorized until SetToken is called.
//
// Returns:
//   - *Client: Ready client
//   - error: ErrInvalidConfig if the base URL cannot be parsed
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	tokens := &tokenSource{token: strings.TrimSpace(cfg.Token)}
	return &Client{
		baseURL: base,
		tokens:  tokens,
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: transport},
		},
		timeout: timeout,
	}, nil
}

// SetToken replaces the API key used by subsequent calls.
func (c *Client) SetToken(token string) {
	c.tokens.set(strings.TrimSpace(token))
}

// Timeout returns the per-call bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// ListDevices fetches every device visible to the API key.
//
// Returns:
//   - []Device: Devices in API order; each action carries its device id
//   - error: matching ErrUnauthorized or ErrTransient
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, c.endpoint("device"))
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer resp.Body.Close()

	var devices []Device
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&devices); err != nil {
		return nil, fmt.Errorf("%w: decoding device list: %w", ErrTransient, err)
	}

	for i := range devices {
		for j := range devices[i].Actions {
			devices[i].Actions[j].DeviceID = devices[i].DeviceID
		}
	}
	return devices, nil
}

// PerformAction submits an action. The request carries no payload; the
// action's URL identifies the command.
//
// Returns:
//   - error: matching ErrUnauthorized or ErrTransient
func (c *Client) PerformAction(ctx context.Context, action Action) error {
	target, err := c.actionURL(action)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, target)
	if err != nil {
		return fmt.Errorf("performing action %q: %w", action.ActionName, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return nil
}

// actionURL resolves where an action is posted: an absolute url as given,
// a relative url against the base, or the device action path.
func (c *Client) actionURL(action Action) (string, error) {
	if action.URL != "" {
		ref, err := url.Parse(action.URL)
		if err != nil {
			return "", fmt.Errorf("%w: action url %q: %w", ErrTransient, action.URL, err)
		}
		if ref.IsAbs() {
			return ref.String(), nil
		}
		u := c.baseURL.JoinPath(strings.TrimLeft(ref.Path, "/"))
		u.RawQuery = ref.RawQuery
		return u.String(), nil
	}

	if action.DeviceID == "" || action.ActionValue == "" {
		return "", fmt.Errorf("%w: action %q has no url", ErrTransient, action.ActionName)
	}
	return c.endpoint("device", action.DeviceID, "action", action.ActionValue), nil
}

func (c *Client) endpoint(segments ...string) string {
	return c.baseURL.JoinPath(segments...).String()
}

// do sends a request and returns the response only for 2xx statuses.
// Every returned error already carries ErrUnauthorized or ErrTransient.
func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	statusErr := HTTPStatusError{Status: resp.StatusCode, Body: string(body)}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, statusErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrTransient, statusErr)
}
