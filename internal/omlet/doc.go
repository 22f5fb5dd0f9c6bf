// Package omlet is the client for the Omlet Smart Coop cloud API.
//
// It performs exactly two operations: listing every device visible to the
// configured API key, and submitting one of a device's actions. It keeps no
// state besides the credential, does not cache, and does not retry.
//
// # Failure taxonomy
//
// Every error returned by ListDevices or PerformAction matches exactly one
// of two sentinels:
//
//   - ErrUnauthorized: the API rejected the credential (HTTP 401), or no
//     credential is configured. Retrying cannot help.
//   - ErrTransient: anything else (transport failure, timeout, other
//     non-2xx status, undecodable body). The next attempt may succeed.
//
// Non-2xx responses additionally carry an HTTPStatusError that can be
// extracted with errors.As for logging.
//
// # Status trees
//
// Device state arrives as an arbitrary-depth JSON object. Status.Lookup
// walks it by path segments and reports presence separately from value:
//
//	v, ok := dev.State.Lookup("door", "state")
//	level, ok := dev.State.Float("general", "batteryLevel")
//
// # Usage
//
//	client, err := omlet.NewClient(omlet.Config{
//	    BaseURL: cfg.Omlet.BaseURL,
//	    Token:   cfg.Omlet.APIToken,
//	    Timeout: cfg.GetRequestTimeout(),
//	})
//	devices, err := client.ListDevices(ctx)
package omlet
