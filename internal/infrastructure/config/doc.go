// Package config loads config.yaml and applies COOPBRIDGE_* environment
// overrides on top of it.
//
// Load fills defaults, applies the environment and then validates, so a
// returned *Config is always usable:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return fmt.Errorf("loading configuration: %w", err)
//	}
//	interval := cfg.GetPollInterval()
//
// Secrets (the Omlet API token, the JWT secret and the broker password)
// are best supplied through the environment. OmletConfig.String redacts
// the token for logging.
package config
