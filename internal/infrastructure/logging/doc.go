// Package logging builds the bridge's log/slog logger from config.yaml.
//
// Every entry carries service=coopbridge and the build version. Subsystems
// take a child logger from Component so their entries are tagged:
//
//	log := logging.New(cfg.Logging, version)
//	coordLog := log.Component("coordinator")
//	coordLog.Warn("poll failed", "outcome", "transient", "error", err)
//
// Output is JSON unless format is "text", and goes to stdout, stderr or an
// append-only file. The Omlet API token, JWT secret and broker password
// must never be passed as attributes.
package logging
