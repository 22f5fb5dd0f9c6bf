// Package api implements the HTTP REST API and WebSocket server for the
// coop bridge.
//
// This package provides:
//   - Read endpoints over the coordinator's current device snapshot
//   - Entity command, refresh and credential replacement endpoints
//   - An audit trail of those operator actions
//   - WebSocket hub relaying snapshot updates, auth failures and command acks
//   - JWT authentication with role permissions and ticket-based WebSocket auth
//   - Prometheus exposition on /metrics and a JSON summary on /api/v1/metrics
//
// # Architecture
//
// The server reads devices straight from the polling coordinator, so every
// response reflects one snapshot. Commands go through the bridge's
// ExecuteCommand, which also publishes the MQTT acknowledgement. Snapshot
// changes reach WebSocket clients through a coordinator subscription.
//
// # Security
//
// Every route except health, metrics and the WebSocket upgrade requires a
// bearer JWT. Tokens are minted offline with "coopbridge token". WebSocket
// connections use single-use tickets to keep tokens out of URLs.
//
// # Graceful Degradation
//
// The registry, audit log, bridge metrics and database are optional.
// Without the registry or audit log their endpoints answer 503 and
// everything else still works.
package api
