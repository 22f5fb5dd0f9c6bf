// Package coop implements the MQTT bridge for Omlet smart coops.
//
// The bridge sits between the polling coordinator and the rest of the
// home-automation stack. It does not talk to the Omlet API itself; every
// read comes from the coordinator's snapshot and every command goes through
// an entity view.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐          ┌─────────────┐
//	│   Gray Logic    │   MQTT   │   Coop Bridge   │ snapshot │ Coordinator │ HTTPS
//	│      Core       │◄────────►│   (this pkg)    │◄────────►│             │◄──────► Omlet API
//	└─────────────────┘          └─────────────────┘          └─────────────┘
//
// # Key Responsibilities
//
//   - Publish retained entity state per device when a snapshot changes it
//   - Translate MQTT commands into entity commands and acknowledge them
//   - Answer read_state, read_all and refresh requests
//   - Mirror device metadata, state and health into the device registry
//   - Write entity readings to the time-series store
//   - Publish health status, including the auth-failed condition
//
// # Topics
//
// With the default prefix:
//
//	graylogic/state/omlet/{device_id}     retained StateMessage
//	graylogic/command/omlet/{device_id}   CommandMessage (subscribed)
//	graylogic/ack/omlet/{device_id}       AckMessage
//	graylogic/request/omlet/{request_id}  RequestMessage (subscribed)
//	graylogic/response/omlet/{request_id} ResponseMessage
//	graylogic/health/omlet                retained HealthMessage
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package coop
