// Package coordinator owns the shared view of every Omlet device.
//
// A single Coordinator fetches the full device list from a Source, keeps it
// as an immutable Snapshot, and hands that snapshot to every subscriber.
// Views never call the Omlet API for reads; they look devices up here.
//
// # Refresh model
//
//   - Initialize performs the first fetch. Failure is fatal to setup.
//   - Refresh fetches on demand. Callers arriving while a fetch is in flight
//     join it and receive its outcome; at most one fetch runs at a time.
//   - A cadence loop refreshes every Interval, but only while at least one
//     subscriber exists.
//
// Every successful fetch replaces the snapshot wholesale and then invokes
// each subscriber synchronously, once. Failed fetches leave the previous
// snapshot in place and notify nobody.
//
// # Error policy
//
// Transient failures are logged and counted; the next tick retries.
// An authorization failure latches the coordinator: the loop stops,
// Refresh and PerformAction fail fast with ErrAuthFailed, and the
// OnAuthFailure hook runs once. Reauthorize clears the latch.
//
// # Listener contract
//
// Listeners run on the goroutine that performed the fetch. They must not
// call Refresh synchronously; spawn a goroutine if a listener needs to.
package coordinator
