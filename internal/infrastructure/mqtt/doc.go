// Package mqtt connects the bridge to the home-automation broker with
// paho.
//
// The client reconnects on its own and replays every subscription after
// each reconnect. It publishes a retained online status on connect and
// registers an unexpected_disconnect Last Will, so consumers can tell a
// crashed bridge from one that shut down.
//
// Topics builds the bridge's topic tree:
//
//	{prefix}/state/omlet/{device}     retained device state
//	{prefix}/command/omlet/{device}   inbound commands
//	{prefix}/ack/omlet/{device}       command acknowledgements
//	{prefix}/system/status            process status and Last Will
//
// Handlers run on paho's goroutines. A handler error is logged and a
// handler panic is recovered.
package mqtt
