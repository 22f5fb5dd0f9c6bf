package mqtt

import "fmt"

// DefaultTopicPrefix is the root of every topic when no prefix is configured.
const DefaultTopicPrefix = "graylogic"

// Topics provides builders for the bridge MQTT topic hierarchy.
// Using these helpers ensures consistent topic naming across the codebase.
//
// All bridge topics use the flat scheme: {prefix}/{category}/{protocol}/{id}
//
//	topics := mqtt.NewTopics("graylogic")
//	stateTopic := topics.BridgeState("omlet", "d1")
//	// Returns: "graylogic/state/omlet/d1"
type Topics struct {
	Prefix string
}

// NewTopics creates a topic builder rooted at prefix.
// An empty prefix selects DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// BridgeState returns the retained topic for a device's state.
//
// Example: graylogic/state/omlet/d1
func (t Topics) BridgeState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", t.root(), protocol, deviceID)
}

// BridgeCommand returns the topic for commands to one device.
//
// Example: graylogic/command/omlet/d1
func (t Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.root(), protocol, deviceID)
}

// BridgeAck returns the topic for command acknowledgements.
//
// Example: graylogic/ack/omlet/d1
func (t Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", t.root(), protocol, deviceID)
}

// BridgeRequest returns the topic for a request to a bridge.
//
// Example: graylogic/request/omlet/req-abc123
func (t Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", t.root(), protocol, requestID)
}

// BridgeResponse returns the topic for the reply to a request.
//
// Example: graylogic/response/omlet/req-abc123
func (t Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", t.root(), protocol, requestID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/omlet
func (t Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", t.root(), protocol)
}

// SystemStatus returns the topic carrying the process online/offline status.
// It is also the Last Will topic.
//
// Example: graylogic/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.root())
}

// BridgeCommands returns a pattern matching every command for a protocol.
//
// Pattern: graylogic/command/omlet/#
func (t Topics) BridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/#", t.root(), protocol)
}

// BridgeRequests returns a pattern matching every request for a protocol.
//
// Pattern: graylogic/request/omlet/#
func (t Topics) BridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/#", t.root(), protocol)
}

// AllBridgeStates returns a pattern matching every device state of a protocol.
//
// Pattern: graylogic/state/omlet/+
func (t Topics) AllBridgeStates(protocol string) string {
	return fmt.Sprintf("%s/state/%s/+", t.root(), protocol)
}
