package coop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-coop/internal/entity"
)

// Protocol is the protocol identifier carried in every message and topic.
const Protocol = "omlet"

// CommandMessage is sent from Core to the bridge to operate an entity.
// Topic: graylogic/command/omlet/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	// The bridge assigns one when it is empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Omlet device id. Taken from the topic when empty.
	DeviceID string `json:"device_id"`

	// Entity is the entity key (e.g. "SmartAutodoor", "OmletFanSwitch").
	// May be omitted when exactly one entity on the device accepts Command.
	Entity string `json:"entity,omitempty"`

	// Command is the entity command (e.g. "open", "turn_on", "set_preset_mode").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Example: {"preset_mode": "boost"} for set_preset_mode
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "mqtt", "automation").
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the action was submitted upstream.
	AckAccepted AckStatus = "accepted"

	// AckSkipped indicates the device does not currently offer the action.
	// Nothing was sent.
	AckSkipped AckStatus = "skipped"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the upstream call exceeded its bound.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/omlet/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Entity    string    `json:"entity,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Error contains details if status is not "accepted".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for unsuccessful commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is published whenever a device's entity state changes.
// Topic: graylogic/state/omlet/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State maps entity key to that entity's state.
	//   {"SmartAutodoor": {"state": "closed", "raw": "closed"},
	//    "battery": {"value": 87, "unit": "%"}}
	State map[string]entity.State `json:"state"`

	Protocol string `json:"protocol"`

	// Address is the Omlet device id; Omlet has no other addressing.
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates polling is working and MQTT is connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT is down or the last refresh failed transiently.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the Omlet credential was rejected.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/omlet
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Polling        *PollingStatus    `json:"polling,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// PollingStatus summarises the coordinator.
type PollingStatus struct {
	Active      bool       `json:"active"`
	AuthFailed  bool       `json:"auth_failed"`
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	Fetches          uint64 `json:"fetches"`
	FetchFailures    uint64 `json:"fetch_failures"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
}

// RequestMessage is sent from Core for request/response operations.
// Topic: graylogic/request/omlet/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation: "read_state", "read_all" or "refresh".
	Action string `json:"action"`

	// DeviceID is the target device for read_state.
	DeviceID string `json:"device_id,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request actions.
const (
	RequestReadState = "read_state"
	RequestReadAll   = "read_all"
	RequestRefresh   = "refresh"
)

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/omlet/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts an RFC 3339 timestamp or none.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgement for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Entity:    cmd.Entity,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates an acknowledgement with error details.
// The status follows from the code.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	switch code {
	case ErrCodeTimeout:
		status = AckTimeout
	case ErrCodeActionUnavailable:
		status = AckSkipped
	}
	ack := NewAckMessage(cmd, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID string, state map[string]entity.State, at time.Time) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: at.UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   deviceID,
	}
}

func newErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

func newResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}
