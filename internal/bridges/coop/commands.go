package coop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/entity"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// handleCommand processes a command message from MQTT.
func (b *Bridge) handleCommand(deviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		b.commandsReceived.Add(1)
		b.commandsFailed.Add(1)
		b.publishAck(NewAckError(CommandMessage{DeviceID: deviceID}, ErrCodeInvalidCommand, err.Error()))
		return
	}

	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	b.ExecuteCommand(b.ctx, cmd)
}

// ExecuteCommand runs cmd against the coordinator and publishes the
// acknowledgement. It is shared by the MQTT handler and the HTTP API.
//
// The returned ack's status is accepted when the action was submitted
// upstream, skipped when the device does not currently offer it, and
// failed or timeout otherwise.
func (b *Bridge) ExecuteCommand(ctx context.Context, cmd CommandMessage) AckMessage {
	b.commandsReceived.Add(1)

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}

	ack := b.execute(ctx, &cmd)

	if ack.Status != AckAccepted && ack.Status != AckSkipped {
		b.commandsFailed.Add(1)
	}
	b.metrics.observeCommand(ack.Status)
	b.publishAck(ack)

	b.logInfo("command handled",
		"command_id", cmd.ID,
		"device", cmd.DeviceID,
		"entity", cmd.Entity,
		"command", cmd.Command,
		"source", cmd.Source,
		"status", string(ack.Status))
	return ack
}

func (b *Bridge) execute(ctx context.Context, cmd *CommandMessage) AckMessage {
	if cmd.DeviceID == "" {
		return NewAckError(*cmd, ErrCodeInvalidCommand, "device_id is required")
	}
	if cmd.Command == "" {
		return NewAckError(*cmd, ErrCodeInvalidCommand, "command is required")
	}

	d, ok := b.coord.Device(cmd.DeviceID)
	if !ok {
		return NewAckError(*cmd, ErrCodeNotConfigured, fmt.Sprintf("unknown device: %s", cmd.DeviceID))
	}

	ent, err := resolveEntity(d, cmd.Entity, entity.Command(cmd.Command))
	if err != nil {
		return b.ackFor(*cmd, err)
	}
	cmd.Entity = ent.Key()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// Execute refreshes after the action, so the command's effect, if any,
	// has been applied by the time it returns.
	b.markPending(cmd.DeviceID)
	err = entity.NewView(b.coord, ent).Execute(ctx, entity.Command(cmd.Command), cmd.Parameters)
	b.releasePending(cmd.DeviceID)
	if err != nil {
		return b.ackFor(*cmd, err)
	}

	return NewAckMessage(*cmd, AckAccepted)
}

// resolveEntity picks the entity a command targets. With no key, the
// device must expose exactly one entity accepting cmd.
func resolveEntity(d *omlet.Device, key string, cmd entity.Command) (entity.Entity, error) {
	if key != "" {
		return entity.Find(d, key)
	}

	var match []entity.Entity
	for _, ent := range entity.DiscoverDevice(d) {
		if ent.Description.Supports(cmd) {
			match = append(match, ent)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return entity.Entity{}, fmt.Errorf("%w: no entity on %s accepts %s", entity.ErrUnsupportedCommand, d.DeviceID, cmd)
	default:
		return entity.Entity{}, fmt.Errorf("%w: entity is required, %d entities on %s accept %s",
			entity.ErrInvalidParameter, len(match), d.DeviceID, cmd)
	}
}

// ackFor maps an execution error to an acknowledgement.
func (b *Bridge) ackFor(cmd CommandMessage, err error) AckMessage {
	code := errorCode(err)
	if code != ErrCodeActionUnavailable {
		b.logError("command failed", fmt.Errorf("command_id=%s device=%s: %w", cmd.ID, cmd.DeviceID, err))
	}
	return NewAckError(cmd, code, err.Error())
}

// errorCode classifies err into a wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, entity.ErrActionUnavailable):
		return ErrCodeActionUnavailable
	case errors.Is(err, entity.ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, entity.ErrInvalidParameter):
		return ErrCodeInvalidParameters
	case errors.Is(err, entity.ErrDeviceNotFound), errors.Is(err, entity.ErrEntityNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, coordinator.ErrAuthFailed), errors.Is(err, omlet.ErrUnauthorized):
		return ErrCodeAuthFailed
	case errors.Is(err, coordinator.ErrClosed):
		return ErrCodeBridgeError
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeDeviceUnreachable
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	if b.mqtt == nil || ack.DeviceID == "" {
		return
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(b.topics.BridgeAck(Protocol, ack.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest processes a request message from MQTT.
func (b *Bridge) handleRequest(requestID string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		b.publishResponse(requestID, newErrorResponse(requestID, ErrCodeInvalidCommand, err.Error()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	b.publishResponse(requestID, b.HandleRequest(b.ctx, req))
}

// HandleRequest answers a read_state, read_all or refresh request.
func (b *Bridge) HandleRequest(ctx context.Context, req RequestMessage) ResponseMessage {
	switch req.Action {
	case RequestReadState:
		d, ok := b.coord.Device(req.DeviceID)
		if !ok {
			return newErrorResponse(req.RequestID, ErrCodeNotConfigured,
				fmt.Sprintf("unknown device: %s", req.DeviceID))
		}
		return newResponse(req.RequestID, deviceData(d))

	case RequestReadAll:
		snap := b.coord.Snapshot()
		devices := make([]map[string]any, 0, snap.Len())
		for _, d := range snap.Devices() {
			devices = append(devices, deviceData(d))
		}
		return newResponse(req.RequestID, map[string]any{
			"devices":    devices,
			"fetched_at": snap.FetchedAt().UTC(),
		})

	case RequestRefresh:
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := b.coord.Refresh(ctx); err != nil {
			return newErrorResponse(req.RequestID, errorCode(err), err.Error())
		}
		return newResponse(req.RequestID, map[string]any{
			"devices": b.coord.Snapshot().Len(),
		})

	default:
		return newErrorResponse(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func (b *Bridge) publishResponse(requestID string, resp ResponseMessage) {
	if b.mqtt == nil {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	if err := b.mqtt.Publish(b.topics.BridgeResponse(Protocol, requestID), payload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

func deviceData(d *omlet.Device) map[string]any {
	info := entity.NewDeviceInfo(d)
	return map[string]any{
		"device_id": d.DeviceID,
		"name":      info.Name,
		"model":     info.Model,
		"firmware":  info.SWVersion,
		"state":     entity.States(d),
	}
}
