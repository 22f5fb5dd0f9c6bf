package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-coop/internal/audit"
	"github.com/nerrad567/gray-logic-coop/internal/bridges/coop"
	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/device"
	"github.com/nerrad567/gray-logic-coop/internal/entity"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

const (
	// maxPathParamLen limits device ids and entity keys taken from the URL.
	maxPathParamLen = 100

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// refreshTimeout bounds POST /refresh and PUT /credentials.
	refreshTimeout = 15 * time.Second
)

// entityView is one entity with its state from the current snapshot.
type entityView struct {
	UniqueID    string           `json:"unique_id"`
	DeviceID    string           `json:"device_id"`
	Key         string           `json:"key"`
	Name        string           `json:"name"`
	Platform    entity.Platform  `json:"platform"`
	DeviceClass string           `json:"device_class,omitempty"`
	Unit        string           `json:"unit,omitempty"`
	PresetModes []string         `json:"preset_modes,omitempty"`
	Commands    []entity.Command `json:"commands,omitempty"`
	State       entity.State     `json:"state"`
}

// deviceView is a device with its info and entities.
type deviceView struct {
	ID       string            `json:"id"`
	Info     entity.DeviceInfo `json:"info"`
	Entities []entityView      `json:"entities"`
}

// commandRequest is the body of POST /devices/{id}/entities/{key}/commands.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// credentialsRequest is the body of PUT /credentials.
type credentialsRequest struct {
	APIToken string `json:"api_token"`
}

func newEntityView(d *omlet.Device, ent entity.Entity) entityView {
	desc := ent.Description
	return entityView{
		UniqueID:    ent.UniqueID,
		DeviceID:    ent.DeviceID,
		Key:         desc.Key,
		Name:        desc.Name,
		Platform:    desc.Platform,
		DeviceClass: desc.DeviceClass,
		Unit:        desc.Unit,
		PresetModes: desc.PresetModes,
		Commands:    desc.Commands,
		State:       desc.Value(d),
	}
}

func newDeviceView(d *omlet.Device) deviceView {
	ents := entity.DiscoverDevice(d)
	views := make([]entityView, 0, len(ents))
	for _, ent := range ents {
		views = append(views, newEntityView(d, ent))
	}
	return deviceView{
		ID:       d.DeviceID,
		Info:     entity.NewDeviceInfo(d),
		Entities: views,
	}
}

// snapshotPayload renders every device in snap.
func snapshotPayload(snap *coordinator.Snapshot) map[string]any {
	devices := make([]deviceView, 0, snap.Len())
	for _, d := range snap.Devices() {
		devices = append(devices, newDeviceView(d))
	}
	return map[string]any{
		"devices":    devices,
		"count":      len(devices),
		"fetched_at": snap.FetchedAt().UTC(),
	}
}

// handleListDevices returns every device in the current snapshot.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, snapshotPayload(s.coord.Snapshot()))
}

// handleGetDevice returns a single device from the current snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, ok := s.coord.Device(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(d))
}

// handleListEntities returns every entity in the current snapshot.
//
// Query parameters:
//   - platform: filter by platform (cover, fan, light, sensor, ...)
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	platform := entity.Platform(r.URL.Query().Get("platform"))

	snap := s.coord.Snapshot()
	views := []entityView{}
	for _, ent := range entity.Discover(snap) {
		if platform != "" && ent.Description.Platform != platform {
			continue
		}
		d, ok := snap.Device(ent.DeviceID)
		if !ok {
			continue
		}
		views = append(views, newEntityView(d, ent))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities":   views,
		"count":      len(views),
		"fetched_at": snap.FetchedAt().UTC(),
	})
}

// handleGetDeviceHistory returns recorded state changes for a device, newest first.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeServiceUnavailable(w, "device registry not configured")
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxPathParamLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.registry.GetDevice(ctx, id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	entries, err := s.registry.GetHistory(ctx, id, limit)
	if err != nil {
		s.logger.Error("failed to read state history", "device_id", id, "error", err)
		writeInternalError(w, "failed to get history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"history":   entries,
		"count":     len(entries),
	})
}

// handleEntityCommand runs a command against one entity.
// The response body is the command acknowledgement.
func (s *Server) handleEntityCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	if len(id) > maxPathParamLen || len(key) > maxPathParamLen {
		writeBadRequest(w, "invalid path parameter")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}

	cmd := coop.CommandMessage{
		DeviceID:   id,
		Entity:     key,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     "api",
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		cmd.UserID = claims.Subject
	}

	ack := s.commands.ExecuteCommand(r.Context(), cmd)

	entry := audit.Entry{
		Action:    audit.ActionCommand,
		DeviceID:  id,
		EntityKey: key,
		Details: map[string]any{
			"command":    req.Command,
			"command_id": ack.CommandID,
			"ack":        string(ack.Status),
		},
	}
	if ack.Status != coop.AckAccepted && ack.Status != coop.AckSkipped {
		entry.Outcome = audit.OutcomeFailed
	}
	if len(req.Parameters) > 0 {
		entry.Details["parameters"] = req.Parameters
	}
	s.recordAudit(r, entry)
	s.hub.Broadcast(EventEntityCommand, map[string]any{
		"device_id":  id,
		"entity_key": key,
		"command":    req.Command,
		"ack":        ack,
	})

	writeJSON(w, ackHTTPStatus(ack), ack)
}

// ackHTTPStatus maps a command acknowledgement to an HTTP status.
func ackHTTPStatus(ack coop.AckMessage) int {
	switch ack.Status {
	case coop.AckAccepted:
		return http.StatusAccepted
	case coop.AckSkipped:
		return http.StatusOK
	case coop.AckTimeout:
		return http.StatusGatewayTimeout
	}

	if ack.Error == nil {
		return http.StatusInternalServerError
	}
	switch ack.Error.Code {
	case coop.ErrCodeNotConfigured:
		return http.StatusNotFound
	case coop.ErrCodeInvalidCommand, coop.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case coop.ErrCodeAuthFailed, coop.ErrCodeBridgeError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleRefresh triggers a coalesced refresh and waits for it.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	if err := s.coord.Refresh(ctx); err != nil {
		s.recordAudit(r, audit.Entry{
			Action:  audit.ActionRefresh,
			Outcome: audit.OutcomeFailed,
			Details: map[string]any{"error": err.Error()},
		})
		s.writeCoordinatorError(w, "refresh failed", err)
		return
	}
	s.recordAudit(r, audit.Entry{Action: audit.ActionRefresh})

	snap := s.coord.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":    snap.Len(),
		"fetched_at": snap.FetchedAt().UTC(),
	})
}

// handleUpdateCredentials replaces the Omlet API token and verifies it
// with a fetch. A successful call clears a latched auth failure.
func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.APIToken == "" {
		writeBadRequest(w, "api_token field is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	var subject string
	if claims := claimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}

	if err := s.coord.Reauthorize(ctx, req.APIToken); err != nil {
		s.logger.Warn("credential update failed", "subject", subject, "error", err)
		s.recordAudit(r, audit.Entry{
			Action:  audit.ActionCredentials,
			Outcome: audit.OutcomeFailed,
			Details: map[string]any{"error": err.Error()},
		})
		switch {
		case errors.Is(err, coordinator.ErrReauthUnsupported):
			writeError(w, http.StatusNotImplemented, ErrCodeUnavailable, "credential replacement not supported")
		case errors.Is(err, coordinator.ErrAuthFailed):
			writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "omlet rejected the credential")
		default:
			s.writeCoordinatorError(w, "credential check failed", err)
		}
		return
	}

	s.logger.Info("omlet credential replaced", "subject", subject)
	s.recordAudit(r, audit.Entry{Action: audit.ActionCredentials})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  healthOK,
		"devices": s.coord.Snapshot().Len(),
	})
}

// writeCoordinatorError maps a coordinator error to an HTTP response.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrAuthFailed):
		writeServiceUnavailable(w, "omlet credential rejected")
	case errors.Is(err, coordinator.ErrClosed):
		writeServiceUnavailable(w, "coordinator closed")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, msg)
	default:
		s.logger.Warn(msg, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, msg)
	}
}

// parseHistoryLimit parses the limit query parameter.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}
	return limit, nil
}
