package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-coop/internal/audit"
)

// recordAudit stores an operator action. Failures are logged and never
// affect the response.
func (s *Server) recordAudit(r *http.Request, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		entry.Subject = claims.Subject
	}
	if err := s.audit.Record(context.WithoutCancel(r.Context()), &entry); err != nil {
		s.logger.Warn("failed to record audit entry", "action", entry.Action, "error", err)
	}
}

// handleListAudit returns recorded operator actions, newest first.
//
// Query parameters:
//   - action: command, refresh or credentials
//   - device_id, subject: exact match filters
//   - limit, offset: pagination
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeServiceUnavailable(w, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Subject:  q.Get("subject"),
	}

	var err error
	if filter.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseNonNegative(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
