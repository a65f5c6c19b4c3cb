package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mossvale/hydrobridge/internal/audit"
)

// handleListAudit returns the audit trail, most recent first.
//
// Query parameters:
//   - action: filter by action (device.create, device.update, device.delete, command.dispatch)
//   - device_id: filter by device
//   - source: filter by origin (api, mqtt, bridge)
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Source:   q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// recordAudit writes an audit entry for an API-originated action.
// Best-effort: a write failure is logged but never fails the request.
func (s *Server) recordAudit(ctx context.Context, action, deviceID string, details map[string]any) {
	if s.audit == nil {
		return
	}

	entry := &audit.Entry{
		Action:   action,
		DeviceID: deviceID,
		Source:   "api",
		Details:  details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed",
			"action", action,
			"device_id", deviceID,
			"error", err,
		)
	}
}
