package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mossvale/hydrobridge/internal/audit"
	"github.com/mossvale/hydrobridge/internal/coordinator"
	"github.com/mossvale/hydrobridge/internal/device"
)

// handleListDevices returns all devices, with an optional health filter.
//
// Query parameters:
//   - health: filter by health status (online, offline, degraded, unknown)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if healthStr := r.URL.Query().Get("health"); healthStr != "" {
		devices, err := s.registry.GetDevicesByHealthStatus(ctx, device.HealthStatus(healthStr))
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID or slug.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookupDevice(r)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice creates a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.CreateDevice(r.Context(), &dev); err != nil {
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		if errors.Is(err, device.ErrDeviceExists) {
			writeConflict(w, "device already exists")
			return
		}
		writeInternalError(w, "failed to create device")
		return
	}

	s.recordAudit(r.Context(), audit.ActionDeviceCreate, dev.ID, map[string]any{
		"name":    dev.Name,
		"address": dev.Address,
	})

	writeJSON(w, http.StatusCreated, dev)
}

// handleUpdateDevice partially updates a device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	existing, err := s.lookupDevice(r)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	// Decode partial update onto existing device
	id := existing.ID
	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id // Ensure ID cannot be changed

	if err := s.registry.UpdateDevice(r.Context(), existing); err != nil {
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	s.recordAudit(r.Context(), audit.ActionDeviceUpdate, existing.ID, map[string]any{
		"name":    existing.Name,
		"address": existing.Address,
	})

	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteDevice removes a device by ID.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	s.recordAudit(r.Context(), audit.ActionDeviceDelete, id, nil)

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, stats)
}

// handleGetDeviceState returns the last evaluated state of a device.
//
// The state fields mirror the retained MQTT state message: the coordinator
// persists every evaluated state to the registry, so this read reflects
// whatever the bridge last published.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookupDevice(r)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":        dev.ID,
		"state":            dev.State,
		"state_updated_at": dev.StateUpdatedAt,
		"health_status":    dev.HealthStatus,
	})
}

// DeviceCommand is the request body for the command endpoint.
type DeviceCommand struct {
	Command string `json:"command"`
}

// handleDeviceCommand publishes a pump command to the device's MQTT command
// topic. This is an asynchronous operation: the response is 202 Accepted and
// the coordinator's acknowledgment arrives on the ack topic. The resulting
// state change lands in the retained state message and the registry.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	dev, err := s.lookupDevice(r)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	var cmd DeviceCommand
	if decodeErr := json.NewDecoder(r.Body).Decode(&cmd); decodeErr != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	switch cmd.Command {
	case "on", "off", "read":
	case "":
		writeBadRequest(w, "command field is required")
		return
	default:
		writeBadRequest(w, "command must be one of: on, off, read")
		return
	}

	if s.mqtt == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command transport not connected")
		return
	}

	msg := coordinator.CommandMessage{
		ID:        newRequestID(),
		Timestamp: time.Now().UTC(),
		DeviceID:  dev.ID,
		Command:   cmd.Command,
		Source:    "api",
	}

	payload, marshalErr := json.Marshal(&msg)
	if marshalErr != nil {
		writeInternalError(w, "failed to encode command")
		return
	}

	if pubErr := s.mqtt.Publish(coordinator.CommandTopic(dev.ID), payload, 1, false); pubErr != nil {
		s.logger.Error("command publish failed", "device_id", dev.ID, "error", pubErr)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "failed to publish command")
		return
	}

	s.logger.Info("device command dispatched",
		"device_id", dev.ID,
		"command", cmd.Command,
		"command_id", msg.ID,
	)

	s.recordAudit(r.Context(), audit.ActionCommand, dev.ID, map[string]any{
		"command":    cmd.Command,
		"command_id": msg.ID,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": msg.ID,
		"device_id":  dev.ID,
		"status":     "accepted",
		"message":    "command published, acknowledgment will follow on the ack topic",
	})
}

// lookupDevice resolves the {id} URL parameter against the registry,
// first as a device ID, then as a slug.
func (s *Server) lookupDevice(r *http.Request) (*device.Device, error) {
	ref := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), ref)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, device.ErrDeviceNotFound) {
		return nil, err
	}
	return s.registry.GetDeviceBySlug(r.Context(), ref)
}

// isValidationError checks whether an error is a device validation error.
// ValidateDevice wraps various sentinel errors (ErrInvalidName,
// ErrInvalidAddress, etc.) so we check all of them rather than just
// ErrInvalidDevice.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidSlug) ||
		errors.Is(err, device.ErrInvalidAddress) ||
		errors.Is(err, device.ErrInvalidState)
}
