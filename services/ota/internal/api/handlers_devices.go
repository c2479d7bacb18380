package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"otad/services/ota/internal/fleet"
)

type deviceRequest struct {
	DeviceID        string         `json:"device_id"`
	FirmwareVersion string         `json:"firmware_version"`
	DeviceInfo      map[string]any `json:"device_info"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, errors.New("device_id is required"))
		return
	}

	device := a.fleet.Register(req.DeviceID, remoteIP(r), req.FirmwareVersion, req.DeviceInfo)

	a.audit.DeviceEvent(r.Context(), device.DeviceID, "registered")
	a.publishEvent(r.Context(), deviceRegisteredTopic, map[string]any{
		"device_id":        device.DeviceID,
		"ip_address":       device.IPAddress,
		"firmware_version": device.FirmwareVersion,
	})
	a.logger.Printf("INFO device registered: %s (%s)", device.DeviceID, device.IPAddress)

	respondJSON(w, http.StatusOK, map[string]any{"status": "success", "device": device})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, errors.New("device_id is required"))
		return
	}

	result, err := a.fleet.Heartbeat(req.DeviceID, req.FirmwareVersion, req.DeviceInfo)
	if err != nil {
		if errors.Is(err, fleet.ErrNotRegistered) {
			a.metrics.heartbeats.WithLabelValues("unregistered").Inc()
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	a.metrics.heartbeats.WithLabelValues("ok").Inc()

	resp := map[string]any{"status": "success"}
	if result.ForceUpdate {
		resp["force_update"] = true
		resp["update_url"] = a.config.UpdateURL
		a.metrics.intents.WithLabelValues("force_update").Inc()
		a.logger.Printf("INFO delivered force-update to %s", req.DeviceID)
	}
	if result.ForceRestart {
		resp["force_restart"] = true
		a.metrics.intents.WithLabelValues("force_restart").Inc()
		a.logger.Printf("INFO delivered force-restart to %s", req.DeviceID)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := a.fleet.SetForceUpdate(deviceID); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}

	a.audit.Command(r.Context(), deviceID, "force_update", "operator")
	a.publishEvent(r.Context(), deviceIntentTopic, map[string]any{
		"device_id": deviceID,
		"intent":    "force_update",
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"message":    "Force update requested",
		"update_url": a.config.UpdateURL,
	})
}

func (a *API) handleForceRestart(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := a.fleet.SetForceRestart(deviceID); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}

	a.audit.Command(r.Context(), deviceID, "force_restart", "operator")
	a.publishEvent(r.Context(), deviceIntentTopic, map[string]any{
		"device_id": deviceID,
		"intent":    "force_restart",
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Restart requested",
	})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.fleet.Get(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"devices": a.fleet.List()})
}

func (a *API) handleAuditCommands(w http.ResponseWriter, r *http.Request) {
	if !a.audit.Enabled() {
		respondError(w, http.StatusFailedDependency, errors.New("audit log not configured"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	entries, err := a.audit.RecentCommands(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"commands": entries})
}
