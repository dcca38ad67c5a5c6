package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
)

// handleListDevices returns every known device, ordered by instance.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceParam(w, r)
	if !ok {
		return
	}
	d, err := s.devices.Get(r.Context(), instance)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleGetReachability returns the reachability of a device.
func (s *Server) handleGetReachability(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceParam(w, r)
	if !ok {
		return
	}
	reach, err := s.devices.Reachability(instance)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":     instance,
		"reachability": reach,
	})
}

// handleEvictDevice removes a device from the registry. Its points and
// schedule entries are dropped by the eviction listeners.
func (s *Server) handleEvictDevice(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceParam(w, r)
	if !ok {
		return
	}
	if err := s.devices.Evict(r.Context(), instance); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("device evicted via API", "instance", instance, "subject", subject(r))
	s.record(r, audit.ActionEvict, strconv.FormatUint(uint64(instance), 10), nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleReadObjectList scans the device's object-list and stores it in the
// registry.
func (s *Server) handleReadObjectList(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceParam(w, r)
	if !ok {
		return
	}
	objects, err := s.devices.ReadObjectList(r.Context(), instance)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	names := make([]string, len(objects))
	for i, o := range objects {
		names[i] = o.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": instance,
		"objects":  names,
		"count":    len(names),
	})
}

// reinitializeRequest is the body of POST /devices/{instance}/reinitialize.
type reinitializeRequest struct {
	State    string `json:"state"`
	Password string `json:"password,omitempty"`
}

// handleReinitialize sends ReinitializeDevice to a device.
func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceParam(w, r)
	if !ok {
		return
	}
	var req reinitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	state, err := bacnet.ParseReinitState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err := s.devices.Reinitialize(r.Context(), instance, state, req.Password); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("device reinitialize sent",
		"instance", instance,
		"state", req.State,
		"subject", subject(r),
	)
	s.record(r, audit.ActionReinitialize, strconv.FormatUint(uint64(instance), 10), map[string]any{
		"state": req.State,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": instance,
		"state":    req.State,
	})
}

// instanceParam parses the {instance} URL parameter, writing a 400 on failure.
func instanceParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "instance")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || uint32(n) >= bacnet.MaxInstance {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, device.ErrInvalidInstance.Error()+": "+raw)
		return 0, false
	}
	return uint32(n), true
}

// subject returns the token subject of an authenticated request.
func subject(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}
