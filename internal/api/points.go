package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

// Query and body limits.
const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
	maxVerifyDelay      = time.Minute
)

// pointResponse is a point with its schedule state, when it has one.
type pointResponse struct {
	*point.Point
	Schedule *scheduler.Status `json:"schedule,omitempty"`
}

// declareRequest is the body of POST /points.
type declareRequest struct {
	Key          string `json:"key"`
	Mode         string `json:"mode"`
	PollInterval int    `json:"poll_interval_s"`
	COVLifetime  int    `json:"cov_lifetime_s"`
	Units        string `json:"units"`
	History      bool   `json:"history"`
}

// writeRequest is the body of PUT /points/{key}. A null value relinquishes
// the priority slot.
type writeRequest struct {
	Value    any   `json:"value"`
	Priority uint8 `json:"priority"`

	// VerifyAfter, when positive, reads the point back after this many
	// milliseconds and fails with 409 if the device disagrees.
	VerifyAfter int `json:"verify_after_ms"`
}

// subscribeRequest is the body of POST /points/{key}/subscribe.
type subscribeRequest struct {
	Lifetime int `json:"lifetime_s"`
}

// simulateRequest is the body of POST /points/{key}/simulate.
type simulateRequest struct {
	Value any `json:"value"`
}

// handleListPoints returns points, optionally filtered by ?device=, ?mode=
// and ?local=.
func (s *Server) handleListPoints(w http.ResponseWriter, r *http.Request) {
	var filter point.Filter
	q := r.URL.Query()
	if v := q.Get("device"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeBadRequest(w, "device must be an instance number")
			return
		}
		dev := uint32(n)
		filter.Device = &dev
	}
	if v := q.Get("mode"); v != "" {
		mode, err := point.ParseMode(v)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.Mode = mode
	}
	if v := q.Get("local"); v != "" {
		local, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "local must be true or false")
			return
		}
		filter.Local = &local
	}

	points := s.points.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

// handleGetPoint returns the cached point without touching the network.
func (s *Server) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	p, err := s.points.Get(key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.withSchedule(p))
}

// handleDeclarePoint declares a point and schedules it unless it is manual
// or local.
func (s *Server) handleDeclarePoint(w http.ResponseWriter, r *http.Request) {
	var req declareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	key, err := point.ParseKey(req.Key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	mode, err := point.ParseMode(req.Mode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.PollInterval < 0 || req.COVLifetime < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "intervals must not be negative")
		return
	}

	p, err := s.points.Declare(point.Spec{
		Key:          key,
		Mode:         mode,
		PollInterval: time.Duration(req.PollInterval) * time.Second,
		COVLifetime:  time.Duration(req.COVLifetime) * time.Second,
		Units:        req.Units,
		History:      req.History,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if mode != point.ModeManual {
		if err := s.scheduler.Add(key); err != nil {
			//nolint:errcheck // rollback of a point declared just above
			s.points.Remove(key)
			s.writeServiceError(w, r, err)
			return
		}
	}

	s.logger.Info("point declared via API", "point", key.String(), "mode", mode, "subject", subject(r))
	s.record(r, audit.ActionDeclare, key.String(), map[string]any{"mode": string(mode)})
	writeJSON(w, http.StatusCreated, s.withSchedule(p))
}

// handleRemovePoint takes a point off the schedule and removes it.
func (s *Server) handleRemovePoint(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Remove(key); err != nil && !errors.Is(err, scheduler.ErrNotScheduled) {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.points.Remove(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionRemove, key.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleReadPoint returns the point, refreshing it from the device unless
// the cached value is fresh.
func (s *Server) handleReadPoint(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	p, err := s.points.Read(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.withSchedule(p))
}

// handleWritePoint writes a value at a priority, optionally verifying it
// by reading back.
func (s *Server) handleWritePoint(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	value, err := bacnet.ValueForProperty(key.Object.Type, key.Property, req.Value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	verify := time.Duration(req.VerifyAfter) * time.Millisecond
	if verify < 0 || verify > maxVerifyDelay {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "verify_after_ms must be between 0 and 60000")
		return
	}

	p, err := s.points.Write(r.Context(), key, value, req.Priority)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("point written via API",
		"point", key.String(),
		"value", value.String(),
		"priority", req.Priority,
		"subject", subject(r),
	)
	action := audit.ActionWrite
	if value.IsNull() {
		action = audit.ActionRelinquish
	}
	s.record(r, action, key.String(), map[string]any{
		"value":    value.String(),
		"priority": req.Priority,
	})

	// A relinquish hands control to a lower slot, so there is nothing to
	// compare against.
	if verify > 0 && !value.IsNull() {
		if err := s.scheduler.ExpectValue(r.Context(), key, value, verify); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.withSchedule(p))
}

// handleSubscribe switches a point to COV with an optional lifetime.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	if req.Lifetime < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "lifetime_s must not be negative")
		return
	}
	if err := s.scheduler.Subscribe(key, time.Duration(req.Lifetime)*time.Second); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionSubscribe, key.String(), map[string]any{"lifetime_s": req.Lifetime})
	s.writeStatus(w, r, key)
}

// handleUnsubscribe returns a subscribed point to polling.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Unsubscribe(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionUnsubscribe, key.String(), nil)
	s.writeStatus(w, r, key)
}

// handleSimulate puts the object out of service and writes the value.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	value, err := bacnet.ValueForProperty(key.Object.Type, key.Property, req.Value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	p, err := s.points.Simulate(r.Context(), key, value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionSimulate, key.String(), map[string]any{"value": value.String()})
	writeJSON(w, http.StatusOK, s.withSchedule(p))
}

// handleRelease returns a simulated object to service.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	p, err := s.points.Release(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionRelease, key.String(), nil)
	writeJSON(w, http.StatusOK, s.withSchedule(p))
}

// handlePointHistory returns stored samples, newest first.
func (s *Server) handlePointHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "point history is not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	if _, err := s.points.Get(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entries, err := s.history.History(r.Context(), key, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key.String(),
		"samples": entries,
		"count":   len(entries),
	})
}

// writeStatus responds with the schedule status of key.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, key point.Key) {
	st, err := s.scheduler.Status(key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// withSchedule attaches the schedule status when the point is scheduled.
func (s *Server) withSchedule(p *point.Point) pointResponse {
	resp := pointResponse{Point: p}
	if st, err := s.scheduler.Status(p.Key); err == nil {
		resp.Schedule = &st
	}
	return resp
}

// keyParam parses the {key} URL parameter, writing a 400 on failure.
func keyParam(w http.ResponseWriter, r *http.Request) (point.Key, bool) {
	key, err := point.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return point.Key{}, false
	}
	return key, true
}
