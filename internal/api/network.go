package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
)

// auditTargetNetwork is the audit target of broadcasts.
const auditTargetNetwork = "network"

// maxDiscoveryWindow bounds how long a discover request may hold the
// connection open.
const maxDiscoveryWindow = 30 * time.Second

// discoverRequest is the body of POST /discover.
type discoverRequest struct {
	Low     uint32 `json:"low"`
	High    uint32 `json:"high"`
	Window  int    `json:"window_ms"`
	Address string `json:"address,omitempty"`
}

// findObjectRequest is the body of POST /find-object. Exactly one of Name
// and Object is set.
type findObjectRequest struct {
	discoverRequest
	Name   string `json:"name,omitempty"`
	Object string `json:"object,omitempty"`
}

// timeSyncRequest is the body of POST /timesync.
type timeSyncRequest struct {
	// Destination is "broadcast" or a device instance.
	Destination string `json:"destination"`
	UTC         bool   `json:"utc"`
}

// handleDiscover broadcasts Who-Is (or sends it to one address) and
// returns the devices that answered within the window.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	window := time.Duration(req.Window) * time.Millisecond
	if window < 0 || window > maxDiscoveryWindow {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "window_ms must be between 0 and 30000")
		return
	}

	found, err := s.devices.DiscoverAll(r.Context(), device.Scope{
		Low:     req.Low,
		High:    req.High,
		Window:  window,
		Address: req.Address,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("discovery via API",
		"low", req.Low,
		"high", req.High,
		"found", len(found),
		"subject", subject(r),
	)
	s.record(r, audit.ActionDiscover, auditTargetNetwork, map[string]any{
		"low":   req.Low,
		"high":  req.High,
		"found": len(found),
	})
	if found == nil {
		found = []*device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": found,
		"count":   len(found),
	})
}

// handleFindObject sends Who-Has for an object name or identifier and
// returns the devices that answered with I-Have within the window.
func (s *Server) handleFindObject(w http.ResponseWriter, r *http.Request) {
	var req findObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	window := time.Duration(req.Window) * time.Millisecond
	if window < 0 || window > maxDiscoveryWindow {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "window_ms must be between 0 and 30000")
		return
	}
	if (req.Name == "") == (req.Object == "") {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "exactly one of name and object is required")
		return
	}

	q := device.ObjectQuery{
		Scope: device.Scope{
			Low:     req.Low,
			High:    req.High,
			Window:  window,
			Address: req.Address,
		},
		Name: req.Name,
	}
	if req.Object != "" {
		id, err := bacnet.ParseObjectID(req.Object)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		q.Object = id
	}

	holders, err := s.devices.FindObject(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.record(r, audit.ActionFindObject, auditTargetNetwork, map[string]any{
		"name":   req.Name,
		"object": req.Object,
		"found":  len(holders),
	})
	if holders == nil {
		holders = []device.Holder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holders": holders,
		"count":   len(holders),
	})
}

// handleTimeSync sends TimeSynchronization with the current time.
func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	var req timeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var (
		instance  uint32
		broadcast bool
	)
	switch dest := strings.TrimSpace(req.Destination); dest {
	case "", "broadcast":
		broadcast = true
	default:
		n, err := strconv.ParseUint(dest, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, `destination must be "broadcast" or a device instance`)
			return
		}
		instance = uint32(n)
	}

	now := time.Now()
	if err := s.devices.SyncTime(r.Context(), instance, broadcast, now, req.UTC); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	target := auditTargetNetwork
	if !broadcast {
		target = strconv.FormatUint(uint64(instance), 10)
	}
	s.record(r, audit.ActionTimeSync, target, map[string]any{"utc": req.UTC})
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast": broadcast,
		"instance":  instance,
		"time":      now.Format(time.RFC3339),
		"utc":       req.UTC,
	})
}
