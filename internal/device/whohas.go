package device

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// ObjectQuery selects the object a Who-Has search asks for.
type ObjectQuery struct {
	Scope

	// Name searches by Object_Name when set; otherwise Object is used.
	Name   string          `json:"name,omitempty"`
	Object bacnet.ObjectID `json:"object"`
}

// WhoHas builds the Who-Has request for the query.
func (q ObjectQuery) WhoHas() bacnet.WhoHas {
	w := q.Scope.WhoIs()
	return bacnet.WhoHas{
		HasRange: w.HasRange,
		Low:      w.Low,
		High:     w.High,
		ByName:   q.Name != "",
		Object:   q.Object,
		Name:     q.Name,
	}
}

// Holder is a device that answered a Who-Has with I-Have.
type Holder struct {
	Device  uint32          `json:"device"`
	Address string          `json:"address"`
	Object  bacnet.ObjectID `json:"object"`
	Name    string          `json:"name"`
}

// objectSearch collects I-Have answers for one FindObject call.
type objectSearch struct {
	whohas bacnet.WhoHas
	found  chan Holder
}

func (s *objectSearch) matches(ih bacnet.IHave) bool {
	if !s.whohas.Matches(ih.Device.Instance) {
		return false
	}
	if s.whohas.ByName {
		return ih.Name == s.whohas.Name
	}
	return ih.Object == s.whohas.Object
}

// FindObject sends Who-Has for q and returns the devices that answered
// within the window, ordered by device instance. Each device is reported
// once per object it holds.
//
// Holders are not merged into the registry; a holder that is not yet
// registered can be added with Discover.
func (r *Registry) FindObject(ctx context.Context, q ObjectQuery) ([]Holder, error) {
	if err := ValidateScope(q.Scope); err != nil {
		return nil, err
	}
	if q.Name == "" && q.Object.Instance > bacnet.MaxInstance {
		return nil, fmt.Errorf("%w: object instance %d", ErrInvalidScope, q.Object.Instance)
	}
	if r.transport == nil {
		return nil, ErrNoTransport
	}

	window := q.Window
	if window <= 0 {
		window = r.window
	}
	whohas := q.WhoHas()

	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Broadcast: q.Address == "",
		APDU:      bacnet.EncodeAPDU(bacnet.UnconfirmedAPDU(whohas)),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding who-has: %w", err)
	}

	search := &objectSearch{whohas: whohas, found: make(chan Holder, announcementBuffer)}
	r.runsMu.Lock()
	r.searches[search] = struct{}{}
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.searches, search)
		r.runsMu.Unlock()
	}()

	if q.Address != "" {
		err = r.transport.SendUnicast(ctx, q.Address, frame)
	} else {
		err = r.transport.SendBroadcast(ctx, frame)
	}
	if err != nil {
		return nil, fmt.Errorf("sending who-has: %w", err)
	}

	r.logger.Debug("who-has sent", "name", q.Name, "object", q.Object.String(), "window", window)

	timer := time.NewTimer(window)
	defer timer.Stop()

	type holderKey struct {
		device uint32
		object bacnet.ObjectID
	}
	seen := make(map[holderKey]struct{})
	var holders []Holder
	for {
		select {
		case <-ctx.Done():
			return sortHolders(holders), nil
		case <-timer.C:
			r.logger.Info("who-has window closed", "found", len(holders))
			return sortHolders(holders), nil
		case h := <-search.found:
			k := holderKey{h.Device, h.Object}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			holders = append(holders, h)
		}
	}
}

func sortHolders(holders []Holder) []Holder {
	slices.SortFunc(holders, func(a, b Holder) int {
		return cmp.Or(cmp.Compare(a.Device, b.Device), cmp.Compare(a.Object.Instance, b.Object.Instance))
	})
	return holders
}

// HandleIHave processes an I-Have received from addr and hands it to every
// active FindObject call it answers. An I-Have nobody asked for is ignored.
func (r *Registry) HandleIHave(addr string, ih bacnet.IHave) {
	if ValidateInstance(ih.Device.Instance) != nil || ValidateAddress(addr) != nil {
		r.logger.Debug("ignoring invalid i-have", "addr", addr, "device", ih.Device.Instance)
		return
	}

	h := Holder{Device: ih.Device.Instance, Address: addr, Object: ih.Object, Name: ih.Name}

	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	for search := range r.searches {
		if !search.matches(ih) {
			continue
		}
		select {
		case search.found <- h:
		default:
			r.logger.Warn("who-has backlog full, dropping i-have", "device", h.Device)
		}
	}
}
