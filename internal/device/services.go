package device

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Reinitialize asks a registered device to restart.
//
// Parameters:
//   - ctx: Bounds the request
//   - instance: Registered device instance
//   - state: Cold or warm start
//   - password: Device password; empty sends none
//
// Returns:
//   - error: ErrDeviceNotFound, ErrNoRequester or the request failure
//     (a refused password surfaces as multiplexer.ErrProtocol)
func (r *Registry) Reinitialize(ctx context.Context, instance uint32, state bacnet.ReinitState, password string) error {
	if r.requester == nil {
		return ErrNoRequester
	}
	target, err := r.Target(ctx, instance)
	if err != nil {
		return err
	}
	if _, err := r.requester.Submit(ctx, target, bacnet.ReinitializeDeviceRequest{
		State:    state,
		Password: password,
	}); err != nil {
		return fmt.Errorf("reinitializing device %d: %w", instance, err)
	}
	r.logger.Info("device reinitialized", "device", instance, "state", state)
	return nil
}

// SyncTime sends a TimeSynchronization with the given time.
//
// Parameters:
//   - ctx: Bounds the send
//   - instance: Target device, or 0 with broadcast set
//   - broadcast: Send to every device on the subnet instead of one
//   - at: Time to send; the zero time means now
//   - utc: Use UTC-TimeSynchronization
//
// Returns:
//   - error: ErrDeviceNotFound, ErrNoTransport or the send failure
func (r *Registry) SyncTime(ctx context.Context, instance uint32, broadcast bool, at time.Time, utc bool) error {
	if r.transport == nil {
		return ErrNoTransport
	}
	if at.IsZero() {
		at = time.Now()
	}
	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Broadcast: broadcast,
		APDU:      bacnet.EncodeAPDU(bacnet.UnconfirmedAPDU(bacnet.TimeSync{Time: at, UTC: utc})),
	})
	if err != nil {
		return fmt.Errorf("encoding time synchronization: %w", err)
	}

	if broadcast {
		err = r.transport.SendBroadcast(ctx, frame)
	} else {
		var target string
		target, err = r.address(instance)
		if err == nil {
			err = r.transport.SendUnicast(ctx, target, frame)
		}
	}
	if err != nil {
		return fmt.Errorf("sending time synchronization: %w", err)
	}
	r.logger.Debug("time synchronization sent", "device", instance, "broadcast", broadcast, "utc", utc)
	return nil
}

func (r *Registry) address(instance uint32) (string, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	d, ok := r.cache[instance]
	if !ok {
		return "", ErrDeviceNotFound
	}
	return d.Address, nil
}
