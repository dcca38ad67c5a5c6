package device

import (
	"context"
	"errors"
	"slices"
	"time"
)

// EvictUnreachable evicts every device that has been unreachable for at
// least after, counted from when it was marked unreachable or last
// announced itself, whichever is later. Eviction listeners run for each
// device, exactly as for an explicit Evict.
//
// Parameters:
//   - ctx: Context for the repository deletes
//   - after: Minimum time unreachable; zero or negative evicts nothing
//
// Returns:
//   - []uint32: Instances evicted, in ascending order
func (r *Registry) EvictUnreachable(ctx context.Context, after time.Duration) []uint32 {
	if after <= 0 {
		return nil
	}
	now := r.now().UTC()

	r.cacheMu.RLock()
	var expired []uint32
	for instance, since := range r.downSince {
		d, ok := r.cache[instance]
		if !ok || d.Reachability != ReachabilityUnreachable {
			continue
		}
		if now.Sub(since) >= after {
			expired = append(expired, instance)
		}
	}
	r.cacheMu.RUnlock()
	slices.Sort(expired)

	evicted := make([]uint32, 0, len(expired))
	for _, instance := range expired {
		err := r.Evict(ctx, instance)
		switch {
		case err == nil:
			evicted = append(evicted, instance)
		case errors.Is(err, ErrDeviceNotFound):
			// Evicted concurrently.
		default:
			// The cache entry and listeners are done; only the delete failed.
			evicted = append(evicted, instance)
			r.logger.Warn("failed to delete unreachable device", "device", instance, "error", err)
		}
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted unreachable devices", "devices", evicted, "after", after)
	}
	return evicted
}

// RunEvictionSweep calls EvictUnreachable every interval until ctx is done.
// It returns at once when after is zero.
func (r *Registry) RunEvictionSweep(ctx context.Context, after, interval time.Duration) {
	if after <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictUnreachable(ctx, after)
		}
	}
}
