// Package scheduler keeps the point cache current by polling and by COV
// subscription.
//
// Every scheduled point sits in one due-time queue. A single loop goroutine
// (Run) sleeps until the earliest due time or lease deadline, then fires
// each due point in its own goroutine and goes straight back to sleep. The
// multiplexer's per-device ceiling is what bounds the network load, so a
// slow device never delays points on other devices.
//
// # Polled points
//
// A polled point is read at once when added and then every poll interval.
// A failed read leaves the last good value in the cache, marks the point
// Unreliable and is retried at the normal interval.
//
// # Subscribed points
//
// A subscribed point issues SubscribeCOV with a lease lifetime and renews
// it after RenewFraction of the lifetime. Notifications are routed by
// subscriber process identifier. If the subscription cannot be created, or
// a lease passes its deadline without being renewed, the point reverts to
// polling and ErrStaleSubscription is logged.
//
// # Removal
//
// Remove and RemoveDevice take effect at once; results of requests still in
// flight for removed points are discarded.
package scheduler
