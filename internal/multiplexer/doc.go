// Package multiplexer correlates confirmed BACnet requests with their
// responses and enforces the retry discipline of the BACnet core.
//
// Every confirmed request (ReadProperty, WriteProperty, SubscribeCOV, ...)
// goes through Submit, which blocks the calling goroutine until a response,
// a protocol error, cancellation, or an unreachable verdict.
//
// # Per-device discipline
//
//   - At most Ceiling requests are outstanding per device; the rest wait in
//     a FIFO queue in submission order.
//   - Invoke-ids are 8-bit, allocated per device in increasing order,
//     wrapping, and skipping ids that are still outstanding.
//   - Each attempt waits Timeout; failed attempts are retried up to Retries
//     attempts in total. The wait before retry n is BackoffBase * 2^(n-1).
//   - Responses are correlated by (device, invoke-id). Unmatched and
//     duplicate responses are logged at debug level and dropped.
//
// # Reachability
//
// After UnreachableAfter consecutive exhausted requests a device is reported
// unreachable through the ReachabilityListener; the next successful exchange
// reports it online again. Protocol errors count as successful exchanges:
// the device answered.
//
// # Cancellation
//
// Cancelling the caller's context removes a queued request, or marks an
// in-flight one so its eventual response is ignored. CancelDevice resolves
// every request of a device with ErrCancelled; the device registry calls it
// on eviction.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package multiplexer
