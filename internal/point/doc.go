// Package point provides the Point Model: the cache of BACnet property values
// the rest of the core reads from.
//
// A point is one property of one object on one device, identified by a Key
// such as "100:analogInput:1:presentValue". Each point carries its last good
// value, when it was updated, whether the last refresh worked, and how it is
// kept current (polled, subscribed or manual).
//
// # Update paths
//
//   - Read: answers from cache when fresh; otherwise reads through the
//     multiplexer. Manual points always go to the network.
//   - Write: always goes to the device. The cache changes only after the
//     device acknowledged the write. Writing Null relinquishes the slot and
//     the value is read back.
//   - ApplyPollResult / MarkFailed: used by the scheduler. Each request takes
//     a sequence number from NextSequence and results older than the newest
//     applied one are dropped.
//   - OnCOVNotification: applied only if its timestamp is not older than the
//     cached value.
//   - ApplyLocal: values produced by the local device server.
//
// A failed refresh marks the point Unreliable but keeps the value.
//
// At most one Read or Write per point is on the network at a time; later
// callers wait for the point's slot and usually get the fresh result from
// cache.
//
// # History
//
// Points declared with History are sent to every registered Sampler on each
// change. SQLiteHistory keeps a local, prunable history; InfluxSampler
// forwards to InfluxDB. Sampler failures are logged and never reach the
// caller.
//
// # Usage
//
//	model := point.NewModel(mux, registry, point.ConfigFrom(cfg))
//	model.SetLogger(log)
//	model.AddSampler(point.NewSQLiteHistory(db.DB))
//	model.OnChange(func(c point.Change) { bridge.PublishPoint(c) })
//
//	key := point.PresentValue(100, bacnet.NewObjectID(bacnet.ObjectAnalogInput, 1))
//	if _, err := model.Declare(point.Spec{Key: key, PollInterval: 5 * time.Second}); err != nil {
//	    return err
//	}
//	p, err := model.Read(ctx, key)
package point
