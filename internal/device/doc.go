// Package device provides the Device Registry for the Gray Logic BACnet core.
//
// The Device Registry is the catalogue of remote BACnet devices: who they
// are (instance number, vendor), where they are (BACnet/IP address), what
// objects they expose, and whether they are currently answering.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                             │
//	│                                                                      │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌────────────────┐  │
//	│  │     Registry     │    │    Repository    │    │   Validation   │  │
//	│  │   (registry.go)  │───▶│  (repository.go) │    │ (validation.go)│  │
//	│  │                  │    │                  │    │                │  │
//	│  │ • Who-Is / I-Am  │    │ • SQLite queries │    │ • Instance     │  │
//	│  │ • In-memory cache│    │ • JSON catalog   │    │ • ip:port      │  │
//	│  │ • Eviction fanout│    │ • Upsert         │    │ • Scope        │  │
//	│  └──────────────────┘    └──────────────────┘    └────────────────┘  │
//	│           │                                                          │
//	└───────────│──────────────────────────────────────────────────────────┘
//	            ▼
//	   multiplexer (object-list scans, CancelDevice on eviction)
//
// # Discovery
//
// Discover returns an iter.Seq. Ranging over it broadcasts a Who-Is,
// collects I-Am responses for the discovery window and yields each device
// once. A second range sends a new Who-Is. Re-discovering a known device
// refreshes it in place, so repeated scans of an unchanged network leave the
// registry unchanged.
//
// FindObject does the same with Who-Has and I-Have, returning the devices
// that hold an object by name or identifier.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//	registry.SetTransport(transport)
//	registry.SetRequester(mux)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	for dev := range registry.Discover(ctx, device.Scope{Low: 100, High: 200}) {
//	    fmt.Println(dev)
//	}
//
//	registry.OnEvict(func(instance uint32) { mux.CancelDevice(instance) })
//
// # Thread Safety
//
// The Registry is safe for concurrent use. The cache is protected by a
// read-write mutex and every read returns a deep copy. The Repository
// implementation must also be thread-safe.
package device
