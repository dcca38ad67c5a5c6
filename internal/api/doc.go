// Package api implements the HTTP REST API and WebSocket server for the
// Gray Logic BACnet core.
//
// This package provides:
//   - REST endpoints for discovery, the device registry and the point model
//   - Point reads, prioritised writes, COV subscriptions and simulation
//   - TimeSynchronization and ReinitializeDevice requests
//   - WebSocket hub broadcasting point changes and device reachability
//   - JWT bearer authentication with role-based permissions
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The server holds no state of its own. Every handler delegates to the
// device registry, the point model or the scheduler through small
// interfaces, so the package can be tested with in-memory fakes. Change and
// reachability listeners registered in Start feed the WebSocket hub.
//
// # Security
//
// Read-only routes are open. Every mutating route and the WebSocket stream
// require an HS256 bearer token (security.jwt.secret) whose role grants the
// route's permission. Browsers that cannot set headers on a WebSocket
// upgrade pass the token as the "token" query parameter.
package api
