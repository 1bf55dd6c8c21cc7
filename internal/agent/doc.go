// ABOUTME: Package documentation for the agent connection and dispatch core.

// Package agent holds the connection-facing core of the control plane: the
// session registry, the command dispatcher, and the liveness monitor.
//
// The Registry tracks exactly one live Session per agent ID. A second
// registration for the same ID evicts the first, so a reconnecting agent
// never fights its own stale connection.
//
// The Dispatcher correlates commands with their results. Each dispatch is
// assigned a correlation ID and parked until the result arrives, the caller's
// timeout fires, or the agent drops. Exactly one of those outcomes is
// delivered; late results for an already-resolved dispatch are discarded.
//
// The Monitor derives online/offline status from heartbeats with a periodic
// sweep. Offline transitions fan out through registered callbacks, which is
// how in-flight commands get failed and installation jobs get held when an
// agent goes dark.
//
// Transport lives elsewhere. This package sees connections only through the
// Session interface, so the same core runs under WebSocket sessions in
// production and mock sessions in tests.
package agent
