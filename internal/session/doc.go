// Package session owns the lifecycle of one messaging-network session.
//
// Ownership boundary:
// - connect/disconnect/reconnect state machine and its timers
// - credential persistence hand-off on every creds update
// - send and presence operations gated on connection state
// - inbound message normalization and typed event dispatch
//
// Lifecycle order:
// - idle -> connecting -> connected -> (closing) -> disconnected | logged_out
//
// - disconnected -> connecting while a reconnect timer is pending.
//
// - logged_out is terminal until credentials are re-paired out of band.
//
// The wire protocol is not owned here. It is consumed through Protocol and
// Conn, implemented by internal/bridge in production and by fakes in tests.
package session
