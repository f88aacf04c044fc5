// Package rabbitmq owns the broker connection lifecycle for the relay.
//
// The ConnectionManager holds the single transport connection and channel
// shared by the publisher, consumer and health probes. Connecting is a
// bounded retry sequence (dial, open channel, declare the durable queue) with
// a fixed inter-attempt delay; exhausting the budget surfaces a ConnectError
// and leaves the manager disconnected. EnsureConnected is the one entry point
// for obtaining a channel handle: it returns the cached handle while the
// transport is open and otherwise runs a single reconnect sequence that
// concurrent callers join rather than race.
package rabbitmq
