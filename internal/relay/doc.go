// Package relay fans telemetry records out to WebSocket subscribers.
//
// A Registry holds the live subscribers. The Broadcaster takes a snapshot
// of it for each record and offers the record to every subscriber's
// bounded queue without blocking; a subscriber whose queue is full or
// which has already closed is evicted once the offers are done. Each
// subscriber has one writer goroutine that drains its queue in order, so
// a slow peer only ever delays itself.
//
// The Server accepts WebSocket upgrades, registers subscribers, and holds
// each connection in a read loop until the peer goes away.
package relay
