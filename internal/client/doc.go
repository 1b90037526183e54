// Package client embeds the cache engine in a host process. A Client
// supervises one scheduler, exposes one callable per registered action and
// hands out Futures that resolve from the durable store.
//
// Calls whose outputs are already durably stored are answered without any
// scheduler traffic. Everything else is sent to the scheduler as a wire
// request; the Client tracks which stream keys and idempotency tokens are in
// flight from the scheduler's lifecycle events.
package client
