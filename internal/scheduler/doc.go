// Package scheduler implements the cache scheduler: a single cooperative loop
// that reads wire requests, coalesces identical requests by idempotency
// token, prioritizes them and dispatches them to a bounded worker pool.
package scheduler
