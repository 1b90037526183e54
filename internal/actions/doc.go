// Package actions holds the datastore-backed actions the service registers
// with the cache engine. They read their inputs from an ObjectSource, which
// is an S3-compatible bucket in production and a local directory otherwise.
package actions
