// Package arrow exports node state as Apache Arrow IPC streams.
// This package implements:
// - Schemas for the routing table and the peer directory
// - Snapshot encoding of routes and peers into Arrow records
// - Arrow IPC serialization and the matching decoders
package arrow
