// Package server runs a mesh node: the receive loop, the peer state machine,
// message dispatch and the periodic maintenance tasks.
//
// A Server owns one peer directory, one routing table and one route-id
// dedup cache. Every inbound datagram is rate-guarded, decoded, attributed
// to a peer, acknowledged if required, checked against the peer's receive
// window and then dispatched by message type.
package server
