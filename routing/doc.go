// Package routing provides hop-count routing and multi-hop forwarding.
//
// This package implements:
//   - Table: destination -> next hop with strict-less replacement and aging
//   - Router: envelope forwarding with deduplication, hop limits and
//     broadcast fallback
package routing
