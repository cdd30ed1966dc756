// Package engine provides the worker pool that runs application delivery
// callbacks off the receive loop.
package engine
