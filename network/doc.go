// Package network provides the datagram transports and the wire codec for HieraMesh.
// This package implements:
// - Transport interface with UDP, ZeroMQ and in-memory implementations
// - Message, NodeInfo and RoutedMessage wire types
// - JSON codec with optional LZ4 frame compression
package network
