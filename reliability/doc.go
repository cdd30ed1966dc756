// Package reliability provides per-peer acknowledgement, retransmission and
// duplicate detection on top of an unreliable datagram transport.
//
// An Engine assigns sequence numbers to outgoing reliable messages, keeps a
// copy of each until it is acknowledged, and retransmits with exponential
// backoff. After the retry budget is spent the send fails exactly once.
// Incoming sequence numbers are tracked in a bounded Window so retransmitted
// copies are acknowledged but handled only once.
package reliability
