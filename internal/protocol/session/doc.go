// Package session owns message-level exchange over a record stream pair.
//
// Ownership boundary:
//   - built-in message descriptors (client, server, request and data blocks,
//     type tables)
//   - handshake and version negotiation
//   - per-connection type table bookkeeping
//   - transport security policy, TLS config builders, retry backoff
//
// A Conn is half-duplex: a full request is written before its response is
// read, and a Conn is used by one goroutine at a time.
package session
