// Package protocol is the structure marshaler.
//
// Every message is HEADER, BODY and, for message types that carry one, an
// ERROR-TAIL. The BODY is a depth-first walk of a registered TypeDescriptor in
// field-declaration order. Decoding materializes either a nodetree.Tree or a
// caller-supplied Go struct, recording every allocation in a heaplog.Log.
//
// Ownership boundary:
// - header and error-tail framing
// - tree and typed body codecs
// - protocol version masks and sanity limits
package protocol
