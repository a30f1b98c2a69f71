// Package channel adapts the frame codec into stream types.
//
// A [Writer] owns the physical output side of a connection and serialises
// frames onto it. An [Output] is an io.Writer bound to one channel tag; each
// non-empty Write becomes exactly one frame followed by a flush. An [Input]
// is an io.Reader that pulls data from the peer: it sends a request header
// naming how many bytes it wants and blocks on the reply frame.
//
// Requests are capped at a chunk size (4 KiB by default). An unbounded read
// is a sequence of bounded requests, so the peer never has to hold an
// arbitrarily large unread reply in a pipe.
package channel
