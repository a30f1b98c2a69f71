// Package frame implements the wire framing of the command server protocol.
//
// Every unit written to the transport is a frame: a one byte channel tag,
// a four byte big-endian unsigned payload length, and exactly that many
// payload bytes.
//
//	+---------+----------------+-------------------+
//	| CHANNEL |     LENGTH     |      PAYLOAD      |
//	+---------+----------------+-------------------+
//	|    1    |  4 (uint32 BE) |   LENGTH bytes    |
//	+---------+----------------+-------------------+
//
// The header has a fixed size and the payload length is always explicit,
// so no delimiter escaping exists. A zero length is a valid frame: on the
// input channels it means end of input.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package frame
