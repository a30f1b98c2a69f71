// Package session serves one connection of the command protocol.
//
// A [Server] owns the connection's channel streams. Serve sends the hello
// banner in a single frame, then reads newline-terminated command names from
// the raw input stream and dispatches them through an immutable capability
// table until the peer sends an empty line or closes its side.
//
// The runcommand handler hands each invocation a copy of the session's
// settings, so overrides never survive into the next command, and restores
// the working directory afterwards. The command itself is run by an
// [Executor], which the session treats as a black box.
package session
