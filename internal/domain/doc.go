// Package domain contains the error taxonomy shared by every layer of the
// command server.
//
// The package has no dependencies on infrastructure concerns. Callers wrap
// these sentinels with fmt.Errorf("...: %w", err) and test for them with
// errors.Is:
//
//   - [ErrProtocol], [ErrUnknownCommand]: the peer broke the protocol; the
//     session ends.
//   - [ErrPeerDisconnected]: EOF in the middle of a transfer.
//   - [ErrAlreadyRunning], [ErrNotRunning], [ErrShutdownTimeout]: service
//     lifecycle misuse.
//   - [ErrInvalidConfig]: configuration validation failed.
package domain
