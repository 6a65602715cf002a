// Package transport implements C1, the non-blocking frame transport that
// the communication layer (package comm) is built on. Every implementation
// sends and receives opaque, MTU-bounded byte frames; none of them
// understand the HSM wire format.
package transport

import (
	"errors"
	"fmt"
)

// MTU is the maximum payload length carried in a single frame. 1280 bytes
// covers the minimum IPv6 MTU and leaves headroom above the largest fixed
// request body (KeyCacheReq) plus a reasonably sized key blob.
const MTU = 1280

// ErrNotReady is returned by Send/Recv when the transport would block.
// Nothing has failed; the caller should retry.
var ErrNotReady = errors.New("transport not ready")

// ErrClosed is returned once a transport has been torn down via Cleanup.
var ErrClosed = errors.New("transport closed")

// Transport is the capability set required of any frame transport, per
// spec §4.1. Send and Recv never block: they either make progress, return
// ErrNotReady, or return a transport-specific error.
type Transport interface {
	// Init prepares the transport for use (dialing, binding, etc).
	Init() error
	// Cleanup tears the transport down. Idempotent.
	Cleanup() error
	// Send transmits one frame. Returns ErrNotReady if it would block.
	Send(frame []byte) error
	// Recv copies the next available frame into buf, returning its length.
	// Returns ErrNotReady if no frame is available yet.
	Recv(buf []byte) (int, error)
}

// ErrFrameTooLarge is returned when a caller attempts to send a frame
// larger than MTU.
type ErrFrameTooLarge struct {
	Size int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame too large: %d bytes (max %d)", e.Size, MTU)
}

// ErrBufferTooSmall is returned by Recv when the caller's buffer cannot
// hold the next queued frame.
type ErrBufferTooSmall struct {
	Have int
	Need int
}

func (e *ErrBufferTooSmall) Error() string {
	return fmt.Sprintf("receive buffer too small: have %d, need %d", e.Have, e.Need)
}
