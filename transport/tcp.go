package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// TCPConfig configures a TCP-backed Transport.
type TCPConfig struct {
	// Address to dial (client side). Empty if Conn is pre-established.
	Address string
	// Conn, if set, is used directly instead of dialing Address (server side,
	// after Accept).
	Conn net.Conn
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
}

// TCP implements Transport over a plain TCP connection. Frames are
// length-prefixed (4-byte big-endian) on the wire to recover message
// boundaries from the TCP byte stream; the prefix is a framing detail of
// this Transport and is not part of the HSM wire format carried as payload.
//
// Non-blocking semantics are approximated the way a cooperative poll loop
// would: each Recv sets a near-zero deadline and treats a timeout as
// NOTREADY rather than an error.
type TCP struct {
	cfg  TCPConfig
	conn net.Conn
}

// NewTCP creates a TCP transport from the given configuration. The
// connection is established in Init.
func NewTCP(cfg TCPConfig) *TCP {
	return &TCP{cfg: cfg}
}

func (t *TCP) Init() error {
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
		return nil
	}

	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, err := net.DialTimeout("tcp", t.cfg.Address, timeout)
	if err != nil {
		return fmt.Errorf("tcp transport: dial %s: %w", t.cfg.Address, err)
	}
	t.conn = conn
	return nil
}

func (t *TCP) Cleanup() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return fmt.Errorf("tcp transport: close: %w", err)
	}
	return nil
}

func (t *TCP) Send(frame []byte) error {
	if len(frame) > MTU {
		return &ErrFrameTooLarge{Size: len(frame)}
	}
	if t.conn == nil {
		return ErrClosed
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(frame)))

	if _, err := t.conn.Write(prefix); err != nil {
		return fmt.Errorf("tcp transport: write length prefix: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("tcp transport: write frame: %w", err)
	}
	return nil
}

func (t *TCP) Recv(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, ErrClosed
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, prefix); err != nil {
		if isTimeout(err) {
			return 0, ErrNotReady
		}
		return 0, fmt.Errorf("tcp transport: read length prefix: %w", err)
	}

	frameLen := binary.BigEndian.Uint32(prefix)
	if int(frameLen) > len(buf) {
		return 0, &ErrBufferTooSmall{Have: len(buf), Need: int(frameLen)}
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(t.conn, buf[:frameLen]); err != nil {
		return 0, fmt.Errorf("tcp transport: read frame: %w", err)
	}

	return int(frameLen), nil
}

func isTimeout(err error) bool {
	type timeoutErr interface {
		Timeout() bool
	}
	te, ok := err.(timeoutErr)
	return ok && te.Timeout()
}
