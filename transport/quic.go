package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICConfig configures a QUIC-backed Transport for a direct, low-latency
// link to an HSM, analogous to pkg/transport.QUICConnection in the teacher
// but adapted to the non-blocking Transport contract instead of an
// always-blocking stream read/write pair.
type QUICConfig struct {
	// Address to dial (client side).
	Address string
	// Conn/Stream, if set, are used directly instead of dialing (server
	// side, after Accept).
	Conn      *quic.Conn
	Stream    *quic.Stream
	TLSConfig *tls.Config
	QUICConfig *quic.Config
}

// QUIC implements Transport over a single bidirectional QUIC stream, framed
// with a 4-byte big-endian length prefix the same way pkg/transport.QUICConnection
// frames its encrypted payloads.
type QUIC struct {
	cfg    QUICConfig
	conn   *quic.Conn
	stream *quic.Stream
}

func NewQUIC(cfg QUICConfig) *QUIC {
	return &QUIC{cfg: cfg}
}

func (q *QUIC) Init() error {
	if q.cfg.Stream != nil {
		q.conn = q.cfg.Conn
		q.stream = q.cfg.Stream
		return nil
	}

	quicCfg := q.cfg.QUICConfig
	if quicCfg == nil {
		quicCfg = &quic.Config{
			MaxIncomingStreams: 1,
			KeepAlivePeriod:    10 * time.Second,
			MaxIdleTimeout:     30 * time.Second,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(ctx, q.cfg.Address, q.cfg.TLSConfig, quicCfg)
	if err != nil {
		return fmt.Errorf("quic transport: dial %s: %w", q.cfg.Address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to open stream")
		return fmt.Errorf("quic transport: open stream: %w", err)
	}

	q.conn = conn
	q.stream = stream
	return nil
}

func (q *QUIC) Cleanup() error {
	if q.stream != nil {
		q.stream.Close()
	}
	if q.conn != nil {
		q.conn.CloseWithError(0, "connection closed")
	}
	return nil
}

func (q *QUIC) Send(frame []byte) error {
	if len(frame) > MTU {
		return &ErrFrameTooLarge{Size: len(frame)}
	}
	if q.stream == nil {
		return ErrClosed
	}

	_ = q.stream.SetWriteDeadline(time.Now().Add(5 * time.Second))

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(frame)))
	if _, err := q.stream.Write(prefix); err != nil {
		return fmt.Errorf("quic transport: write length prefix: %w", err)
	}
	if _, err := q.stream.Write(frame); err != nil {
		return fmt.Errorf("quic transport: write frame: %w", err)
	}
	return nil
}

func (q *QUIC) Recv(buf []byte) (int, error) {
	if q.stream == nil {
		return 0, ErrClosed
	}

	_ = q.stream.SetReadDeadline(time.Now().Add(time.Millisecond))

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(q.stream, prefix); err != nil {
		if isTimeout(err) {
			return 0, ErrNotReady
		}
		return 0, fmt.Errorf("quic transport: read length prefix: %w", err)
	}

	frameLen := binary.BigEndian.Uint32(prefix)
	if int(frameLen) > len(buf) {
		return 0, &ErrBufferTooSmall{Have: len(buf), Need: int(frameLen)}
	}

	_ = q.stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(q.stream, buf[:frameLen]); err != nil {
		return 0, fmt.Errorf("quic transport: read frame: %w", err)
	}

	return int(frameLen), nil
}
