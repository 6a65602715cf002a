package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a WebSocket-backed Transport, for reaching an
// HSM exposed behind a relay the way the teacher's networking.Transport
// reaches a relay peer.
type WebSocketConfig struct {
	URL              string
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// WebSocket implements Transport over a gorilla/websocket binary-message
// connection. Reads are pumped by a background goroutine into a buffered
// channel so that Recv stays non-blocking; Send writes the message
// directly, bounded by a write deadline. This mirrors the
// read-loop-plus-channel structure of shared/networking.Transport.
type WebSocket struct {
	cfg  WebSocketConfig
	conn *websocket.Conn

	recvCh chan []byte
	errCh  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWebSocket creates a WebSocket transport from the given configuration.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &WebSocket{cfg: cfg, recvCh: make(chan []byte, 64), errCh: make(chan error, 8)}
}

func (w *WebSocket) Init() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.ctx = ctx
	w.cancel = cancel

	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
		TLSClientConfig:  w.cfg.TLSConfig,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: w.cfg.HandshakeTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("websocket transport: dial %s: %w", w.cfg.URL, err)
	}
	conn.SetReadLimit(int64(MTU) + 64)
	w.conn = conn

	w.wg.Add(2)
	go w.readLoop()
	go w.pingLoop()

	return nil
}

func (w *WebSocket) readLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case w.errCh <- fmt.Errorf("websocket transport: read: %w", err):
			default:
			}
			return
		}

		select {
		case w.recvCh <- data:
		case <-w.ctx.Done():
			return
		default:
			select {
			case w.errCh <- fmt.Errorf("websocket transport: receive queue full, dropping frame"):
			default:
			}
		}
	}
}

func (w *WebSocket) pingLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) Cleanup() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	if w.conn == nil {
		return nil
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = w.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *WebSocket) Send(frame []byte) error {
	if len(frame) > MTU {
		return &ErrFrameTooLarge{Size: len(frame)}
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("websocket transport: write: %w", err)
	}
	return nil
}

func (w *WebSocket) Recv(buf []byte) (int, error) {
	select {
	case data := <-w.recvCh:
		if len(data) > len(buf) {
			return 0, &ErrBufferTooSmall{Have: len(buf), Need: len(data)}
		}
		return copy(buf, data), nil
	case err := <-w.errCh:
		return 0, err
	default:
		return 0, ErrNotReady
	}
}
