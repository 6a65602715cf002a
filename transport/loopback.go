package transport

import "sync"

// Loopback is an in-process Transport backed by a pair of bounded channels.
// It is used by the unit tests that exercise the reference HSM server
// in-process (the CLI test driver uses TCP), mirroring how the teacher's networking
// package models a transport purely in terms of channels before a real
// socket is involved.
type Loopback struct {
	mu     sync.Mutex
	toPeer chan []byte
	toSelf chan []byte
	closed bool
}

// NewLoopbackPair creates two Loopback transports wired to each other: data
// sent on one arrives on the other.
func NewLoopbackPair(buffer int) (client *Loopback, server *Loopback) {
	a := make(chan []byte, buffer)
	b := make(chan []byte, buffer)
	client = &Loopback{toPeer: a, toSelf: b}
	server = &Loopback{toPeer: b, toSelf: a}
	return client, server
}

func (l *Loopback) Init() error {
	return nil
}

func (l *Loopback) Cleanup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Loopback) Send(frame []byte) error {
	if len(frame) > MTU {
		return &ErrFrameTooLarge{Size: len(frame)}
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case l.toPeer <- cp:
		return nil
	default:
		return ErrNotReady
	}
}

func (l *Loopback) Recv(buf []byte) (int, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	select {
	case frame := <-l.toSelf:
		if len(frame) > len(buf) {
			return 0, &ErrBufferTooSmall{Have: len(buf), Need: len(frame)}
		}
		n := copy(buf, frame)
		return n, nil
	default:
		return 0, ErrNotReady
	}
}
