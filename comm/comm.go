// Package comm implements C2, the communication layer that prepends the
// 16-byte wire header to a payload and multiplexes it over a transport.Transport.
// CommClient owns the client_id identity and the per-process request
// sequence counter; it performs no reply validation of its own — matching
// a response to its request is client.ClientContext's job.
package comm

import (
	"fmt"

	"github.com/shadowmesh/hsmproto/logging"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

// Config configures a CommClient.
type Config struct {
	ClientID uint32
	Transport transport.Transport
}

// CommClient prepends/strips the wire.Header around a caller-supplied
// payload and drives the underlying transport.Transport.
type CommClient struct {
	clientID  uint32
	transport transport.Transport
	nextReqID uint16
}

// New creates a CommClient bound to cfg.Transport. It does not call
// transport.Init; callers (typically client.ClientContext.Init) own that.
func New(cfg Config) (*CommClient, error) {
	if cfg.Transport == nil {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("comm: nil transport"))
	}
	return &CommClient{clientID: cfg.ClientID, transport: cfg.Transport}, nil
}

// ClientID reports the identity this CommClient was configured with.
func (c *CommClient) ClientID() uint32 {
	return c.clientID
}

// Cleanup releases the underlying transport. CommClient owns the only
// reference to it, so this is the one path by which a transport's live
// resources (a socket, a QUIC session, background goroutines) ever get
// released.
func (c *CommClient) Cleanup() error {
	return c.transport.Cleanup()
}

// SendRequest frames payload behind a wire.Header and writes it to the
// transport. On success it returns the req_id assigned to this request
// (spec §4.2: "On success returns the assigned req_id").
func (c *CommClient) SendRequest(magic uint16, kind wire.MessageKind, payload []byte) (uint16, error) {
	if len(payload) > 0xFFFF {
		return 0, status.Wrap(status.BadArgs, fmt.Errorf("comm: payload too large: %d bytes", len(payload)))
	}

	reqID := c.nextReqID

	h := wire.Header{
		Magic:    magic,
		Kind:     kind,
		Size:     uint16(len(payload)),
		ReqID:    reqID,
		ClientID: c.clientID,
	}

	frame := make([]byte, 0, wire.HeaderSize+len(payload))
	frame = append(frame, wire.EncodeHeader(h)...)
	frame = append(frame, payload...)

	if err := c.transport.Send(frame); err != nil {
		if err == transport.ErrNotReady {
			return 0, status.NotReady
		}
		return 0, status.Wrap(status.Transport, err)
	}
	// The counter advances only once a frame has been sent, so a NOTREADY
	// retry carries the same req_id.
	c.nextReqID++

	logging.Debug("comm: frame sent", logging.Fields{"client_id": c.clientID, "req_id": reqID, "bytes": len(frame)})
	return reqID, nil
}

// Response is one decoded wire frame: the header fields plus its payload.
type Response struct {
	Magic    uint16
	Kind     wire.MessageKind
	ReqID    uint16
	ClientID uint32
	Payload  []byte
}

// recvBufSize bounds a single frame; transport.MTU already bounds Send, so
// a buffer of that size plus the header is always sufficient for Recv too.
const recvBufSize = transport.MTU + wire.HeaderSize

// RecvResponse reads one frame from the transport and splits it into header
// fields and payload. It performs no validation against any outstanding
// request; that is client.ClientContext's responsibility (spec §4.2).
func (c *CommClient) RecvResponse() (Response, error) {
	buf := make([]byte, recvBufSize)
	n, err := c.transport.Recv(buf)
	if err != nil {
		if err == transport.ErrNotReady {
			return Response{}, status.NotReady
		}
		return Response{}, status.Wrap(status.Transport, err)
	}

	if n < wire.HeaderSize {
		return Response{}, status.Wrap(status.Aborted, fmt.Errorf("comm: short frame: %d bytes", n))
	}

	h, err := wire.DecodeHeader(buf[:n])
	if err != nil {
		return Response{}, status.Wrap(status.Aborted, err)
	}

	available := n - wire.HeaderSize
	size := int(h.Size)
	if size > available {
		return Response{}, status.Wrap(status.Aborted, fmt.Errorf("comm: frame declares size %d but only %d bytes follow header", size, available))
	}

	payload := make([]byte, size)
	copy(payload, buf[wire.HeaderSize:wire.HeaderSize+size])

	logging.Debug("comm: frame received", logging.Fields{"client_id": c.clientID, "req_id": h.ReqID, "bytes": n})
	return Response{
		Magic:    h.Magic,
		Kind:     h.Kind,
		ReqID:    h.ReqID,
		ClientID: h.ClientID,
		Payload:  payload,
	}, nil
}
