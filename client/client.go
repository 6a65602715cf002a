// Package client implements C3, the client protocol driver: the top-level
// request/response engine that tracks the single outstanding exchange for
// a ClientContext, validates replies against it, and exposes typed command
// entry points built on top of comm.CommClient.
package client

import (
	"fmt"

	"github.com/shadowmesh/hsmproto/comm"
	"github.com/shadowmesh/hsmproto/logging"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

// State names a ClientContext's position in the per-context state machine
// described by spec §4.3.
type State int

const (
	// Idle means no exchange is outstanding; a new send_request is allowed.
	Idle State = iota
	// Awaiting means a request has been sent and its reply has not yet
	// been received and validated.
	Awaiting
	// Terminated means Cleanup has run; the context must not be reused.
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Awaiting:
		return "AWAITING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// CryptoBridge is the subset of cryptobridge.Bridge's lifecycle that C3
// needs to drive: init against a live ClientContext, and best-effort
// teardown. Kept as an interface here so this package never imports
// cryptobridge (spec §4.3: "if the optional crypto bridge is enabled,
// initialize... and register").
type CryptoBridge interface {
	Init(*ClientContext) error
	Cleanup() error
}

// Config configures a ClientContext.
type Config struct {
	ClientID uint32
	Transport transport.Transport
	// Crypto, if non-nil, is initialized after the CommClient and torn
	// down before it during Cleanup.
	Crypto CryptoBridge
}

// ClientContext is the root object of the driver: it exclusively owns a
// CommClient and records the single outstanding exchange, if any.
type ClientContext struct {
	cc     *comm.CommClient
	crypto CryptoBridge

	state    State
	lastKind wire.MessageKind
	lastReqID uint16
}

// Init zero-initializes and wires up a new ClientContext. On any sub-step
// failure it calls Cleanup and propagates the first non-zero error (spec
// §4.3).
func Init(cfg Config) (*ClientContext, error) {
	cc, err := comm.New(comm.Config{ClientID: cfg.ClientID, Transport: cfg.Transport})
	if err != nil {
		return nil, err
	}
	if err := cfg.Transport.Init(); err != nil {
		return nil, status.Wrap(status.Transport, err)
	}

	ctx := &ClientContext{cc: cc, state: Idle}

	if cfg.Crypto != nil {
		if err := cfg.Crypto.Init(ctx); err != nil {
			ctx.Cleanup()
			return nil, err
		}
		ctx.crypto = cfg.Crypto
	}

	logging.Info("client context initialized", logging.Fields{"client_id": cfg.ClientID})
	return ctx, nil
}

// Cleanup performs best-effort teardown of the crypto bridge registration
// and the CommClient, then marks the context Terminated. It is idempotent
// (spec §4.3, §8 property 8).
func (c *ClientContext) Cleanup() error {
	if c.state == Terminated {
		return nil
	}
	if c.crypto != nil {
		_ = c.crypto.Cleanup()
		c.crypto = nil
	}
	var err error
	if c.cc != nil {
		err = c.cc.Cleanup()
	}
	c.state = Terminated
	logging.Info("client context cleanup", logging.Fields{"client_id": c.ClientID()})
	return err
}

// ClientID reports the identity this context was configured with.
func (c *ClientContext) ClientID() uint32 {
	return c.cc.ClientID()
}

// SendRequest computes kind = (group, action) and emits a request through
// the embedded CommClient. On success it records (last_req_kind,
// last_req_id) and transitions to Awaiting (spec §4.3).
//
// The single-outstanding invariant is enforced conservatively: a send
// while already Awaiting is rejected with BadState rather than accepted
// and stomped (spec §4.3: "A conforming implementation SHOULD reject
// concurrent sends").
func (c *ClientContext) SendRequest(group wire.Group, action byte, payload []byte) (uint16, error) {
	if c == nil {
		return 0, status.BadArgs
	}
	if c.state == Terminated {
		return 0, status.Wrap(status.BadState, fmt.Errorf("client: context is terminated"))
	}
	if c.state == Awaiting {
		return 0, status.Wrap(status.BadState, fmt.Errorf("client: a request is already outstanding"))
	}

	kind := wire.MakeKind(group, action)
	reqID, err := c.cc.SendRequest(wire.MagicNative, kind, payload)
	if err != nil {
		return 0, err
	}

	c.lastKind = kind
	c.lastReqID = reqID
	c.state = Awaiting
	logging.Debug("sent request", logging.Fields{"client_id": c.ClientID(), "kind": kind.String(), "req_id": reqID})
	return reqID, nil
}

// Decoded is one validated response: the (group, action) pair split back
// out of kind, plus its payload.
type Decoded struct {
	Group   wire.Group
	Action  byte
	Payload []byte
}

// RecvResponse reads one frame and validates it against the outstanding
// exchange: magic == MAGIC_NATIVE AND kind == last_req_kind AND req_id ==
// last_req_id. A mismatch yields ABORTED and returns the context to Idle
// with the stale reply discarded (spec §4.3, §5).
func (c *ClientContext) RecvResponse() (Decoded, error) {
	if c == nil {
		return Decoded{}, status.BadArgs
	}
	if c.state != Awaiting {
		return Decoded{}, status.Wrap(status.BadState, fmt.Errorf("client: no request is outstanding"))
	}

	res, err := c.cc.RecvResponse()
	if err != nil {
		return Decoded{}, err
	}

	if res.Magic != wire.MagicNative || res.Kind != c.lastKind || res.ReqID != c.lastReqID {
		c.state = Idle
		logging.Debug("recv aborted: reply does not match outstanding request", logging.Fields{
			"client_id":   c.ClientID(),
			"want_kind":   c.lastKind.String(),
			"want_req_id": c.lastReqID,
			"got_kind":    res.Kind.String(),
			"got_req_id":  res.ReqID,
		})
		return Decoded{}, status.Aborted
	}

	c.state = Idle
	group, action := res.Kind.Split()
	logging.Debug("received response", logging.Fields{"client_id": c.ClientID(), "kind": res.Kind.String(), "req_id": res.ReqID})
	return Decoded{Group: group, Action: action, Payload: res.Payload}, nil
}

// FlushPending drains and discards any in-flight reply without validating
// it, returning the context to Idle. If no reply has arrived yet
// (NOTREADY), it returns nil and the context stays Awaiting. Spec §5
// recommends this before starting a new exchange if a previous recv was
// abandoned.
func (c *ClientContext) FlushPending() error {
	if c.state != Awaiting {
		return nil
	}
	for {
		_, err := c.cc.RecvResponse()
		if status.Is(err, status.NotReady) {
			return nil
		}
		c.state = Idle
		if err != nil && !status.Is(err, status.Aborted) {
			return err
		}
		return nil
	}
}

// State reports the context's current position in the state machine.
func (c *ClientContext) State() State {
	return c.state
}

// busyRetry loops step() while it returns NotReady, with no sleep or yield
// (spec §4.3: "No sleep, no yield is prescribed").
func busyRetry[T any](step func() (T, error)) (T, error) {
	for {
		v, err := step()
		if status.Is(err, status.NotReady) {
			logging.Debug("notready, retrying")
			continue
		}
		return v, err
	}
}
