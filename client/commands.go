package client

import (
	"github.com/shadowmesh/hsmproto/logging"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// CommInitRequest sends a COMM/INIT request and returns its req_id.
func (c *ClientContext) CommInitRequest(req wire.CommInitRequest) (uint16, error) {
	return c.SendRequest(wire.GroupComm, wire.ActionCommInit, wire.EncodeCommInitRequest(req))
}

// CommInitResponse receives and decodes a COMM/INIT response.
func (c *ClientContext) CommInitResponse() (wire.CommInitResponse, int32, error) {
	d, err := c.RecvResponse()
	if err != nil {
		return wire.CommInitResponse{}, 0, err
	}
	rc, body, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return wire.CommInitResponse{}, 0, status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return wire.CommInitResponse{}, rc, nil
	}
	res, err := wire.DecodeCommInitResponse(body)
	return res, rc, err
}

// CommInit performs a full COMM/INIT exchange, busy-retrying on NOTREADY
// on both halves (spec §4.3's canonical "Xxx" convenience wrapper).
func (c *ClientContext) CommInit(clientID uint32) (wire.CommInitResponse, error) {
	_, err := busyRetry(func() (uint16, error) {
		return c.CommInitRequest(wire.CommInitRequest{ClientID: clientID})
	})
	if err != nil {
		return wire.CommInitResponse{}, err
	}
	res, rc, err := busyRetryPair(c.CommInitResponse)
	if err != nil {
		return wire.CommInitResponse{}, err
	}
	if rc != 0 {
		return wire.CommInitResponse{}, status.Code(rc)
	}
	return res, nil
}

// CommCloseRequest sends a COMM/CLOSE request.
func (c *ClientContext) CommCloseRequest() (uint16, error) {
	return c.SendRequest(wire.GroupComm, wire.ActionCommClose, nil)
}

// CommCloseResponse receives a COMM/CLOSE response (stub-only, empty body).
func (c *ClientContext) CommCloseResponse() (int32, error) {
	d, err := c.RecvResponse()
	if err != nil {
		return 0, err
	}
	rc, _, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return 0, status.Wrap(status.Aborted, err)
	}
	return rc, nil
}

// CommClose performs a full COMM/CLOSE exchange and, once the server
// answers with rc == OK, tears the context down with Cleanup.
func (c *ClientContext) CommClose() error {
	_, err := busyRetry(func() (uint16, error) { return c.CommCloseRequest() })
	if err != nil {
		return err
	}
	rc, err := busyRetry(func() (int32, error) { return c.CommCloseResponse() })
	if err != nil {
		return err
	}
	if rc != 0 {
		return status.Code(rc)
	}
	return c.Cleanup()
}

// EchoRequest sends a COMM/ECHO request, truncating payload to EchoMax
// silently (spec §4.4 rule 2).
func (c *ClientContext) EchoRequest(payload []byte) (uint16, error) {
	return c.SendRequest(wire.GroupComm, wire.ActionCommEcho, wire.EncodeCommLenData(wire.NewCommLenData(payload)))
}

// EchoResponse receives and decodes a COMM/ECHO response.
func (c *ClientContext) EchoResponse() ([]byte, int32, error) {
	d, err := c.RecvResponse()
	if err != nil {
		return nil, 0, err
	}
	rc, body, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return nil, 0, status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return nil, rc, nil
	}
	data, err := wire.DecodeCommLenData(body)
	if err != nil {
		return nil, 0, status.Wrap(status.Aborted, err)
	}
	return data.Bytes(), rc, nil
}

// Echo performs a full round trip, returning the server's echoed bytes.
func (c *ClientContext) Echo(payload []byte) ([]byte, error) {
	_, err := busyRetry(func() (uint16, error) { return c.EchoRequest(payload) })
	if err != nil {
		return nil, err
	}
	data, rc, err := busyRetryPair(c.EchoResponse)
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, status.Code(rc)
	}
	return data, nil
}

// busyRetryPair is busyRetry specialized for the two-value (payload, rc)
// response decoders used above; generics over (T, int32, error) triples
// don't compose with the single-value busyRetry helper.
func busyRetryPair[T any](step func() (T, int32, error)) (T, int32, error) {
	for {
		v, rc, err := step()
		if status.Is(err, status.NotReady) {
			logging.Debug("notready, retrying")
			continue
		}
		return v, rc, err
	}
}
