package comm

import (
	"testing"

	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

func newLoopbackPair(t *testing.T) (*CommClient, *CommClient) {
	t.Helper()
	a, b := transport.NewLoopbackPair(8)
	if err := a.Init(); err != nil {
		t.Fatalf("Init a: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("Init b: %v", err)
	}
	t.Cleanup(func() {
		a.Cleanup()
		b.Cleanup()
	})

	client, err := New(Config{ClientID: 1, Transport: a})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	server, err := New(Config{ClientID: 0, Transport: b})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	return client, server
}

func recvUntilReady(t *testing.T, c *CommClient) Response {
	t.Helper()
	for i := 0; i < 1000; i++ {
		res, err := c.RecvResponse()
		if status.Is(err, status.NotReady) {
			continue
		}
		if err != nil {
			t.Fatalf("RecvResponse: %v", err)
		}
		return res
	}
	t.Fatal("RecvResponse: never became ready")
	return Response{}
}

func TestSendRequestAssignsIncrementingReqID(t *testing.T) {
	client, server := newLoopbackPair(t)

	id1, err := client.SendRequest(wire.MagicNative, wire.KindCommEcho, []byte("hi"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if id1 != 0 {
		t.Errorf("first req_id: got %d, want 0", id1)
	}

	_ = recvUntilReady(t, server)

	id2, err := client.SendRequest(wire.MagicNative, wire.KindCommEcho, []byte("again"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if id2 != id1+1 {
		t.Errorf("second req_id: got %d, want %d", id2, id1+1)
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := newLoopbackPair(t)

	payload := []byte("payload-bytes")
	reqID, err := client.SendRequest(wire.MagicNative, wire.KindCommEcho, payload)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	res := recvUntilReady(t, server)
	if res.Kind != wire.KindCommEcho {
		t.Errorf("Kind: got %v, want %v", res.Kind, wire.KindCommEcho)
	}
	if res.ReqID != reqID {
		t.Errorf("ReqID: got %d, want %d", res.ReqID, reqID)
	}
	if res.ClientID != 1 {
		t.Errorf("ClientID: got %d, want 1", res.ClientID)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload: got %q, want %q", res.Payload, payload)
	}
}

func TestRecvResponseNotReadyWhenEmpty(t *testing.T) {
	_, server := newLoopbackPair(t)
	if _, err := server.RecvResponse(); !status.Is(err, status.NotReady) {
		t.Errorf("RecvResponse on empty channel: got %v, want NotReady", err)
	}
}

func TestSendRequestRejectsOversizedPayload(t *testing.T) {
	client, _ := newLoopbackPair(t)
	big := make([]byte, 1<<17)
	if _, err := client.SendRequest(wire.MagicNative, wire.KindCommEcho, big); !status.Is(err, status.BadArgs) {
		t.Errorf("SendRequest with oversized payload: got %v, want BadArgs", err)
	}
}

func TestNewRejectsNilTransport(t *testing.T) {
	if _, err := New(Config{Transport: nil}); !status.Is(err, status.BadArgs) {
		t.Errorf("New with nil transport: got %v, want BadArgs", err)
	}
}
