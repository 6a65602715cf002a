package hsmserver

import (
	"bytes"
	"context"
	"testing"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/keymgmt"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

// pump services server steps in the background until stop is closed.
func pump(t *testing.T, s *Server) (stop chan struct{}) {
	t.Helper()
	stop = make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				err := s.Step(context.Background())
				if err != nil && !status.Is(err, status.NotReady) {
					t.Logf("server step: %v", err)
				}
			}
		}
	}()
	return stop
}

func newHarness(t *testing.T, clientID uint32) (*client.ClientContext, *Server, chan struct{}) {
	t.Helper()
	clientTransport, serverTransport := transport.NewLoopbackPair(16)

	srv := New(Config{ServerID: 124, Transport: serverTransport})
	if err := srv.Init(); err != nil {
		t.Fatalf("server Init: %v", err)
	}
	stop := pump(t, srv)
	t.Cleanup(func() {
		close(stop)
		srv.Cleanup()
	})

	ctx, err := client.Init(client.Config{ClientID: clientID, Transport: clientTransport})
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}
	t.Cleanup(func() { ctx.Cleanup() })

	return ctx, srv, stop
}

// S1: Init/Close.
func TestScenarioInitClose(t *testing.T) {
	ctx, _, _ := newHarness(t, 7)

	res, err := ctx.CommInit(7)
	if err != nil {
		t.Fatalf("CommInit: %v", err)
	}
	if res.ClientID != 7 || res.ServerID != 124 {
		t.Errorf("CommInit: got %+v, want ClientID=7 ServerID=124", res)
	}

	if err := ctx.CommClose(); err != nil {
		t.Fatalf("CommClose: %v", err)
	}
}

// S2: Echo round trip.
func TestScenarioEchoRoundTrip(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	payload := []byte("mytextisbigplain")
	got, err := ctx.Echo(payload)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Echo: got %q, want %q", got, payload)
	}
}

// S7 (spec §8 property 7): Echo truncates payloads longer than EchoMax.
func TestEchoTruncatesOversizedPayload(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	payload := bytes.Repeat([]byte{'z'}, wire.EchoMax+20)
	got, err := ctx.Echo(payload)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if len(got) != wire.EchoMax {
		t.Fatalf("Echo truncation: got %d bytes, want %d", len(got), wire.EchoMax)
	}
	if !bytes.Equal(got, payload[:wire.EchoMax]) {
		t.Errorf("Echo truncation: content mismatch")
	}
}

// S3: Cache/Export round trip.
func TestScenarioCacheExport(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	key := bytes.Repeat([]byte{0}, 16)
	for i := range key {
		key[i] = byte(i)
	}
	label := bytes.Repeat([]byte{0xFF}, 24)

	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, label, key)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if id == wire.KeyIDErased {
		t.Fatal("Cache: expected a non-erased id to be assigned")
	}

	gotLabel, gotKey, n, err := keymgmt.Export(ctx, id, make([]byte, 64))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != len(key) || !bytes.Equal(gotKey, key) {
		t.Errorf("Export: got key %x, want %x", gotKey, key)
	}
	if !bytes.Equal(gotLabel[:len(label)], label) {
		t.Errorf("Export: got label %x, want %x", gotLabel[:len(label)], label)
	}
}

// S4: Cross-client isolation. Both logical clients share one transport
// pair in sequence — client_id lives in the wire header, not the
// transport, so a fresh ClientContext over the same link is enough to
// model "switch to client_id=2" without tearing anything down.
func TestScenarioClientIsolation(t *testing.T) {
	clientLink, serverLink := transport.NewLoopbackPair(16)
	srv := New(Config{ServerID: 1, Transport: serverLink})
	if err := srv.Init(); err != nil {
		t.Fatalf("server Init: %v", err)
	}
	stop := pump(t, srv)
	defer func() { close(stop); srv.Cleanup() }()

	ctx1, err := client.Init(client.Config{ClientID: 1, Transport: clientLink})
	if err != nil {
		t.Fatalf("client 1 Init: %v", err)
	}

	k1 := []byte("client-one-key-material")
	id, err := keymgmt.Cache(ctx1, wire.KeyIDErased, 0, nil, k1)
	if err != nil {
		t.Fatalf("Cache (client 1): %v", err)
	}

	ctx2, err := client.Init(client.Config{ClientID: 2, Transport: clientLink})
	if err != nil {
		t.Fatalf("client 2 Init: %v", err)
	}

	if err := keymgmt.Evict(ctx2, id); !status.Is(err, status.NotFound) {
		t.Errorf("Evict by wrong client: got %v, want NotFound", err)
	}

	k2 := []byte("client-two-key-material")
	if _, err := keymgmt.Cache(ctx2, id, 0, nil, k2); err != nil {
		t.Fatalf("Cache (client 2) at same id: %v", err)
	}

	_, got2, _, err := keymgmt.Export(ctx2, id, make([]byte, 64))
	if err != nil {
		t.Fatalf("Export (client 2): %v", err)
	}
	if !bytes.Equal(got2, k2) {
		t.Errorf("Export (client 2): got %q, want %q", got2, k2)
	}

	ctx1b, err := client.Init(client.Config{ClientID: 1, Transport: clientLink})
	if err != nil {
		t.Fatalf("client 1 re-Init: %v", err)
	}
	_, got1, _, err := keymgmt.Export(ctx1b, id, make([]byte, 64))
	if err != nil {
		t.Fatalf("Export (client 1 again): %v", err)
	}
	if !bytes.Equal(got1, k1) {
		t.Errorf("Export (client 1 again): got %q, want %q", got1, k1)
	}
}

// S5: Commit survives evict.
func TestScenarioCommitSurvivesEvict(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	key := []byte("committed-key-material")
	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, nil, key)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if err := keymgmt.Commit(ctx, id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := keymgmt.Evict(ctx, id); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	_, got, _, err := keymgmt.Export(ctx, id, make([]byte, 64))
	if err != nil {
		t.Fatalf("Export after evict: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("Export after evict: got %q, want %q", got, key)
	}
}

// Erase terminality (spec §8 universal invariant 6).
func TestEraseTerminality(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, nil, []byte("doomed-key"))
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if err := keymgmt.Erase(ctx, id); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, _, _, err := keymgmt.Export(ctx, id, make([]byte, 64)); !status.Is(err, status.NotFound) {
		t.Errorf("Export after erase: got %v, want NotFound", err)
	}
}

func TestExportNullBufferReportsRequiredLength(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	key := []byte("0123456789abcdef")
	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, nil, key)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}

	_, data, n, err := keymgmt.Export(ctx, id, nil)
	if err != nil {
		t.Fatalf("Export(nil): %v", err)
	}
	if data != nil {
		t.Errorf("Export(nil): expected no data copied, got %q", data)
	}
	if n != len(key) {
		t.Errorf("Export(nil): required length = %d, want %d", n, len(key))
	}
}

func TestExportTooSmallBufferAborts(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	key := []byte("0123456789abcdef")
	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, nil, key)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}

	_, _, _, err = keymgmt.Export(ctx, id, make([]byte, 2))
	if !status.Is(err, status.Aborted) {
		t.Errorf("Export with too-small buffer: got %v, want Aborted", err)
	}
}

func TestRecachingLiveKeyIsRejected(t *testing.T) {
	ctx, _, _ := newHarness(t, 1)

	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, nil, []byte("first"))
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if _, err := keymgmt.Cache(ctx, id, 0, nil, []byte("second")); err == nil {
		t.Error("Cache at a live id: expected an error, got nil")
	}
}
