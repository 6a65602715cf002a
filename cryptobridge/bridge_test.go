package cryptobridge

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/keymgmt"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

func pump(t *testing.T, s *hsmserver.Server) (stop chan struct{}) {
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

// newHarness wires a Loopback pair, starts an hsmserver.Server with every
// crypto custom handler registered, and returns an initialized Bridge bound
// to a live ClientContext.
func newHarness(t *testing.T, devID DevID) (*client.ClientContext, *Bridge) {
	t.Helper()
	clientTransport, serverTransport := transport.NewLoopbackPair(16)

	srv := hsmserver.New(hsmserver.Config{ServerID: 900, Transport: serverTransport})
	srv.RegisterCustomHandler(uint32(CbIDRandom), RandomHandler())
	srv.RegisterCustomHandler(uint32(CbIDAES), AESHandler(srv))
	srv.RegisterCustomHandler(uint32(CbIDRSA), RSAHandler(srv))
	srv.RegisterCustomHandler(uint32(CbIDECC), ECCHandler(srv))
	srv.RegisterCustomHandler(uint32(CbIDCurve25519), Curve25519Handler(srv))
	if err := srv.Init(); err != nil {
		t.Fatalf("server Init: %v", err)
	}
	stop := pump(t, srv)
	t.Cleanup(func() {
		close(stop)
		srv.Cleanup()
	})

	bridge := New(devID)
	ctx, err := client.Init(client.Config{ClientID: 42, Transport: clientTransport, Crypto: bridge})
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}
	t.Cleanup(func() { ctx.Cleanup() })

	return ctx, bridge
}

func TestSecondInitOfSameDevIDIsLocked(t *testing.T) {
	_, b1 := newHarness(t, 0x1001)

	b2 := New(0x1001)
	if err := b2.Init(nil); !status.Is(err, status.Locked) {
		t.Fatalf("expected Locked, got %v", err)
	}

	if err := b1.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := b2.Init(nil); err != nil {
		t.Fatalf("expected registration to succeed after cleanup, got %v", err)
	}
}

func TestRandomEphemeralPath(t *testing.T) {
	_, b := newHarness(t, 0x1002)

	got, err := b.Random(16)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(got))
	}
}

func TestAESEncryptCBCCacheThenUseMatchesLocal(t *testing.T) {
	_, b := newHarness(t, 0x1003)

	key := &AESKey{Material: bytes.Repeat([]byte{0x42}, 16)}
	iv := bytes.Repeat([]byte{0x01}, 16)
	plaintext := bytes.Repeat([]byte{0xAA}, 32)

	viaBridge, err := b.EncryptCBC(key, iv, plaintext)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	viaLocal, err := EncryptCBCLocal(key.Material, iv, plaintext)
	if err != nil {
		t.Fatalf("EncryptCBCLocal: %v", err)
	}
	if !bytes.Equal(viaBridge, viaLocal) {
		t.Fatalf("HSM-backed and local AES-CBC output diverge:\n%x\n%x", viaBridge, viaLocal)
	}

	decrypted, err := b.DecryptCBC(key, iv, viaBridge)
	if err != nil {
		t.Fatalf("DecryptCBC: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %x want %x", decrypted, plaintext)
	}
}

func TestAESEncryptCBCBoundKeyPath(t *testing.T) {
	ctx, b := newHarness(t, 0x1004)

	material := bytes.Repeat([]byte{0x07}, 16)
	id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, []byte("aes-bound-key"), material)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	key := &AESKey{}
	b.SetKeyAES(key, id)

	iv := bytes.Repeat([]byte{0x02}, 16)
	plaintext := bytes.Repeat([]byte{0xBB}, 16)

	viaBridge, err := b.EncryptCBC(key, iv, plaintext)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	viaLocal, err := EncryptCBCLocal(material, iv, plaintext)
	if err != nil {
		t.Fatalf("EncryptCBCLocal: %v", err)
	}
	if !bytes.Equal(viaBridge, viaLocal) {
		t.Fatalf("bound-key path diverges from local computation")
	}
}

func TestAESEncryptCBCRejectsUnalignedInput(t *testing.T) {
	_, b := newHarness(t, 0x1005)
	key := &AESKey{Material: bytes.Repeat([]byte{0x01}, 16)}
	iv := bytes.Repeat([]byte{0x00}, 16)

	_, err := b.EncryptCBC(key, iv, []byte{1, 2, 3})
	if !status.Is(err, status.BadArgs) {
		t.Fatalf("expected BadArgs, got %v", err)
	}
}

func TestRSASignPKCS1v15CacheThenUseMatchesLocal(t *testing.T) {
	_, b := newHarness(t, 0x1006)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	digest := sha256.Sum256([]byte("sign me"))

	key := &RSAKey{Priv: priv}
	sig, err := b.SignPKCS1v15(key, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	local, err := SignPKCS1v15Local(priv, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15Local: %v", err)
	}
	if !bytes.Equal(sig, local) {
		t.Fatalf("RSA PKCS1v15 is deterministic but HSM-backed and local signatures diverge")
	}

	if err := rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestECCSignRoundTrips(t *testing.T) {
	_, b := newHarness(t, 0x1007)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	digest := sha256.Sum256([]byte("ecc message"))

	key := &ECCKey{Priv: priv}
	sig, err := b.Sign(key, digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !ecdsa.VerifyASN1(&priv.PublicKey, digest[:], sig) {
		t.Fatalf("ECC signature does not verify")
	}
}

func TestCurve25519ECDHMatchesBothSides(t *testing.T) {
	_, b := newHarness(t, 0x1008)

	aPriv, aPub, err := GenerateCurve25519Local()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	bPriv, bPub, err := GenerateCurve25519Local()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	key := &Curve25519Key{Priv: aPriv}
	sharedViaBridge, err := b.ECDH(key, bPub)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	sharedOtherSide, err := ECDHLocal(bPriv, aPub)
	if err != nil {
		t.Fatalf("ECDHLocal: %v", err)
	}
	if !bytes.Equal(sharedViaBridge, sharedOtherSide) {
		t.Fatalf("X25519 shared secret mismatch between the two parties")
	}
}

func TestUnboundKeyWithNoLocalMaterialFails(t *testing.T) {
	_, b := newHarness(t, 0x1009)
	key := &AESKey{}
	_, err := b.EncryptCBC(key, bytes.Repeat([]byte{0}, 16), bytes.Repeat([]byte{0}, 16))
	if !status.Is(err, status.BadArgs) {
		t.Fatalf("expected BadArgs, got %v", err)
	}
}
