package cryptobridge

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// x25519SessionInfo is the HKDF info string binding a derived session key
// to this bridge's X25519 construction.
const x25519SessionInfo = "hsmproto-x25519-session"

// deriveX25519SessionKey runs HKDF-SHA256 over a raw ECDH shared secret to
// produce a 32-byte session key, rather than handing the raw curve output
// to a caller (spec §9 treats ECDH's result as opaque key material, not a
// guaranteed-uniform key).
func deriveX25519SessionKey(shared []byte) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, nil, []byte(x25519SessionInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Curve25519Key is the host crypto library's X25519 key-agreement object.
// Priv holds the raw 32-byte scalar that ECDH caches on the HSM when no
// keyId is bound.
type Curve25519Key struct {
	Priv []byte
}

// SetKeyCurve25519 binds key to a server-side key slot holding the
// matching raw 32-byte scalar.
func (b *Bridge) SetKeyCurve25519(key *Curve25519Key, id wire.KeyID) {
	b.bind(key, id)
}

// ECDH performs an X25519 key agreement against peerPublic, offloading to
// the HSM if key is bound, else cache-then-using key.Priv. The result is
// the HKDF-derived session key computed by Curve25519Handler (via
// ECDHLocal), not the raw curve output.
func (b *Bridge) ECDH(key *Curve25519Key, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != 32 {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: X25519 peer public key must be 32 bytes"))
	}

	id, bound := b.lookup(key)
	if bound {
		return invoke(b.ctx, CbIDCurve25519, opX25519, id, peerPublic)
	}

	if len(key.Priv) != 32 {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: Curve25519Key has neither a bound keyId nor a 32-byte local Priv"))
	}
	ephemeral, err := b.cacheEphemeral("cryptobridge-x25519-ephemeral", key.Priv)
	if err != nil {
		return nil, err
	}
	defer b.evictEphemeral(ephemeral)

	return invoke(b.ctx, CbIDCurve25519, opX25519, ephemeral, peerPublic)
}

// ECDHLocal is the software-provider equivalent of ECDH: it computes the
// raw X25519 agreement and runs it through the same HKDF derivation the
// HSM-path handler applies, so both paths yield the same session key for
// the same (priv, peerPublic) pair.
func ECDHLocal(priv []byte, peerPublic []byte) ([]byte, error) {
	curve := ecdh.X25519()
	privKey, err := curve.NewPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	shared, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, err
	}
	return deriveX25519SessionKey(shared)
}

// GenerateCurve25519Local generates a fresh X25519 key pair for the local
// software-provider path.
func GenerateCurve25519Local() (priv, pub []byte, err error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return key.Bytes(), key.PublicKey().Bytes(), nil
}

// Curve25519Handler returns the hsmserver.CustomHandler that performs an
// X25519 key agreement using the cached scalar at the request's keyId.
func Curve25519Handler(srv *hsmserver.Server) hsmserver.CustomHandler {
	return func(clientID uint32, typ wire.CustomCbType, data []byte) ([]byte, error) {
		var buf [wire.CustomMax]byte
		copy(buf[:], data)
		op, keyID, peerPublic, err := decodeCryptoOp(buf)
		if err != nil {
			return nil, err
		}
		if op != opX25519 {
			return nil, fmt.Errorf("cryptobridge: unknown Curve25519 op %d", op)
		}

		priv, ok := srv.CachedKey(clientID, keyID)
		if !ok {
			return nil, fmt.Errorf("cryptobridge: no cached key at id %d", keyID)
		}

		shared, err := ECDHLocal(priv, peerPublic)
		if err != nil {
			return nil, err
		}
		respData, err := encodeCryptoOp(op, keyID, shared)
		if err != nil {
			return nil, err
		}
		return respData[:], nil
	}
}
