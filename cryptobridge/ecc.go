package cryptobridge

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"

	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// ECCKey is the host crypto library's ECDSA key object as seen by the
// bridge.
type ECCKey struct {
	Priv *ecdsa.PrivateKey
}

// SetKeyECC binds key to a server-side key slot holding the matching
// PKCS#8 private key material.
func (b *Bridge) SetKeyECC(key *ECCKey, id wire.KeyID) {
	b.bind(key, id)
}

// Sign signs a pre-computed digest with key using ECDSA, offloading to
// the HSM if key is bound, else cache-then-using key.Priv.
func (b *Bridge) Sign(key *ECCKey, digest []byte) ([]byte, error) {
	id, bound := b.lookup(key)
	if bound {
		return invoke(b.ctx, CbIDECC, opECCSign, id, digest)
	}

	if key.Priv == nil {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: ECCKey has neither a bound keyId nor local Priv"))
	}
	der, err := x509.MarshalPKCS8PrivateKey(key.Priv)
	if err != nil {
		return nil, err
	}
	ephemeral, err := b.cacheEphemeral("cryptobridge-ecc-ephemeral", der)
	if err != nil {
		return nil, err
	}
	defer b.evictEphemeral(ephemeral)

	return invoke(b.ctx, CbIDECC, opECCSign, ephemeral, digest)
}

// SignLocal is the software-provider equivalent of Sign. ECDSA signatures
// are randomized, so this is only verify-compatible with Sign's output,
// not byte-identical (spec §4.6).
func SignLocal(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

// ECCHandler returns the hsmserver.CustomHandler that signs a digest with
// the cached PKCS#8 private key at the request's keyId.
func ECCHandler(srv *hsmserver.Server) hsmserver.CustomHandler {
	return func(clientID uint32, typ wire.CustomCbType, data []byte) ([]byte, error) {
		var buf [wire.CustomMax]byte
		copy(buf[:], data)
		op, keyID, digest, err := decodeCryptoOp(buf)
		if err != nil {
			return nil, err
		}
		if op != opECCSign {
			return nil, fmt.Errorf("cryptobridge: unknown ECC op %d", op)
		}

		der, ok := srv.CachedKey(clientID, keyID)
		if !ok {
			return nil, fmt.Errorf("cryptobridge: no cached key at id %d", keyID)
		}
		priv, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, err
		}
		eccPriv, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("cryptobridge: cached key at id %d is not an ECDSA key", keyID)
		}
		if eccPriv.Curve == nil {
			eccPriv.Curve = elliptic.P256()
		}

		sig, err := SignLocal(eccPriv, digest)
		if err != nil {
			return nil, err
		}
		respData, err := encodeCryptoOp(op, keyID, sig)
		if err != nil {
			return nil, err
		}
		return respData[:], nil
	}
}
