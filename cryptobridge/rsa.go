package cryptobridge

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// RSAKey is the host crypto library's RSA key object as seen by the
// bridge. Priv is the key material SignPKCS1v15 caches on the HSM when no
// keyId is bound; it plays no role once a keyId is bound via SetKeyRSA.
type RSAKey struct {
	Priv *rsa.PrivateKey
}

// SetKeyRSA binds key to a server-side key slot holding the matching
// PKCS#1 private key material.
func (b *Bridge) SetKeyRSA(key *RSAKey, id wire.KeyID) {
	b.bind(key, id)
}

// SignPKCS1v15 signs a pre-computed SHA-256 digest with key, offloading to
// the HSM if key is bound, else cache-then-using key.Priv.
func (b *Bridge) SignPKCS1v15(key *RSAKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: expected a 32-byte SHA-256 digest"))
	}

	id, bound := b.lookup(key)
	if bound {
		return invoke(b.ctx, CbIDRSA, opRSASign, id, digest)
	}

	if key.Priv == nil {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: RSAKey has neither a bound keyId nor local Priv"))
	}
	der := x509.MarshalPKCS1PrivateKey(key.Priv)
	ephemeral, err := b.cacheEphemeral("cryptobridge-rsa-ephemeral", der)
	if err != nil {
		return nil, err
	}
	defer b.evictEphemeral(ephemeral)

	return invoke(b.ctx, CbIDRSA, opRSASign, ephemeral, digest)
}

// SignPKCS1v15Local is the software-provider equivalent of SignPKCS1v15.
func SignPKCS1v15Local(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
}

// RSAHandler returns the hsmserver.CustomHandler that signs a digest with
// the cached PKCS#1 private key at the request's keyId.
func RSAHandler(srv *hsmserver.Server) hsmserver.CustomHandler {
	return func(clientID uint32, typ wire.CustomCbType, data []byte) ([]byte, error) {
		var buf [wire.CustomMax]byte
		copy(buf[:], data)
		op, keyID, digest, err := decodeCryptoOp(buf)
		if err != nil {
			return nil, err
		}
		if op != opRSASign {
			return nil, fmt.Errorf("cryptobridge: unknown RSA op %d", op)
		}

		der, ok := srv.CachedKey(clientID, keyID)
		if !ok {
			return nil, fmt.Errorf("cryptobridge: no cached key at id %d", keyID)
		}
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, err
		}

		sig, err := SignPKCS1v15Local(priv, digest)
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
