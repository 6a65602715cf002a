package cryptobridge

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// AESKey is the host crypto library's AES key object, as seen by the
// bridge. Material is the key the bridge caches on the HSM when no keyId
// is bound; it is never required when a keyId is bound.
type AESKey struct {
	Material []byte
}

// SetKeyAES binds key to a server-side key slot id, the Go-idiomatic
// equivalent of the reference source's set_key_aes(key_obj, keyId).
func (b *Bridge) SetKeyAES(key *AESKey, id wire.KeyID) {
	b.bind(key, id)
}

// EncryptCBC encrypts plaintext (whole AES blocks only) with iv. If key is
// bound to an HSM slot the operation is offloaded; otherwise the bridge
// caches key.Material for the duration of the call (spec §4.6 cache-then-
// use fallback). An unbound key with empty Material fails with BadArgs;
// there is no local software fallback (EncryptCBCLocal is separate).
func (b *Bridge) EncryptCBC(key *AESKey, iv, plaintext []byte) ([]byte, error) {
	return b.aesOp(opAESEncryptCBC, key, iv, plaintext)
}

// DecryptCBC is the inverse of EncryptCBC.
func (b *Bridge) DecryptCBC(key *AESKey, iv, ciphertext []byte) ([]byte, error) {
	return b.aesOp(opAESDecryptCBC, key, iv, ciphertext)
}

func (b *Bridge) aesOp(op byte, key *AESKey, iv, input []byte) ([]byte, error) {
	if len(input)%aes.BlockSize != 0 {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: input is not a whole number of AES blocks"))
	}
	if len(iv) != aes.BlockSize {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: iv must be %d bytes", aes.BlockSize))
	}
	if len(iv)+len(input) > wire.CustomMax-cryptoOpHeaderSize {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: operation too large for one custom-callback frame"))
	}

	payload := append(append([]byte(nil), iv...), input...)

	id, bound := b.lookup(key)
	if bound {
		return invoke(b.ctx, CbIDAES, op, id, payload)
	}

	if len(key.Material) == 0 {
		return nil, status.Wrap(status.BadArgs, fmt.Errorf("cryptobridge: AESKey has neither a bound keyId nor local Material"))
	}

	ephemeral, err := b.cacheEphemeral("cryptobridge-aes-ephemeral", key.Material)
	if err != nil {
		return nil, err
	}
	defer b.evictEphemeral(ephemeral)

	return invoke(b.ctx, CbIDAES, op, ephemeral, payload)
}

// EncryptCBCLocal is the software-provider equivalent of EncryptCBC, used
// to verify the bridge's HSM-backed path produces byte-identical output
// for this deterministic algorithm (spec §4.6's observable guarantee).
func EncryptCBCLocal(keyMaterial, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keyMaterial)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptCBCLocal is the software-provider equivalent of DecryptCBC.
func DecryptCBCLocal(keyMaterial, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keyMaterial)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// AESHandler returns the hsmserver.CustomHandler that performs AES-CBC
// encrypt/decrypt on behalf of a client using a key it has previously
// cached on srv, keyed by the keyId packed into each request.
func AESHandler(srv *hsmserver.Server) hsmserver.CustomHandler {
	return func(clientID uint32, typ wire.CustomCbType, data []byte) ([]byte, error) {
		var buf [wire.CustomMax]byte
		copy(buf[:], data)
		op, keyID, payload, err := decodeCryptoOp(buf)
		if err != nil {
			return nil, err
		}
		if len(payload) < aes.BlockSize {
			return nil, fmt.Errorf("cryptobridge: AES operand missing IV")
		}
		iv, body := payload[:aes.BlockSize], payload[aes.BlockSize:]

		keyMaterial, ok := srv.CachedKey(clientID, keyID)
		if !ok {
			return nil, fmt.Errorf("cryptobridge: no cached key at id %d", keyID)
		}

		var result []byte
		switch op {
		case opAESEncryptCBC:
			result, err = EncryptCBCLocal(keyMaterial, iv, body)
		case opAESDecryptCBC:
			result, err = DecryptCBCLocal(keyMaterial, iv, body)
		default:
			return nil, fmt.Errorf("cryptobridge: unknown AES op %d", op)
		}
		if err != nil {
			return nil, err
		}

		respData, err := encodeCryptoOp(op, keyID, result)
		if err != nil {
			return nil, err
		}
		return respData[:], nil
	}
}
