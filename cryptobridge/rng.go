package cryptobridge

import (
	"crypto/rand"
	"fmt"

	"github.com/shadowmesh/hsmproto/hsmserver"
	"github.com/shadowmesh/hsmproto/wire"
)

// RNGObject represents the host crypto library's RNG algorithm object.
// Unlike the keyed algorithms it carries no bound keyId — the bridge
// always offloads randomness generation to the HSM when a bridge is
// active, since an RNG has no key material to cache-then-use locally.
type RNGObject struct{}

// Random draws n bytes through the HSM custom callback for RNG.
func (b *Bridge) Random(n int) ([]byte, error) {
	return invoke(b.ctx, CbIDRandom, opRandom, 0, []byte{byte(n)})
}

// RandomLocal is the software-provider equivalent used when no bridge is
// registered, kept alongside Random so observable output can be compared
// the way spec §4.6 requires for deterministic algorithms.
func RandomLocal(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RandomHandler returns the hsmserver.CustomHandler that draws n bytes of
// randomness, where n is carried as the single-byte operand.
func RandomHandler() hsmserver.CustomHandler {
	return func(clientID uint32, typ wire.CustomCbType, data []byte) ([]byte, error) {
		var buf [wire.CustomMax]byte
		copy(buf[:], data)
		op, _, operand, err := decodeCryptoOp(buf)
		if err != nil {
			return nil, err
		}
		if op != opRandom {
			return nil, fmt.Errorf("cryptobridge: unknown RNG op %d", op)
		}
		if len(operand) != 1 {
			return nil, fmt.Errorf("cryptobridge: RNG operand must carry one length byte")
		}

		out, err := RandomLocal(int(operand[0]))
		if err != nil {
			return nil, err
		}
		respData, err := encodeCryptoOp(op, 0, out)
		if err != nil {
			return nil, err
		}
		return respData[:], nil
	}
}
