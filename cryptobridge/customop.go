package cryptobridge

import (
	"encoding/binary"
	"fmt"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// Spec §4.6 describes the crypto bridge "emitting the corresponding HSM
// request" for a key-bound operation, but spec.md defines no CRYPTO-group
// wire actions to carry it (GroupCrypto is named in §3 with no action
// table). This package rides the CUSTOM callback mechanism (§3/§4.4's
// CustomCb_Request/Response) instead of inventing an unspecified wire
// action: the custom callback id selects the algorithm family, and a
// small packed sub-header inside its CUSTOM_MAX-byte Data field selects
// the operation and carries the bound keyId.

// Callback ids registered by this bridge, scoped under DevID.
const (
	CbIDRandom     uint32 = 0x48530001
	CbIDAES        uint32 = 0x48530002
	CbIDRSA        uint32 = 0x48530003
	CbIDECC        uint32 = 0x48530004
	CbIDCurve25519 uint32 = 0x48530005
)

// Operation codes carried in a cryptoOp's Op field.
const (
	opAESEncryptCBC byte = 1
	opAESDecryptCBC byte = 2
	opRSASign       byte = 3
	opECCSign       byte = 4
	opX25519        byte = 5
	opRandom        byte = 6
)

// cryptoOpHeaderSize is the fixed portion of the sub-protocol packed into
// CustomCbRequest.Data: op(1) + keyId(2) + dataLen(2).
const cryptoOpHeaderSize = 1 + 2 + 2

// encodeCryptoOp packs op, keyID and payload into a CustomMax-byte buffer
// suitable for CustomCbRequest.Data.
func encodeCryptoOp(op byte, keyID wire.KeyID, payload []byte) ([wire.CustomMax]byte, error) {
	var buf [wire.CustomMax]byte
	if cryptoOpHeaderSize+len(payload) > wire.CustomMax {
		return buf, fmt.Errorf("cryptobridge: operand too large: %d bytes", len(payload))
	}
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], uint16(keyID))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[cryptoOpHeaderSize:], payload)
	return buf, nil
}

func decodeCryptoOp(data [wire.CustomMax]byte) (op byte, keyID wire.KeyID, payload []byte, err error) {
	op = data[0]
	keyID = wire.KeyID(binary.LittleEndian.Uint16(data[1:3]))
	n := binary.LittleEndian.Uint16(data[3:5])
	if cryptoOpHeaderSize+int(n) > wire.CustomMax {
		return 0, 0, nil, fmt.Errorf("cryptobridge: declared operand length %d exceeds buffer", n)
	}
	payload = append([]byte(nil), data[cryptoOpHeaderSize:cryptoOpHeaderSize+n]...)
	return op, keyID, payload, nil
}

// invoke sends one CUSTOM/INVOKE exchange carrying a cryptoOp and returns
// the response operand bytes, busy-retrying NOTREADY on both halves like
// every other typed command helper in this codebase.
func invoke(ctx *client.ClientContext, cbID uint32, op byte, keyID wire.KeyID, payload []byte) ([]byte, error) {
	data, err := encodeCryptoOp(op, keyID, payload)
	if err != nil {
		return nil, status.Wrap(status.BadArgs, err)
	}
	req := wire.CustomCbRequest{ID: cbID, Type: wire.CustomCbInvoke, Data: data}

	for {
		_, err := ctx.SendRequest(wire.GroupCustom, wire.ActionCustomInvoke, wire.EncodeCustomCbRequest(req))
		if status.Is(err, status.NotReady) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	var d client.Decoded
	for {
		d, err = ctx.RecvResponse()
		if status.Is(err, status.NotReady) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	rc, body, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return nil, status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return nil, status.Code(rc)
	}

	res, err := wire.DecodeCustomCbResponse(body)
	if err != nil {
		return nil, status.Wrap(status.Aborted, err)
	}
	if res.Err != 0 {
		return nil, status.Code(res.Err)
	}

	_, _, respPayload, err := decodeCryptoOp(res.Data)
	if err != nil {
		return nil, status.Wrap(status.Aborted, err)
	}
	return respPayload, nil
}
