// Package wire implements C4, the fixed-layout message marshalling shared
// between client and server: the 16-byte frame header, the MessageKind
// discriminator, and the per-(group,action) request/response structs.
//
// Every layout in this package is packed, little-endian, and must survive a
// byte-for-byte copy to the peer; encode/decode functions are the contract,
// not the in-memory Go struct (spec §9, "Packet union over a shared buffer").
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size in bytes of the outer wire frame header.
const HeaderSize = 16

// MagicNative identifies a frame produced by a little-endian peer (this
// implementation always produces and expects MagicNative).
const MagicNative uint16 = 0xA5A5

// MagicSwapped identifies a frame produced by a big-endian peer. This
// implementation does not perform the byte-swap such a peer would require;
// client.ClientContext.RecvResponse rejects a frame carrying it as ABORTED,
// the same as any other non-native magic.
const MagicSwapped uint16 = 0x5A5A

// Header is the outer frame header prepended to every request and response
// by the communication layer (spec §4.2, §6).
type Header struct {
	Magic    uint16
	Kind     MessageKind
	Size     uint16
	ReqID    uint16
	ClientID uint32
	Reserved uint32
}

// EncodeHeader serializes h to its 16-byte little-endian wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Kind))
	binary.LittleEndian.PutUint16(buf[4:6], h.Size)
	binary.LittleEndian.PutUint16(buf[6:8], h.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], h.ClientID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved)
	return buf
}

// DecodeHeader parses a 16-byte little-endian header. It performs no
// validation beyond length; magic/kind/req_id matching is client.ClientContext's
// responsibility (spec §4.2: "Does NOT validate... that is C3's responsibility").
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("wire: insufficient data for header: got %d bytes, need %d", len(data), HeaderSize)
	}
	return Header{
		Magic:    binary.LittleEndian.Uint16(data[0:2]),
		Kind:     MessageKind(binary.LittleEndian.Uint16(data[2:4])),
		Size:     binary.LittleEndian.Uint16(data[4:6]),
		ReqID:    binary.LittleEndian.Uint16(data[6:8]),
		ClientID: binary.LittleEndian.Uint32(data[8:12]),
		Reserved: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

func (h Header) String() string {
	return fmt.Sprintf("Header{Magic: 0x%04x, Kind: %s, Size: %d, ReqID: %d, ClientID: %d}",
		h.Magic, h.Kind, h.Size, h.ReqID, h.ClientID)
}
