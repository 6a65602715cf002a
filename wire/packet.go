package wire

import (
	"encoding/binary"
	"fmt"
)

// StubSize is the size in bytes of the response stub carrying the server
// return code. Spec §3/§GLOSSARY describes the stub as "a 2-byte prefix"
// but also types its one field as rc: i32 (4 bytes) — the two statements
// are inconsistent in the distilled spec. This implementation sizes the
// stub at 4 bytes so the full i32 range (including negative status codes)
// survives the wire; see DESIGN.md for the resolution.
const StubSize = 4

// EncodeStub serializes a response's leading return-code stub.
func EncodeStub(rc int32) []byte {
	buf := make([]byte, StubSize)
	binary.LittleEndian.PutUint32(buf, uint32(rc))
	return buf
}

// DecodeStub reads the leading stub from a response payload, returning the
// return code and the remaining bytes (the body + any trailing data).
func DecodeStub(data []byte) (rc int32, rest []byte, err error) {
	if len(data) < StubSize {
		return 0, nil, fmt.Errorf("wire: insufficient data for stub: got %d bytes, need %d", len(data), StubSize)
	}
	rc = int32(binary.LittleEndian.Uint32(data[0:StubSize]))
	return rc, data[StubSize:], nil
}

// --- COMM ---------------------------------------------------------------

// CommInitRequest is the COMM/INIT request body.
type CommInitRequest struct {
	ClientID uint32
}

func EncodeCommInitRequest(r CommInitRequest) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, r.ClientID)
	return buf
}

func DecodeCommInitRequest(data []byte) (CommInitRequest, error) {
	if len(data) < 4 {
		return CommInitRequest{}, fmt.Errorf("wire: short CommInitRequest: %d bytes", len(data))
	}
	return CommInitRequest{ClientID: binary.LittleEndian.Uint32(data[0:4])}, nil
}

// CommInitResponse is the COMM/INIT response body.
type CommInitResponse struct {
	ClientID uint32
	ServerID uint32
}

func EncodeCommInitResponse(r CommInitResponse) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.ClientID)
	binary.LittleEndian.PutUint32(buf[4:8], r.ServerID)
	return buf
}

func DecodeCommInitResponse(data []byte) (CommInitResponse, error) {
	if len(data) < 8 {
		return CommInitResponse{}, fmt.Errorf("wire: short CommInitResponse: %d bytes", len(data))
	}
	return CommInitResponse{
		ClientID: binary.LittleEndian.Uint32(data[0:4]),
		ServerID: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// CommLenData carries a length-prefixed, fixed-capacity buffer used for
// both the Echo request and response (spec §4.4).
type CommLenData struct {
	Len  uint16
	Data [EchoMax]byte
}

// NewCommLenData truncates payload to EchoMax silently (spec §4.4 rule 2).
func NewCommLenData(payload []byte) CommLenData {
	n := len(payload)
	if n > EchoMax {
		n = EchoMax
	}
	var d CommLenData
	copy(d.Data[:], payload[:n])
	d.Len = uint16(n)
	return d
}

// Bytes returns the logical (non-padded) content of d.
func (d CommLenData) Bytes() []byte {
	n := d.Len
	if int(n) > len(d.Data) {
		n = uint16(len(d.Data))
	}
	out := make([]byte, n)
	copy(out, d.Data[:n])
	return out
}

func EncodeCommLenData(d CommLenData) []byte {
	buf := make([]byte, 2+EchoMax)
	binary.LittleEndian.PutUint16(buf[0:2], d.Len)
	copy(buf[2:], d.Data[:])
	return buf
}

func DecodeCommLenData(data []byte) (CommLenData, error) {
	if len(data) < 2+EchoMax {
		return CommLenData{}, fmt.Errorf("wire: short CommLenData: %d bytes", len(data))
	}
	var d CommLenData
	d.Len = binary.LittleEndian.Uint16(data[0:2])
	copy(d.Data[:], data[2:2+EchoMax])
	return d, nil
}

// --- KEY ------------------------------------------------------------------

// KeyCacheRequest is the KEY/CACHE request body; the raw key bytes (Sz of
// them) follow immediately in the frame and are not part of this struct.
type KeyCacheRequest struct {
	ID      KeyID
	Flags   uint32
	Sz      uint32
	LabelSz uint32
	Label   [NVMLabelLen]byte
}

// NewKeyCacheRequest builds a request, truncating label to NVMLabelLen bytes
// while recording the caller-supplied length verbatim (spec §4.4 rule 1).
func NewKeyCacheRequest(id KeyID, flags uint32, label []byte, keySz uint32) KeyCacheRequest {
	r := KeyCacheRequest{ID: id, Flags: flags, Sz: keySz, LabelSz: uint32(len(label))}
	n := len(label)
	if n > NVMLabelLen {
		n = NVMLabelLen
	}
	copy(r.Label[:], label[:n])
	return r
}

func EncodeKeyCacheRequest(r KeyCacheRequest) []byte {
	buf := make([]byte, 2+4+4+4+NVMLabelLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.ID))
	binary.LittleEndian.PutUint32(buf[2:6], r.Flags)
	binary.LittleEndian.PutUint32(buf[6:10], r.Sz)
	binary.LittleEndian.PutUint32(buf[10:14], r.LabelSz)
	copy(buf[14:14+NVMLabelLen], r.Label[:])
	return buf
}

func DecodeKeyCacheRequest(data []byte) (KeyCacheRequest, error) {
	const fixed = 2 + 4 + 4 + 4 + NVMLabelLen
	if len(data) < fixed {
		return KeyCacheRequest{}, fmt.Errorf("wire: short KeyCacheRequest: %d bytes", len(data))
	}
	var r KeyCacheRequest
	r.ID = KeyID(binary.LittleEndian.Uint16(data[0:2]))
	r.Flags = binary.LittleEndian.Uint32(data[2:6])
	r.Sz = binary.LittleEndian.Uint32(data[6:10])
	r.LabelSz = binary.LittleEndian.Uint32(data[10:14])
	copy(r.Label[:], data[14:14+NVMLabelLen])
	return r, nil
}

// KeyCacheResponse is the KEY/CACHE response body (beyond the stub).
type KeyCacheResponse struct {
	ID KeyID
}

func EncodeKeyCacheResponse(r KeyCacheResponse) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(r.ID))
	return buf
}

func DecodeKeyCacheResponse(data []byte) (KeyCacheResponse, error) {
	if len(data) < 2 {
		return KeyCacheResponse{}, fmt.Errorf("wire: short KeyCacheResponse: %d bytes", len(data))
	}
	return KeyCacheResponse{ID: KeyID(binary.LittleEndian.Uint16(data[0:2]))}, nil
}

// KeyIDRequest is the common shape of Evict/Export/Commit/Erase requests:
// a single KeyID and nothing else.
type KeyIDRequest struct {
	ID KeyID
}

func EncodeKeyIDRequest(r KeyIDRequest) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(r.ID))
	return buf
}

func DecodeKeyIDRequest(data []byte) (KeyIDRequest, error) {
	if len(data) < 2 {
		return KeyIDRequest{}, fmt.Errorf("wire: short KeyIDRequest: %d bytes", len(data))
	}
	return KeyIDRequest{ID: KeyID(binary.LittleEndian.Uint16(data[0:2]))}, nil
}

// KeyExportResponse is the KEY/EXPORT response body; Len raw key bytes
// follow immediately in the frame.
type KeyExportResponse struct {
	Len   uint32
	Label [NVMLabelLen]byte
}

func EncodeKeyExportResponse(r KeyExportResponse) []byte {
	buf := make([]byte, 4+NVMLabelLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.Len)
	copy(buf[4:4+NVMLabelLen], r.Label[:])
	return buf
}

func DecodeKeyExportResponse(data []byte) (KeyExportResponse, error) {
	const fixed = 4 + NVMLabelLen
	if len(data) < fixed {
		return KeyExportResponse{}, fmt.Errorf("wire: short KeyExportResponse: %d bytes", len(data))
	}
	var r KeyExportResponse
	r.Len = binary.LittleEndian.Uint32(data[0:4])
	copy(r.Label[:], data[4:4+NVMLabelLen])
	return r, nil
}

// --- CUSTOM CALLBACK --------------------------------------------------

// CustomCbRequest is the CUSTOM/INVOKE request body.
type CustomCbRequest struct {
	ID   uint32
	Type CustomCbType
	Data [CustomMax]byte
}

func EncodeCustomCbRequest(r CustomCbRequest) []byte {
	buf := make([]byte, 4+2+CustomMax)
	binary.LittleEndian.PutUint32(buf[0:4], r.ID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Type))
	copy(buf[6:6+CustomMax], r.Data[:])
	return buf
}

func DecodeCustomCbRequest(data []byte) (CustomCbRequest, error) {
	const fixed = 4 + 2 + CustomMax
	if len(data) < fixed {
		return CustomCbRequest{}, fmt.Errorf("wire: short CustomCbRequest: %d bytes", len(data))
	}
	var r CustomCbRequest
	r.ID = binary.LittleEndian.Uint32(data[0:4])
	r.Type = CustomCbType(binary.LittleEndian.Uint16(data[4:6]))
	copy(r.Data[:], data[6:6+CustomMax])
	return r, nil
}

// CustomCbResponse is the CUSTOM/INVOKE response body (beyond the stub).
type CustomCbResponse struct {
	ID   uint16
	Type CustomCbType
	Err  int32
	Data [CustomMax]byte
}

func EncodeCustomCbResponse(r CustomCbResponse) []byte {
	buf := make([]byte, 2+2+4+CustomMax)
	binary.LittleEndian.PutUint16(buf[0:2], r.ID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Err))
	copy(buf[8:8+CustomMax], r.Data[:])
	return buf
}

func DecodeCustomCbResponse(data []byte) (CustomCbResponse, error) {
	const fixed = 2 + 2 + 4 + CustomMax
	if len(data) < fixed {
		return CustomCbResponse{}, fmt.Errorf("wire: short CustomCbResponse: %d bytes", len(data))
	}
	var r CustomCbResponse
	r.ID = binary.LittleEndian.Uint16(data[0:2])
	r.Type = CustomCbType(binary.LittleEndian.Uint16(data[2:4]))
	r.Err = int32(binary.LittleEndian.Uint32(data[4:8]))
	copy(r.Data[:], data[8:8+CustomMax])
	return r, nil
}
