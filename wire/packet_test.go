package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeStub(t *testing.T) {
	cases := []int32{0, 1, -1, 2147483647, -2147483648}
	for _, rc := range cases {
		buf := EncodeStub(rc)
		if len(buf) != StubSize {
			t.Fatalf("EncodeStub(%d): got %d bytes, want %d", rc, len(buf), StubSize)
		}
		got, rest, err := DecodeStub(buf)
		if err != nil {
			t.Fatalf("DecodeStub(%d): unexpected error: %v", rc, err)
		}
		if got != rc {
			t.Errorf("DecodeStub round trip: got %d, want %d", got, rc)
		}
		if len(rest) != 0 {
			t.Errorf("DecodeStub rest: got %d bytes, want 0", len(rest))
		}
	}
}

func TestDecodeStubShort(t *testing.T) {
	if _, _, err := DecodeStub([]byte{1, 2}); err == nil {
		t.Fatal("DecodeStub: expected error on short input, got nil")
	}
}

func TestCommInitRoundTrip(t *testing.T) {
	req := CommInitRequest{ClientID: 42}
	got, err := DecodeCommInitRequest(EncodeCommInitRequest(req))
	if err != nil {
		t.Fatalf("DecodeCommInitRequest: %v", err)
	}
	if got != req {
		t.Errorf("CommInitRequest round trip: got %+v, want %+v", got, req)
	}

	res := CommInitResponse{ClientID: 42, ServerID: 7}
	gotRes, err := DecodeCommInitResponse(EncodeCommInitResponse(res))
	if err != nil {
		t.Fatalf("DecodeCommInitResponse: %v", err)
	}
	if gotRes != res {
		t.Errorf("CommInitResponse round trip: got %+v, want %+v", gotRes, res)
	}
}

func TestCommLenDataTruncation(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, EchoMax+10)
	d := NewCommLenData(payload)
	if int(d.Len) != EchoMax {
		t.Fatalf("NewCommLenData: got Len %d, want %d", d.Len, EchoMax)
	}
	if !bytes.Equal(d.Bytes(), payload[:EchoMax]) {
		t.Errorf("NewCommLenData: truncated content mismatch")
	}

	decoded, err := DecodeCommLenData(EncodeCommLenData(d))
	if err != nil {
		t.Fatalf("DecodeCommLenData: %v", err)
	}
	if decoded.Len != d.Len || !bytes.Equal(decoded.Bytes(), d.Bytes()) {
		t.Errorf("CommLenData round trip mismatch")
	}
}

func TestCommLenDataShortPayload(t *testing.T) {
	d := NewCommLenData([]byte("hi"))
	if d.Len != 2 {
		t.Fatalf("NewCommLenData: got Len %d, want 2", d.Len)
	}
	if !bytes.Equal(d.Bytes(), []byte("hi")) {
		t.Errorf("NewCommLenData: got %q, want %q", d.Bytes(), "hi")
	}
}

func TestKeyCacheRequestRoundTrip(t *testing.T) {
	label := []byte("my-aes-key")
	req := NewKeyCacheRequest(KeyID(5), 0x1, label, 32)
	if req.LabelSz != uint32(len(label)) {
		t.Fatalf("NewKeyCacheRequest: LabelSz = %d, want %d", req.LabelSz, len(label))
	}

	got, err := DecodeKeyCacheRequest(EncodeKeyCacheRequest(req))
	if err != nil {
		t.Fatalf("DecodeKeyCacheRequest: %v", err)
	}
	if got != req {
		t.Errorf("KeyCacheRequest round trip: got %+v, want %+v", got, req)
	}
}

func TestKeyCacheRequestLabelTruncation(t *testing.T) {
	longLabel := bytes.Repeat([]byte{'x'}, NVMLabelLen+8)
	req := NewKeyCacheRequest(KeyID(1), 0, longLabel, 16)
	if req.LabelSz != uint32(len(longLabel)) {
		t.Fatalf("NewKeyCacheRequest: LabelSz should record full caller length, got %d", req.LabelSz)
	}
	if !bytes.Equal(req.Label[:], longLabel[:NVMLabelLen]) {
		t.Errorf("NewKeyCacheRequest: stored label bytes should be truncated to NVMLabelLen")
	}
}

func TestKeyIDRequestRoundTrip(t *testing.T) {
	req := KeyIDRequest{ID: KeyID(99)}
	got, err := DecodeKeyIDRequest(EncodeKeyIDRequest(req))
	if err != nil {
		t.Fatalf("DecodeKeyIDRequest: %v", err)
	}
	if got != req {
		t.Errorf("KeyIDRequest round trip: got %+v, want %+v", got, req)
	}
}

func TestKeyExportResponseRoundTrip(t *testing.T) {
	var label [NVMLabelLen]byte
	copy(label[:], "exported-key")
	res := KeyExportResponse{Len: 256, Label: label}
	got, err := DecodeKeyExportResponse(EncodeKeyExportResponse(res))
	if err != nil {
		t.Fatalf("DecodeKeyExportResponse: %v", err)
	}
	if got != res {
		t.Errorf("KeyExportResponse round trip: got %+v, want %+v", got, res)
	}
}

func TestCustomCbRoundTrip(t *testing.T) {
	var data [CustomMax]byte
	copy(data[:], "payload")
	req := CustomCbRequest{ID: 3, Type: CustomCbInvoke, Data: data}
	gotReq, err := DecodeCustomCbRequest(EncodeCustomCbRequest(req))
	if err != nil {
		t.Fatalf("DecodeCustomCbRequest: %v", err)
	}
	if gotReq != req {
		t.Errorf("CustomCbRequest round trip: got %+v, want %+v", gotReq, req)
	}

	res := CustomCbResponse{ID: 3, Type: CustomCbInvoke, Err: -5, Data: data}
	gotRes, err := DecodeCustomCbResponse(EncodeCustomCbResponse(res))
	if err != nil {
		t.Fatalf("DecodeCustomCbResponse: %v", err)
	}
	if gotRes != res {
		t.Errorf("CustomCbResponse round trip: got %+v, want %+v", gotRes, res)
	}
}

func TestDecodeShortBuffers(t *testing.T) {
	if _, err := DecodeCommInitRequest(nil); err == nil {
		t.Error("DecodeCommInitRequest(nil): expected error")
	}
	if _, err := DecodeCommInitResponse([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeCommInitResponse: expected error on short input")
	}
	if _, err := DecodeKeyCacheRequest([]byte{1}); err == nil {
		t.Error("DecodeKeyCacheRequest: expected error on short input")
	}
	if _, err := DecodeKeyExportResponse(nil); err == nil {
		t.Error("DecodeKeyExportResponse: expected error on nil input")
	}
	if _, err := DecodeCustomCbRequest([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeCustomCbRequest: expected error on short input")
	}
}
