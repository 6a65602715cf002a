package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:    MagicNative,
		Kind:     KindKeyCache,
		Size:     128,
		ReqID:    17,
		ClientID: 9001,
		Reserved: 0,
	}
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("EncodeHeader: got %d bytes, want %d", len(buf), HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("Header round trip: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("DecodeHeader: expected error on short input")
	}
}

func TestMessageKindSplit(t *testing.T) {
	cases := []struct {
		group  Group
		action byte
	}{
		{GroupComm, ActionCommInit},
		{GroupKey, ActionKeyExport},
		{GroupCustom, ActionCustomInvoke},
	}
	for _, c := range cases {
		k := MakeKind(c.group, c.action)
		g, a := k.Split()
		if g != c.group || a != c.action {
			t.Errorf("MakeKind(%v, %v).Split(): got (%v, %v)", c.group, c.action, g, a)
		}
	}
}

func TestWellKnownKinds(t *testing.T) {
	if g, _ := KindKeyCache.Split(); g != GroupKey {
		t.Errorf("KindKeyCache: group = %v, want GroupKey", g)
	}
	if g, _ := KindCommEcho.Split(); g != GroupComm {
		t.Errorf("KindCommEcho: group = %v, want GroupComm", g)
	}
}
