package rpc

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"id":"1","method":"worker.list"}`)

	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	oversize := make([]byte, MaxPayloadSize+1)
	big := uint32(len(oversize))
	buf.Write([]byte{byte(big >> 24), byte(big >> 16), byte(big >> 8), byte(big)})

	if _, err := readFrame(&buf); err != ErrOversizePayload {
		t.Fatalf("err = %v, want ErrOversizePayload", err)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, make([]byte, MaxPayloadSize+1)); err != ErrOversizePayload {
		t.Fatalf("err = %v, want ErrOversizePayload", err)
	}
}

func TestCodeForKindIsStableAndOpaque(t *testing.T) {
	seen := map[int]string{}
	for _, k := range kindOrder {
		code := codeForKind(k)
		if other, dup := seen[code]; dup {
			t.Fatalf("codes collide: %q and %q both map to %d", k, other, code)
		}
		seen[code] = k
	}
}

func TestCodeForKindUnknownFallsBackToInternal(t *testing.T) {
	if codeForKind("nonsense") != codeForKind(KindInternal) {
		t.Error("unknown kind should map to the internal code")
	}
}
