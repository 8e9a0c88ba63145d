package record

import "testing"

func TestRecordRoundtrip(t *testing.T) {
	header := []byte("tenant-a")
	payload := []byte(`{"op":"insert"}`)
	dec, ok := Decode(Encode(header, payload))
	if !ok {
		t.Fatalf("decode failed")
	}
	if string(dec.Header) != string(header) {
		t.Fatalf("header mismatch")
	}
	if string(dec.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestRecordEmptyParts(t *testing.T) {
	dec, ok := Decode(Encode(nil, nil))
	if !ok || len(dec.Header) != 0 || len(dec.Payload) != 0 {
		t.Fatalf("empty record roundtrip failed: %+v ok=%v", dec, ok)
	}
}

func TestRecordCorruption(t *testing.T) {
	rec := Encode([]byte("x"), []byte("y"))
	tests := []struct {
		name string
		data []byte
	}{
		{"crc", func() []byte { b := append([]byte(nil), rec...); b[len(b)-1] ^= 0xFF; return b }()},
		{"truncated", rec[:len(rec)-2]},
		{"short", []byte{1}},
		{"huge header len", []byte{0xff, 0xff, 0xff, 0xff, 0x0f, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		if _, ok := Decode(tt.data); ok {
			t.Fatalf("%s: expected decode failure", tt.name)
		}
	}
}
