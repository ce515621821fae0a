package cursor

import "testing"

func TestRoundTrip(t *testing.T) {
	token := Encode(42)
	if token == "" {
		t.Fatal("encoded cursor is empty")
	}
	seq, err := Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 42 {
		t.Fatalf("decoded seq = %d, want 42", seq)
	}
}

func TestDecodeEmpty(t *testing.T) {
	seq, err := Decode("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if seq != 0 {
		t.Fatalf("empty token decoded to %d, want 0", seq)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode("!!not-base64!!"); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, err := Decode("bm90LWpzb24"); err == nil {
		t.Fatal("expected error for non-JSON token")
	}
}
