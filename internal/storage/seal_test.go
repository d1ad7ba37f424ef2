package storage

import (
	"bytes"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	plain := []byte(`{"id":"abc","text":"page one\npage two"}`)

	sealed, err := Seal(plain, "hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Error("sealed payload missing magic prefix")
	}
	if bytes.Contains(sealed, []byte("page one")) {
		t.Error("sealed payload leaks plaintext")
	}

	got, err := Unseal(sealed, "hunter2")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestUnsealWrongPassword(t *testing.T) {
	sealed, err := Seal([]byte("secret"), "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unseal(sealed, "wrong"); err == nil {
		t.Error("expected authentication failure with wrong password")
	}
}

func TestUnsealTamperedPayload(t *testing.T) {
	sealed, err := Seal([]byte("secret"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Unseal(sealed, "pw"); err == nil {
		t.Error("expected authentication failure on tampered payload")
	}
}

func TestUnsealRejectsForeignData(t *testing.T) {
	if _, err := Unseal([]byte("not sealed at all, just text"), "pw"); err == nil {
		t.Error("expected bad-magic error")
	}
	if _, err := Unseal([]byte("shrt"), "pw"); err == nil {
		t.Error("expected too-short error")
	}
	if IsSealed([]byte(`{"id":"plain"}`)) {
		t.Error("plain JSON must not look sealed")
	}
}
