package secrets

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	box, err := New(bytes.Repeat([]byte{0xab}, 32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return box
}

func TestSealOpenRoundTrip(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("strava-access-token", 42)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := box.Open(sealed, 42)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "strava-access-token" {
		t.Errorf("opened = %q", opened)
	}
}

func TestOpenWrongAthleteFails(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("strava-access-token", 42)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box.Open(sealed, 43); err == nil {
		t.Fatal("expected failure opening with a different athlete id")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("strava-access-token", 42)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decoding sealed value: %v", err)
	}
	raw[len(raw)-1] ^= 1
	if _, err := box.Open(base64.StdEncoding.EncodeToString(raw), 42); err == nil {
		t.Fatal("expected failure opening tampered ciphertext")
	}
}

func TestOpenGarbageFails(t *testing.T) {
	box := newTestBox(t)
	if _, err := box.Open("%%%not-base64%%%", 1); err == nil {
		t.Fatal("expected failure for non-base64 input")
	}
	if _, err := box.Open("c2hvcnQ=", 1); err == nil {
		t.Fatal("expected failure for too-short input")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	box := newTestBox(t)
	a, _ := box.Seal("same", 1)
	b, _ := box.Seal("same", 1)
	if a == b {
		t.Error("two seals of the same plaintext must differ (random nonce)")
	}
}
