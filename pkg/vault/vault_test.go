package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func testKey(t *testing.T, id string, active bool) Key {
	t.Helper()
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return Key{ID: id, Material: material, CreatedAt: time.Now().UTC(), Active: active}
}

func testVault(t *testing.T) *Vault {
	t.Helper()
	ring, err := NewKeyring(testKey(t, "k1", true))
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	v, err := New(ring)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)
	for _, plaintext := range [][]byte{nil, []byte(""), []byte("ssn=123-45-6789"), bytes.Repeat([]byte("x"), 8192)} {
		envelope, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := v.Decrypt(envelope)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestDecryptTamperedFailsClosed(t *testing.T) {
	v := testVault(t)
	envelope, err := v.Encrypt([]byte("sensitive value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// Flipping any single byte past the key id must trip the
	// integrity check, never yield wrong plaintext.
	for _, idx := range []int{len(envelope) - 1, len(envelope) / 2, 2 + len("k1")} {
		tampered := append([]byte(nil), envelope...)
		tampered[idx] ^= 0x01
		_, err := v.Decrypt(tampered)
		var cerr *CryptoError
		if !errors.As(err, &cerr) || cerr.Reason != ReasonTamperDetected {
			t.Fatalf("byte %d: expected tamper_detected, got %v", idx, err)
		}
	}
}

func TestDecryptTamperedVersionByte(t *testing.T) {
	v := testVault(t)
	envelope, err := v.Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	envelope[0] = 0x7f
	_, err = v.Decrypt(envelope)
	var cerr *CryptoError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonDecodeError {
		t.Fatalf("expected decode_error, got %v", err)
	}
}

func TestDecryptUnknownKey(t *testing.T) {
	other := testVault(t)
	envelope, err := other.Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ring, err := NewKeyring(Key{ID: "k2", Material: make([]byte, KeySize), Active: true})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	v, _ := New(ring)
	_, err = v.Decrypt(envelope)
	var cerr *CryptoError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonUnknownKey {
		t.Fatalf("expected unknown_key, got %v", err)
	}
}

func TestDecryptTruncated(t *testing.T) {
	v := testVault(t)
	for _, envelope := range [][]byte{nil, {envelopeVersion}, {envelopeVersion, 2, 'k', '1'}} {
		_, err := v.Decrypt(envelope)
		var cerr *CryptoError
		if !errors.As(err, &cerr) || cerr.Reason != ReasonDecodeError {
			t.Fatalf("expected decode_error, got %v", err)
		}
	}
}

func TestRotationBackwardReadable(t *testing.T) {
	v := testVault(t)
	before, err := v.EncryptString("pre-rotation secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := v.Rotate(testKey(t, "k2", false)); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if v.ActiveKeyID() != "k2" {
		t.Fatalf("active key after rotation: %q", v.ActiveKeyID())
	}

	got, err := v.DecryptString(before)
	if err != nil {
		t.Fatalf("decrypt pre-rotation ciphertext: %v", err)
	}
	if got != "pre-rotation secret" {
		t.Fatalf("unexpected plaintext: %q", got)
	}

	after, err := v.EncryptString("post-rotation secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	kid, err := KeyID(after)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	if kid != "k2" {
		t.Fatalf("new ciphertext under key %q, want k2", kid)
	}
}

func TestKeyringInvariants(t *testing.T) {
	if _, err := NewKeyring(); err == nil {
		t.Fatal("empty keyring accepted")
	}
	if _, err := NewKeyring(testKey(t, "a", false)); err == nil {
		t.Fatal("keyring without active key accepted")
	}
	if _, err := NewKeyring(testKey(t, "a", true), testKey(t, "b", true)); err == nil {
		t.Fatal("keyring with two active keys accepted")
	}
	if _, err := NewKeyring(testKey(t, "a", true), testKey(t, "a", false)); err == nil {
		t.Fatal("duplicate key id accepted")
	}
	if _, err := NewKeyring(Key{ID: "a", Material: []byte("short"), Active: true}); err == nil {
		t.Fatal("short key material accepted")
	}
}

func TestDecryptStringBadEncoding(t *testing.T) {
	v := testVault(t)
	_, err := v.DecryptString("not//valid##base64!!")
	var cerr *CryptoError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonDecodeError {
		t.Fatalf("expected decode_error, got %v", err)
	}
}
