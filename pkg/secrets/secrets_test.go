package secrets

import (
	"testing"

	"filippo.io/age"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	box, err := NewBox(identity.String())
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := newTestBox(t)

	const apiKey = "sk-test-1234567890"
	sealed, err := box.Encrypt(apiKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed == apiKey {
		t.Fatal("ciphertext equals plaintext")
	}

	opened, err := box.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if opened != apiKey {
		t.Fatalf("Decrypt() = %q, want %q", opened, apiKey)
	}
}

func TestDecryptWrongIdentity(t *testing.T) {
	sealed, err := newTestBox(t).Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newTestBox(t).Decrypt(sealed); err == nil {
		t.Fatal("Decrypt() with wrong identity should fail")
	}
}

func TestNewBoxRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not-a-key", "AGE-SECRET-KEY-"} {
		if _, err := NewBox(input); err == nil {
			t.Fatalf("NewBox(%q) should fail", input)
		}
	}
}
