package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const envAgeIdentity = "TUNED_AGE_IDENTITY"

// Box encrypts and decrypts small secrets (provider API keys) at rest using
// an age X25519 identity.
type Box struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewBoxFromEnv initialises a Box from the TUNED_AGE_IDENTITY environment
// variable, which must hold a standard AGE-SECRET-KEY-1... string.
func NewBoxFromEnv() (*Box, error) {
	raw := strings.TrimSpace(os.Getenv(envAgeIdentity))
	if raw == "" {
		return nil, fmt.Errorf("%s must be set", envAgeIdentity)
	}
	return NewBox(raw)
}

// NewBox initialises a Box from an age secret key string.
func NewBox(secretKey string) (*Box, error) {
	secretKey = strings.TrimSpace(secretKey)
	if err := checkAgeSecretKey(secretKey); err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	return &Box{
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

// Encrypt seals plaintext for the box's recipient and returns it base64
// encoded, suitable for a text column.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if b == nil {
		return "", errors.New("nil box")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if b == nil {
		return "", errors.New("nil box")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), b.identity)
	if err != nil {
		return "", err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Recipient returns the public recipient string for the box's identity.
func (b *Box) Recipient() string {
	if b == nil || b.recipient == nil {
		return ""
	}
	return b.recipient.String()
}

// checkAgeSecretKey validates the bech32 envelope of an age secret key
// before handing it to the age parser, to give a precise error for keys
// pasted with the wrong prefix or a corrupted payload.
func checkAgeSecretKey(raw string) error {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return err
	}
	if len(decoded) != 32 {
		return fmt.Errorf("unexpected key length %d", len(decoded))
	}
	return nil
}
