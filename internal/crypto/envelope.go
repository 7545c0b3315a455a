// Package crypto provides the authenticated envelope used to persist
// deployment intents, secrets, and gateway tokens at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	envelopeVersion = "v1"
	ivSize          = 12
	tagSize         = 16
	keySize         = 32
	minPassphrase   = 16
)

// kdfSalt is fixed so the same passphrase always derives the same key.
var kdfSalt = []byte("deploycp.envelope.v1")

// ErrDecrypt is returned for any envelope that cannot be opened: wrong
// version, malformed fields, or authentication failure. Callers treat it
// as a terminal "stored payload cannot be decrypted" condition on the
// owning entity.
var ErrDecrypt = errors.New("envelope cannot be decrypted")

// Cipher encrypts values into versioned, self-describing envelope strings
// of the form "v1.<iv>.<tag>.<ciphertext>" (raw URL-safe base64 fields).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from passphrase via scrypt. Passphrases
// shorter than 16 bytes are rejected.
func NewCipher(passphrase string) (*Cipher, error) {
	if len(passphrase) < minPassphrase {
		return nil, fmt.Errorf("encryption passphrase must be at least %d bytes", minPassphrase)
	}
	key, err := scrypt.Key([]byte(passphrase), kdfSalt, 32768, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init envelope cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init envelope gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt JSON-encodes v and seals it into an envelope string.
func (c *Cipher) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode envelope payload: %w", err)
	}
	return c.EncryptBytes(plaintext)
}

// EncryptBytes seals raw plaintext into an envelope string.
func (c *Cipher) EncryptBytes(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate envelope iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		envelopeVersion,
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, "."), nil
}

// Decrypt opens an envelope and returns the plaintext bytes. Any
// malformation or authentication failure yields ErrDecrypt.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 4 || parts[0] != envelopeVersion {
		return nil, ErrDecrypt
	}
	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != ivSize {
		return nil, ErrDecrypt
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return nil, ErrDecrypt
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrDecrypt
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DecryptJSON opens an envelope and unmarshals the plaintext into out.
func (c *Cipher) DecryptJSON(envelope string, out any) error {
	plaintext, err := c.Decrypt(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("decode envelope payload: %w", err)
	}
	return nil
}
