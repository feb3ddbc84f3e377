// Package crypto seals account credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrInvalidKey is returned for keys that are not base64 or not KeySize bytes long.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrMalformedCiphertext is returned for input shorter than a nonce.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Encryptor seals account secrets with AES-256-GCM. Output is nonce || ciphertext || tag, with a
// random nonce per call.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals a password or bearer token.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a value sealed by Encrypt. It fails when the data was tampered with or sealed
// under another key.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return "", ErrMalformedCiphertext
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptToken seals an OAuth token as JSON, the form Gmail accounts store.
func (e *Encryptor) EncryptToken(token *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}
	return e.Encrypt(string(raw))
}

// DecryptToken opens a token sealed by EncryptToken.
func (e *Encryptor) DecryptToken(ciphertext []byte) (*oauth2.Token, error) {
	raw, err := e.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}
