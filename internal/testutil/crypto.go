package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// TestEncryptionKey is the base64 key behind GetTestEncryptor.
var TestEncryptionKey = func() string {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}()

// GetTestEncryptor returns an encryptor with a fixed key, so secrets sealed in one helper can be
// opened by the code under test.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	encryptor, err := crypto.NewEncryptor(TestEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// Seal encrypts secret with the test key.
func Seal(t *testing.T, secret string) []byte {
	t.Helper()
	sealed, err := GetTestEncryptor(t).Encrypt(secret)
	if err != nil {
		t.Fatalf("Failed to encrypt secret: %v", err)
	}
	return sealed
}
