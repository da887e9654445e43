package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Secret fields are sealed with AES-256-GCM under a key derived from the
// database encryption key and a fresh random salt, bound to the field
// name so a ciphertext moved between fields fails to open. Envelope:
//
//	v1:base64(salt[16] || nonce[12] || ciphertext)
const (
	envelopeVersion = "v1:"
	saltSize        = 16
	keySize         = 32
)

var errNoEncryptionKey = fmt.Errorf("resource declares secret fields but no encryption key is configured")

func deriveFieldKey(master []byte, salt []byte, field string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte("pannier/secret/"+field)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// encryptField seals plaintext for the named field.
func encryptField(master []byte, field, plaintext string) (string, error) {
	if len(master) == 0 {
		return "", errNoEncryptionKey
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveFieldKey(master, salt, field)
	if err != nil {
		return "", fmt.Errorf("failed to derive field key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)
	return envelopeVersion + base64.StdEncoding.EncodeToString(envelope), nil
}

// decryptField opens an envelope produced by encryptField.
func decryptField(master []byte, field, envelope string) (string, error) {
	if len(master) == 0 {
		return "", errNoEncryptionKey
	}

	payload, ok := strings.CutPrefix(envelope, envelopeVersion)
	if !ok {
		return "", fmt.Errorf("unknown envelope version")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("malformed envelope: %w", err)
	}
	if len(raw) < saltSize+12 {
		return "", fmt.Errorf("envelope too short")
	}

	salt := raw[:saltSize]
	key, err := deriveFieldKey(master, salt, field)
	if err != nil {
		return "", fmt.Errorf("failed to derive field key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}
	if len(raw) < saltSize+gcm.NonceSize() {
		return "", fmt.Errorf("envelope too short")
	}

	nonce := raw[saltSize : saltSize+gcm.NonceSize()]
	sealed := raw[saltSize+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	return string(plaintext), nil
}
