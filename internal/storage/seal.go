package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Sealed result layout: magic(8) + salt(16) + nonce(12) + ciphertext,
// with the GCM auth tag appended to the ciphertext. The key is derived
// from the password with PBKDF2, 100k iterations of SHA-256.
const (
	sealMagic     = "OCRSEAL1"
	sealSaltLen   = 16
	sealNonceLen  = 12
	sealKeyLen    = 32
	sealKDFRounds = 100000
)

// Seal encrypts data under password.
func Seal(data []byte, password string) ([]byte, error) {
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, sealNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := sealCipher(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealMagic)+sealSaltLen+sealNonceLen+len(data)+gcm.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Unseal decrypts data produced by Seal. A wrong password or tampered
// payload fails GCM authentication.
func Unseal(data []byte, password string) ([]byte, error) {
	header := len(sealMagic) + sealSaltLen + sealNonceLen
	if len(data) < header {
		return nil, fmt.Errorf("sealed data too short: %d bytes", len(data))
	}
	if string(data[:len(sealMagic)]) != sealMagic {
		return nil, fmt.Errorf("not a sealed payload: bad magic")
	}
	salt := data[len(sealMagic) : len(sealMagic)+sealSaltLen]
	nonce := data[len(sealMagic)+sealSaltLen : header]

	gcm, err := sealCipher(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed payload: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether data carries the sealed-payload magic.
func IsSealed(data []byte) bool {
	return len(data) >= len(sealMagic) && string(data[:len(sealMagic)]) == sealMagic
}

func sealCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, sealKDFRounds, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
