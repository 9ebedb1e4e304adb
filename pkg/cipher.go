package pkg

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrAuthenticationFailed is returned when the GCM tag does not verify.
	// The payload is dropped; this is not a connection-fatal condition.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrKeyNotEstablished is returned when decryption is attempted before
	// key agreement has completed.
	ErrKeyNotEstablished = errors.New("symmetric key not established")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeyNotEstablished
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key and nonce, returning the ciphertext and
// the 16-byte tag separately.
func Seal(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(nonce) != NonceSize {
		return nil, nil, fmt.Errorf("%w: bad nonce length %d", ErrMalformedEnvelope, len(nonce))
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:], nil
}

// Open decrypts a ciphertext whose tag was transmitted as a separate field.
func Open(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", ErrMalformedEnvelope, len(tag))
	}

	combined := make([]byte, 0, len(ciphertext)+len(tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)

	return OpenCombined(key, nonce, combined)
}

// OpenCombined decrypts a ciphertext carrying its tag as the trailing 16
// bytes. Both tag conventions funnel through here.
func OpenCombined(key, nonce, combined []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrMalformedEnvelope, len(nonce))
	}

	if len(combined) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformedEnvelope)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, combined, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}
