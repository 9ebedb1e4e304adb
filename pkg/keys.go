package pkg

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrBadPeerKey is returned when a peer public key cannot be decoded or is
// not a valid point on the curve. Callers should drop the message and leave
// the session unkeyed; the client may retry with a fresh key.
var ErrBadPeerKey = errors.New("peer public key rejected")

// GenerateKeyPair creates the ephemeral P-256 key pair owned by one session.
// The curve is fixed; it is not negotiated with the peer.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// DeriveSharedKey computes the ECDH shared secret against a base64-encoded
// peer public key (uncompressed point encoding) and hashes it with SHA-256
// to produce the 32-byte symmetric key.
func DeriveSharedKey(private *ecdh.PrivateKey, peerKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrBadPeerKey)
	}

	public, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid curve point", ErrBadPeerKey)
	}

	secret, err := private.ECDH(public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}

	key := sha256.Sum256(secret)
	return key[:], nil
}
