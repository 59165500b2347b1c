package vless

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// RealityKeyPair holds an X25519 key pair for the Reality handshake.
// The private key uses standard base64 (the format xray expects in its
// config); the public key uses unpadded URL-safe base64 (the format VLESS
// links carry in the pbk query parameter).
type RealityKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// GenerateRealityKeyPair generates a new X25519 key pair using native crypto.
func GenerateRealityKeyPair() (*RealityKeyPair, error) {
	privateKeyBytes := make([]byte, 32)
	if _, err := rand.Read(privateKeyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for private key: %w", err)
	}

	clampPrivateKey(privateKeyBytes)

	publicKeyBytes, err := curve25519.X25519(privateKeyBytes, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &RealityKeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(privateKeyBytes),
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
	}, nil
}

// clampPrivateKey applies the X25519 clamping function to a private key.
func clampPrivateKey(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}
