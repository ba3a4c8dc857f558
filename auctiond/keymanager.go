package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/cloudx-io/escrowauction/feed"
)

// KeyAlgorithm names the audit signing key type in key attestations.
const KeyAlgorithm = "ECDSA-P256"

// KeyManager manages the daemon's audit signing key
type KeyManager struct {
	privateKey *ecdsa.PrivateKey // Keep private - sensitive!
	PublicKey  *ecdsa.PublicKey
}

// NewKeyManager creates a new KeyManager with a fresh P-256 key pair
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyManager{
		privateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// LoadOrCreateKeyManager reads a PEM-encoded EC private key from path,
// creating and saving a fresh one when the file does not exist. An empty
// path yields an ephemeral key.
func LoadOrCreateKeyManager(path string) (*KeyManager, error) {
	if path == "" {
		return NewKeyManager()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		km, err := NewKeyManager()
		if err != nil {
			return nil, err
		}
		if err := km.save(path); err != nil {
			return nil, err
		}
		return km, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("audit key %s is not a PEM EC private key", path)
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing audit key: %w", err)
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("audit key must use P-256, got %s", privateKey.Curve.Params().Name)
	}
	return &KeyManager{
		privateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

func (km *KeyManager) save(path string) error {
	der, err := x509.MarshalECPrivateKey(km.privateKey)
	if err != nil {
		return fmt.Errorf("marshal audit key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing audit key: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the public key in PEM format
func (km *KeyManager) PublicKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pemBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}
	return string(pem.EncodeToMemory(pemBlock)), nil
}

// KeyID is a short fingerprint of the public key.
func (km *KeyManager) KeyID() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return hex.EncodeToString(sum[:8]), nil
}

// Signer returns a COSE signer for the audit feed.
func (km *KeyManager) Signer() (*feed.Signer, error) {
	keyID, err := km.KeyID()
	if err != nil {
		return nil, err
	}
	return feed.NewSigner(km.privateKey, keyID)
}
