package feed

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/veraison/go-cose"
)

// Signer wraps audit payloads in tagged COSE_Sign1 messages.
type Signer struct {
	signer cose.Signer
	keyID  []byte
}

// NewSigner returns an ES256 signer. keyID is carried in the protected
// header so verifiers can pick the matching public key.
func NewSigner(key *ecdsa.PrivateKey, keyID string) (*Signer, error) {
	s, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("create COSE signer: %w", err)
	}
	return &Signer{signer: s, keyID: []byte(keyID)}, nil
}

// Sign returns the encoded COSE_Sign1 message carrying payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	if len(s.keyID) > 0 {
		msg.Headers.Protected[cose.HeaderLabelKeyID] = s.keyID
	}
	msg.Payload = payload

	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("sign audit record: %w", err)
	}
	return msg.MarshalCBOR()
}

// Verify checks a COSE_Sign1 message produced by Sign and returns its
// payload.
func Verify(data []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		return nil, fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return msg.Payload, nil
}
