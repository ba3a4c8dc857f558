package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
	"github.com/cloudx-io/escrowauction/feed"
	"github.com/cloudx-io/escrowauction/feed/memfeed"
)

var epoch = time.Unix(0, 0).UTC()

var knownPCRs = []PCRSet{{PCR0: "aa", PCR1: "bb", PCR2: "cc", CommitHash: "abc123"}}

func publicKeyPEM(t *testing.T, pub *ecdsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	assert.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// signedAttestation builds a Nitro-shaped untagged COSE_Sign1 signed with a
// fresh self-signed P-384 certificate.
func signedAttestation(t *testing.T, pcrs map[uint64][]byte, userData []byte) auctionapi.AttestationCOSEBase64 {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-enclave"},
		NotBefore:    epoch,
		NotAfter:     epoch.Add(24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.NoError(t, err)

	payload, err := cbor.Marshal(map[string]any{
		"module_id":   "test-enclave",
		"digest":      "SHA384",
		"timestamp":   uint64(time.Hour.Milliseconds()),
		"pcrs":        pcrs,
		"certificate": certDER,
		"cabundle":    [][]byte{certDER},
		"user_data":   userData,
		"nonce":       []byte("nonce"),
	})
	assert.NoError(t, err)

	protected, err := cbor.Marshal(map[int]int{1: -35})
	assert.NoError(t, err)
	sigStructure, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	assert.NoError(t, err)
	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	assert.NoError(t, err)
	sig, err := signer.Sign(rand.Reader, sigStructure)
	assert.NoError(t, err)

	coseBytes, err := cbor.Marshal([]any{protected, map[any]any{}, payload, sig})
	assert.NoError(t, err)
	return auctionapi.AttestationCOSE(coseBytes).EncodeBase64()
}

func TestVerifyCOSESignature(t *testing.T) {
	att := signedAttestation(t, nil, nil)
	coseBytes, err := att.Decode()
	assert.NoError(t, err)
	doc, _, err := coseBytes.ParseAttestationDoc()
	assert.NoError(t, err)

	check.NoError(t, VerifyCOSESignature(att, doc.Certificate))

	other := signedAttestation(t, nil, nil)
	otherBytes, err := other.Decode()
	assert.NoError(t, err)
	otherDoc, _, err := otherBytes.ParseAttestationDoc()
	assert.NoError(t, err)
	check.Error(t, VerifyCOSESignature(att, otherDoc.Certificate))
}

func TestValidateKeyAttestation(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	pemStr := publicKeyPEM(t, &key.PublicKey)

	userData, err := json.Marshal(auctionapi.KeyAttestationUserData{
		KeyAlgorithm: "ECDSA-P256",
		PublicKey:    pemStr,
		AuctionID:    "auction-1",
	})
	assert.NoError(t, err)
	att := signedAttestation(t, map[uint64][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}, userData)

	result, err := ValidateKeyAttestation(att, pemStr+"\n", knownPCRs)
	assert.NoError(t, err)
	check.True(t, result.PCRsValid)
	check.True(t, result.SignatureValid)
	check.True(t, result.PublicKeyMatch)
	check.Equal(t, "auction-1", result.AuctionID)
	// Self-signed test certificates do not chain to the AWS Nitro root.
	check.False(t, result.CertificateValid)
	check.False(t, result.IsValid())

	mismatch, err := ValidateKeyAttestation(att, "other key", []PCRSet{{PCR0: "00"}})
	assert.NoError(t, err)
	check.False(t, mismatch.PublicKeyMatch)
	check.False(t, mismatch.PCRsValid)

	_, err = ValidateKeyAttestation("%%%", pemStr, knownPCRs)
	check.Error(t, err)
}

func TestValidatePCRs(t *testing.T) {
	ok, idx := ValidatePCRs(auctionapi.PCRs{ImageFileHash: "aa", KernelHash: "bb", ApplicationHash: "cc"}, knownPCRs)
	check.True(t, ok)
	check.Equal(t, 0, idx)

	ok, idx = ValidatePCRs(auctionapi.PCRs{ImageFileHash: "aa", KernelHash: "bb", ApplicationHash: "dd"}, knownPCRs)
	check.False(t, ok)
	check.Equal(t, -1, idx)
}

func TestLoadPCRsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pcrs.json")
	data, err := json.Marshal(PCRConfig{PCRSets: knownPCRs})
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(path, data, 0o600))

	sets, err := LoadPCRsFromFile(path)
	assert.NoError(t, err)
	check.Equal(t, knownPCRs, sets)

	empty := filepath.Join(dir, "empty.json")
	assert.NoError(t, os.WriteFile(empty, []byte(`{"pcr_sets":[]}`), 0o600))
	_, err = LoadPCRsFromFile(empty)
	check.Error(t, err)

	_, err = LoadPCRsFromFile(filepath.Join(dir, "missing.json"))
	check.Error(t, err)
}

func TestValidateCertificateChain_RejectsUntrusted(t *testing.T) {
	att := signedAttestation(t, nil, nil)
	coseBytes, err := att.Decode()
	assert.NoError(t, err)
	doc, _, err := coseBytes.ParseAttestationDoc()
	assert.NoError(t, err)

	check.Error(t, ValidateCertificateChain(doc.Certificate, doc.CABundle, doc.Timestamp))
	check.Error(t, ValidateCertificateChain(base64.StdEncoding.EncodeToString([]byte("junk")), nil, doc.Timestamp))
}

type auditFixture struct {
	key        *ecdsa.PrivateKey
	pub        *memfeed.Feed
	auction    *core.Auction
	vault      *escrow.Vault
	bids       []core.Bid
	settlement *core.Settlement
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	signer, err := feed.NewSigner(key, "k1")
	assert.NoError(t, err)
	pub := memfeed.New()
	notifier, err := feed.NewNotifier(pub, signer)
	assert.NoError(t, err)

	vault := escrow.NewVault()
	assert.NoError(t, vault.Deposit(ctx, "alice", 10_000))
	assert.NoError(t, vault.Deposit(ctx, "bob", 10_000))

	a, err := core.New(ctx, "auction-1", "owner", epoch, vault, core.WithNotifier(notifier))
	assert.NoError(t, err)

	f := &auditFixture{key: key, pub: pub, auction: a, vault: vault}
	for i, step := range []struct {
		who    core.Identity
		amount int64
	}{{"alice", 100}, {"bob", 200}, {"alice", 300}} {
		bid, err := a.PlaceBid(ctx, step.who, step.amount, epoch.Add(time.Duration(i+1)*time.Minute))
		assert.NoError(t, err)
		f.bids = append(f.bids, bid)
	}
	_, err = a.PartialRefund(ctx, "alice", epoch.Add(5*time.Minute))
	assert.NoError(t, err)

	f.settlement, err = a.Finalize(ctx, "owner", epoch.Add(core.DefaultConfig().Duration))
	assert.NoError(t, err)
	return f
}

// trail returns every published message in publication order.
func (f *auditFixture) trail(t *testing.T) [][]byte {
	t.Helper()
	var msgs [][]byte
	get := func(topic feed.TopicName, idx int) {
		msg, err := f.pub.GetMsg(topic, idx)
		assert.NoError(t, err)
		msgs = append(msgs, msg)
	}
	get(feed.NewOfferTopic, 0)
	get(feed.NewOfferTopic, 1)
	get(feed.NewOfferTopic, 2)
	get(feed.PartialRefundTopic, 0)
	get(feed.AuctionEndedTopic, 0)
	return msgs
}

func TestValidateAuditRecord_NewOffer(t *testing.T) {
	f := newAuditFixture(t)
	msg, err := f.pub.GetMsg(feed.NewOfferTopic, 1)
	assert.NoError(t, err)
	pemStr := publicKeyPEM(t, &f.key.PublicKey)

	result, err := ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: pemStr, Bid: &f.bids[1]})
	assert.NoError(t, err)
	check.True(t, result.IsValid())
	check.Equal(t, core.Identity("bob"), result.Record.Subject)

	result, err = ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: pemStr, Bid: &f.bids[0]})
	assert.NoError(t, err)
	check.True(t, result.SignatureValid)
	check.False(t, result.CommitmentValid)
}

func TestValidateAuditRecord_Settlement(t *testing.T) {
	f := newAuditFixture(t)
	msg, err := f.pub.GetMsg(feed.AuctionEndedTopic, 0)
	assert.NoError(t, err)
	pemStr := publicKeyPEM(t, &f.key.PublicKey)

	result, err := ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: pemStr, Settlement: f.settlement})
	assert.NoError(t, err)
	check.True(t, result.IsValid())

	tampered := *f.settlement
	tampered.Payouts = append([]core.Payout(nil), f.settlement.Payouts...)
	tampered.Payouts[0].Amount++
	result, err = ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: pemStr, Settlement: &tampered})
	assert.NoError(t, err)
	check.False(t, result.CommitmentValid)

	result, err = ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: pemStr})
	assert.NoError(t, err)
	check.True(t, result.IsValid())
}

func TestValidateAuditRecord_WrongKey(t *testing.T) {
	f := newAuditFixture(t)
	msg, err := f.pub.GetMsg(feed.NewOfferTopic, 0)
	assert.NoError(t, err)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	result, err := ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: publicKeyPEM(t, &other.PublicKey)})
	assert.NoError(t, err)
	check.False(t, result.SignatureValid)
	check.False(t, result.IsValid())

	_, err = ValidateAuditRecord(&AuditValidationInput{Message: msg, PublicKey: "not pem"})
	check.Error(t, err)
}

func TestValidateAuditTrail(t *testing.T) {
	f := newAuditFixture(t)
	pemStr := publicKeyPEM(t, &f.key.PublicKey)
	msgs := f.trail(t)

	result, err := ValidateAuditTrail(msgs, pemStr)
	assert.NoError(t, err)
	check.True(t, result.IsValid())
	check.Equal(t, 5, len(result.Records))

	// Replaying the ended record out of order breaks the sequence.
	reordered := [][]byte{msgs[0], msgs[4], msgs[1]}
	result, err = ValidateAuditTrail(reordered, pemStr)
	assert.NoError(t, err)
	check.False(t, result.SequenceValid)

	// Dropping an offer leaves the winner inconsistent with the last offer.
	result, err = ValidateAuditTrail([][]byte{msgs[0], msgs[1], msgs[4]}, pemStr)
	assert.NoError(t, err)
	check.False(t, result.SequenceValid)
}
