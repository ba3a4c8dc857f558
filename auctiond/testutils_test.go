package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
	"github.com/cloudx-io/escrowauction/feed"
	"github.com/cloudx-io/escrowauction/feed/memfeed"
	"github.com/cloudx-io/escrowauction/identity"
	"github.com/cloudx-io/escrowauction/store"
)

var (
	epoch       = time.Unix(0, 0).UTC()
	tokenSecret = []byte("test-token-secret")
)

// MockEnclaveHandle implements the Attest method for testing
type MockEnclaveHandle struct {
	AttestFunc func(options enclave.AttestationOptions) ([]byte, error)
}

func (m *MockEnclaveHandle) Attest(options enclave.AttestationOptions) ([]byte, error) {
	return m.AttestFunc(options)
}

// CreateMockEnclave returns an attester producing a minimal Nitro-shaped
// COSE document that embeds the given user data and nonce.
func CreateMockEnclave(t *testing.T) *MockEnclaveHandle {
	t.Helper()
	return &MockEnclaveHandle{
		AttestFunc: func(options enclave.AttestationOptions) ([]byte, error) {
			nestedDoc := map[string]any{
				"module_id": "test-enclave-12345",
				"digest":    "SHA384",
				"timestamp": uint64(1234567890),
				"pcrs": map[uint64][]byte{
					0: {0x3b, 0x4c},
					1: {0x4b, 0x4d},
					2: {0x2b, 0xdd},
				},
				"certificate": []byte("test-certificate-data"),
				"cabundle":    [][]byte{[]byte("test-ca-cert")},
				"public_key":  []byte("test-public-key-data"),
				"user_data":   options.UserData,
				"nonce":       options.Nonce,
			}
			nestedBytes, err := cbor.Marshal(nestedDoc)
			if err != nil {
				return nil, err
			}
			return cbor.Marshal([]any{
				[]byte{0x01, 0x02, 0x03},
				map[string]any{},
				nestedBytes,
				[]byte{0x04, 0x05, 0x06},
			})
		},
	}
}

// toggleJournal forwards commits to a Journal until fail is set.
type toggleJournal struct {
	next core.Journal
	fail atomic.Bool
}

func (j *toggleJournal) Commit(ctx context.Context, s core.Snapshot) error {
	if j.fail.Load() {
		return errors.New("journal unavailable")
	}
	return j.next.Commit(ctx, s)
}

type testEnv struct {
	server  *Server
	vault   *escrow.Vault
	journal *toggleJournal
	clock  *core.FixedClock
	feed   *memfeed.Feed
	keys   *KeyManager
	issuer *identity.Issuer
}

const testOwner = core.Identity("owner")

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open("")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keys, err := NewKeyManager()
	assert.NoError(t, err)
	signer, err := keys.Signer()
	assert.NoError(t, err)
	pub := memfeed.New()
	auditor, err := feed.NewNotifier(pub, signer)
	assert.NoError(t, err)

	vault := escrow.NewVault()
	for _, who := range []core.Identity{"alice", "bob", "carol"} {
		assert.NoError(t, vault.Deposit(ctx, who, 1_000_000))
	}

	journal := &toggleJournal{next: st}
	a, err := core.New(ctx, "auction-1", testOwner, epoch, vault,
		core.WithJournal(journal),
		core.WithNotifier(auditor),
	)
	assert.NoError(t, err)

	resolver, err := identity.NewResolver(tokenSecret, "")
	assert.NoError(t, err)
	issuer, err := identity.NewIssuer(tokenSecret, "", 0)
	assert.NoError(t, err)

	clock := core.NewFixedClock(epoch)
	server, err := NewServer(ServerConfig{
		Auction:    a,
		Payments:   vault,
		Store:      st,
		Resolver:   resolver,
		Keys:       keys,
		Clock:      clock,
		Vault:      vault,
		MaxWorkers: 4,
	})
	assert.NoError(t, err)

	return &testEnv{
		server:  server,
		vault:   vault,
		journal: journal,
		clock:   clock,
		feed:    pub,
		keys:    keys,
		issuer:  issuer,
	}
}

func (e *testEnv) token(t *testing.T, who core.Identity) string {
	t.Helper()
	token, err := e.issuer.Issue(who, "")
	assert.NoError(t, err)
	return token
}

// call sends req through Handle and decodes the response into out.
func (e *testEnv) call(t *testing.T, req map[string]any, out any) {
	t.Helper()
	raw, err := json.Marshal(req)
	assert.NoError(t, err)
	resp := e.server.Handle(context.Background(), raw)
	data, err := json.Marshal(resp)
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(data, out))
}
