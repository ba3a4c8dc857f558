// Package store persists auction state in a go-datastore.
//
// Each auction occupies its own key space:
//
//	/auctions/<auction_id>/state            -> record (snapshot without bids)
//	/auctions/<auction_id>/bids/<sequence>  -> core.Bid
//	/auctions/<auction_id>/vault            -> escrow.State
//
// Bids are append-only, so a commit writes the state record plus only the
// bids appended since the previous commit, in one batch.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	golog "github.com/ipfs/go-log/v2"

	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 50
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("auction/store")

	// ErrNotFound indicates the requested auction was not found.
	ErrNotFound = errors.New("auction not found")

	// ErrCorrupt indicates the persisted bids do not match the state record.
	ErrCorrupt = errors.New("persisted auction is inconsistent")

	// dsPrefix is the prefix for auctions.
	// Structure: /auctions/<auction_id>/... -> ...
	dsPrefix = ds.NewKey("/auctions")

	stateKey = "state"
	bidsKey  = "bids"
	vaultKey = "vault"
)

// record is the persisted state of an auction. The bid sequence is stored
// under separate keys; BidCount says how many of them belong to this state.
type record struct {
	State    core.Snapshot `cbor:"state"`
	BidCount int           `cbor:"bid_count"`
}

// Store is a core.Journal backed by a batching datastore.
type Store struct {
	store ds.Batching
	enc   cbor.EncMode

	lk sync.Mutex
	// persisted tracks how many bids of each auction are already stored.
	persisted map[string]int
}

var _ core.Journal = (*Store)(nil)

// New returns a Store over an existing datastore.
func New(store ds.Batching) (*Store, error) {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor encoder: %v", err)
	}
	return &Store{
		store:     store,
		enc:       enc,
		persisted: make(map[string]int),
	}, nil
}

// Open returns a Store on a leveldb datastore at path. An empty path opens
// a thread-safe in-memory datastore.
func Open(path string) (*Store, error) {
	if path == "" {
		log.Warn("no datastore path configured, auction state will not survive restarts")
		return New(dssync.MutexWrap(ds.NewMapDatastore()))
	}
	store, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb datastore at %s: %v", path, err)
	}
	log.Infof("opened leveldb datastore at %s", path)
	return New(store)
}

// Close closes the underlying datastore.
func (s *Store) Close() error {
	return s.store.Close()
}

// Commit persists the snapshot and any bids appended since the last commit.
func (s *Store) Commit(ctx context.Context, snap core.Snapshot) error {
	if snap.ID == "" {
		return errors.New("auction id is empty")
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	from, ok := s.persisted[snap.ID]
	if !ok {
		rec, err := s.getRecord(ctx, snap.ID)
		if errors.Is(err, ErrNotFound) {
			from = 0
		} else if err != nil {
			return err
		} else {
			from = rec.BidCount
		}
	}
	if from > len(snap.Bids) {
		return fmt.Errorf("%w: %d bids stored, snapshot has %d", ErrCorrupt, from, len(snap.Bids))
	}

	rec := record{State: snap, BidCount: len(snap.Bids)}
	rec.State.Bids = nil
	val, err := s.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding state: %v", err)
	}

	batch, err := s.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	for i := from; i < len(snap.Bids); i++ {
		bid, err := s.enc.Marshal(snap.Bids[i])
		if err != nil {
			return fmt.Errorf("encoding bid %s: %v", snap.Bids[i].ID, err)
		}
		if err := batch.Put(ctx, bidKey(snap.ID, i), bid); err != nil {
			return fmt.Errorf("putting bid: %v", err)
		}
	}
	if err := batch.Put(ctx, dsPrefix.ChildString(snap.ID).ChildString(stateKey), val); err != nil {
		return fmt.Errorf("putting state: %v", err)
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}

	s.persisted[snap.ID] = len(snap.Bids)
	log.Debugf("committed auction %s (%d new bids, ended=%t)", snap.ID, len(snap.Bids)-from, snap.Ended)
	return nil
}

// Load returns the last committed snapshot of an auction.
func (s *Store) Load(ctx context.Context, id string) (core.Snapshot, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return core.Snapshot{}, err
	}

	bids, err := s.queryBids(ctx, id, 0, 0)
	if err != nil {
		return core.Snapshot{}, err
	}
	if len(bids) < rec.BidCount {
		return core.Snapshot{}, fmt.Errorf("%w: state references %d bids, found %d", ErrCorrupt, rec.BidCount, len(bids))
	}

	snap := rec.State
	if rec.BidCount > 0 {
		snap.Bids = bids[:rec.BidCount]
	}
	if snap.Participants == nil {
		snap.Participants = make(map[core.Identity]core.Participant)
	}

	s.lk.Lock()
	s.persisted[id] = rec.BidCount
	s.lk.Unlock()

	return snap, nil
}

// Query is used to page through an auction's bids.
type Query struct {
	Offset int
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// ListBids returns a page of an auction's persisted bids in insertion order.
func (s *Store) ListBids(ctx context.Context, id string, query Query) ([]core.Bid, error) {
	query = query.setDefaults()
	if _, err := s.getRecord(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.queryBids(ctx, id, query.Offset, query.Limit)
	if err != nil {
		return nil, err
	}
	log.Debugf("listed %d bids of auction %s", len(list), id)
	return list, nil
}

// ListAuctions returns the ids of all stored auctions.
func (s *Store) ListAuctions(ctx context.Context) ([]string, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix:   dsPrefix.String(),
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying auctions: %v", err)
	}
	defer func() { _ = results.Close() }()

	var ids []string
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		key := ds.NewKey(res.Key)
		if key.Name() != stateKey {
			continue
		}
		ids = append(ids, key.Parent().Name())
	}
	return ids, nil
}

// SaveVault persists the balances of the vault backing an auction.
func (s *Store) SaveVault(ctx context.Context, id string, state escrow.State) error {
	if id == "" {
		return errors.New("auction id is empty")
	}
	val, err := s.enc.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding vault: %v", err)
	}
	if err := s.store.Put(ctx, dsPrefix.ChildString(id).ChildString(vaultKey), val); err != nil {
		return fmt.Errorf("putting vault: %v", err)
	}
	return nil
}

// LoadVault returns the persisted vault balances of an auction.
func (s *Store) LoadVault(ctx context.Context, id string) (escrow.State, error) {
	val, err := s.store.Get(ctx, dsPrefix.ChildString(id).ChildString(vaultKey))
	if errors.Is(err, ds.ErrNotFound) {
		return escrow.State{}, ErrNotFound
	} else if err != nil {
		return escrow.State{}, fmt.Errorf("getting vault: %v", err)
	}
	var state escrow.State
	if err := cbor.Unmarshal(val, &state); err != nil {
		return escrow.State{}, fmt.Errorf("decoding vault: %v", err)
	}
	return state, nil
}

// VaultLedger returns an escrow.Ledger saving to the vault key of id.
func (s *Store) VaultLedger(id string) escrow.Ledger {
	return vaultLedger{store: s, id: id}
}

type vaultLedger struct {
	store *Store
	id    string
}

func (l vaultLedger) SaveVault(ctx context.Context, state escrow.State) error {
	return l.store.SaveVault(ctx, l.id, state)
}

func (s *Store) getRecord(ctx context.Context, id string) (*record, error) {
	val, err := s.store.Get(ctx, dsPrefix.ChildString(id).ChildString(stateKey))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting key: %v", err)
	}
	var rec record
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding state: %v", err)
	}
	return &rec, nil
}

func (s *Store) queryBids(ctx context.Context, id string, offset, limit int) ([]core.Bid, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix: dsPrefix.ChildString(id).ChildString(bidsKey).String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying bids: %v", err)
	}
	defer func() { _ = results.Close() }()

	var bids []core.Bid
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		var bid core.Bid
		if err := cbor.Unmarshal(res.Value, &bid); err != nil {
			return nil, fmt.Errorf("decoding bid %s: %v", res.Key, err)
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

// bidKey orders bids by sequence number; zero padding keeps key order
// equal to insertion order.
func bidKey(id string, seq int) ds.Key {
	return dsPrefix.ChildString(id).ChildString(bidsKey).ChildString(fmt.Sprintf("%020d", seq))
}
