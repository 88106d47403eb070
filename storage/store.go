// Package storage persists protocol snapshots in pebble, one record per pool, grant,
// flash-loan bucket and ledger balance, so a diff only rewrites what changed.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/defistate/flashliquidity-go/differ"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/patcher"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrEmpty is returned by Load when nothing has been saved yet.
var ErrEmpty = errors.New("storage: no state saved")

var (
	keyHead         = []byte("m/head")
	keyRegistryMeta = []byte("r/meta")
	keyFlashMeta    = []byte("f/meta")
	keyRouterStats  = []byte("s/router")

	prefixPool    = []byte("p/")
	prefixGrant   = []byte("g/")
	prefixBucket  = []byte("f/b/")
	prefixBalance = []byte("l/")
)

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// upperBound returns the smallest key greater than every key starting with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

type head struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
}

// poolRecord keeps the registration position so pools reload in order.
type poolRecord struct {
	Index uint64               `json:"index"`
	Pool  constantproduct.View `json:"pool"`
}

// flashMeta is the flash-loan view without its buckets.
type flashMeta struct {
	Account   engine.Account  `json:"account"`
	Owner     engine.Account  `json:"owner"`
	FeeBps    uint16          `json:"feeBps"`
	Supported []engine.Asset  `json:"supported"`
	Stats     flashloan.Stats `json:"stats"`
}

// Store is a pebble-backed snapshot store. It remembers the last state written so that
// Apply can locate pool records and verify diff continuity.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	last   *snapshot.State
	logger engine.Logger
}

// Open opens (or creates) a store in dir.
func Open(dir string, logger engine.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	s := &Store{db: db, logger: logger}
	state, err := s.read()
	switch {
	case errors.Is(err, ErrEmpty):
	case err != nil:
		db.Close()
		return nil, err
	default:
		s.last = state
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the last saved state, or ErrEmpty.
func (s *Store) Load() (*snapshot.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, ErrEmpty
	}
	return s.last, nil
}

// Save replaces everything stored with state.
func (s *Store) Save(state *snapshot.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{[]byte("m/"), []byte("r/"), prefixPool, prefixGrant, []byte("f/"), []byte("s/"), prefixBalance} {
		if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
			return err
		}
	}
	w := writer{batch: b}
	w.head(state.Sequence, state.Timestamp)
	w.json(keyRegistryMeta, state.Registry.Meta)
	for i, pv := range state.Registry.Pools {
		w.pool(uint64(i), pv)
	}
	for _, g := range state.Registry.Grants {
		w.grant(g)
	}
	w.flash(state.Flash, nil)
	w.json(keyRouterStats, state.Router)
	for _, bal := range state.Ledger {
		w.balance(bal)
	}
	if w.err != nil {
		return w.err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	s.last = state
	return nil
}

// Apply writes the records touched by diff. The diff must start where the stored state ends.
func (s *Store) Apply(diff *differ.StateDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ErrEmpty
	}
	next, err := patcher.Patch(s.last, diff)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	w := writer{batch: b}
	w.head(next.Sequence, next.Timestamp)
	if diff.Registry.Meta != nil {
		w.json(keyRegistryMeta, *diff.Registry.Meta)
	}
	if len(diff.Registry.PoolAdditions) > 0 || len(diff.Registry.PoolUpdates) > 0 {
		changed := make(map[engine.PoolID]struct{})
		for _, pv := range diff.Registry.PoolAdditions {
			changed[pv.ID] = struct{}{}
		}
		for _, pv := range diff.Registry.PoolUpdates {
			changed[pv.ID] = struct{}{}
		}
		for i, pv := range next.Registry.Pools {
			if _, ok := changed[pv.ID]; ok {
				w.pool(uint64(i), pv)
			}
		}
	}
	for _, g := range diff.Registry.GrantUpdates {
		w.grant(g)
	}
	if diff.Flash != nil {
		w.flash(*diff.Flash, &s.last.Flash)
	}
	if diff.Router != nil {
		w.json(keyRouterStats, *diff.Router)
	}
	for _, bal := range diff.Ledger {
		w.balance(bal)
	}
	if w.err != nil {
		return w.err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	s.last = next
	if s.logger != nil {
		s.logger.Debug("state diff persisted", "from", diff.FromSequence, "to", diff.ToSequence)
	}
	return nil
}

// writer accumulates batch operations and keeps the first error.
type writer struct {
	batch *pebble.Batch
	err   error
}

func (w *writer) set(k, v []byte) {
	if w.err == nil {
		w.err = w.batch.Set(k, v, nil)
	}
}

func (w *writer) del(k []byte) {
	if w.err == nil {
		w.err = w.batch.Delete(k, nil)
	}
}

func (w *writer) json(k []byte, v any) {
	if w.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("storage: encode %s: %w", k, err)
		return
	}
	w.set(k, data)
}

func (w *writer) head(seq, ts uint64) {
	w.json(keyHead, head{Sequence: seq, Timestamp: ts})
}

func (w *writer) pool(index uint64, pv constantproduct.View) {
	w.json(key(prefixPool, pv.ID[:]), poolRecord{Index: index, Pool: pv})
}

func (w *writer) grant(g poolregistry.Grant) {
	k := key(prefixGrant, g.Router[:])
	if len(g.Pools) == 0 {
		w.del(k)
		return
	}
	w.json(k, g.Pools)
}

// flash writes the module metadata and every bucket. Buckets present in prev but not in v are deleted.
func (w *writer) flash(v flashloan.View, prev *flashloan.View) {
	w.json(keyFlashMeta, flashMeta{Account: v.Account, Owner: v.Owner, FeeBps: v.FeeBps, Supported: v.Supported, Stats: v.Stats})
	current := make(map[engine.Asset]struct{}, len(v.Buckets))
	for _, bucket := range v.Buckets {
		current[bucket.Asset] = struct{}{}
		w.amount(key(prefixBucket, bucket.Asset[:]), bucket.Available)
	}
	if prev == nil {
		return
	}
	for _, bucket := range prev.Buckets {
		if _, ok := current[bucket.Asset]; !ok {
			w.del(key(prefixBucket, bucket.Asset[:]))
		}
	}
}

func (w *writer) balance(b ledger.Balance) {
	w.amount(key(prefixBalance, b.Account[:], b.Asset[:]), b.Amount)
}

// amount stores a 32-byte big-endian value; zero deletes the key.
func (w *writer) amount(k []byte, v *uint256.Int) {
	if engine.IsZero(v) {
		w.del(k)
		return
	}
	raw := v.Bytes32()
	w.set(k, raw[:])
}

// read rebuilds the full state from the records on disk.
func (s *Store) read() (*snapshot.State, error) {
	state := &snapshot.State{}

	var h head
	if err := s.getJSON(keyHead, &h); err != nil {
		return nil, err
	}
	state.Sequence, state.Timestamp = h.Sequence, h.Timestamp

	if err := s.getJSON(keyRegistryMeta, &state.Registry.Meta); err != nil {
		return nil, err
	}
	var pools []poolRecord
	if err := s.scan(prefixPool, func(_, v []byte) error {
		var rec poolRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		pools = append(pools, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Index < pools[j].Index })
	state.Registry.Pools = make([]constantproduct.View, 0, len(pools))
	for _, rec := range pools {
		state.Registry.Pools = append(state.Registry.Pools, rec.Pool)
	}

	state.Registry.Grants = []poolregistry.Grant{}
	if err := s.scan(prefixGrant, func(k, v []byte) error {
		g := poolregistry.Grant{Router: common.BytesToAddress(k[len(prefixGrant):])}
		if err := json.Unmarshal(v, &g.Pools); err != nil {
			return err
		}
		state.Registry.Grants = append(state.Registry.Grants, g)
		return nil
	}); err != nil {
		return nil, err
	}

	var fm flashMeta
	if err := s.getJSON(keyFlashMeta, &fm); err != nil {
		return nil, err
	}
	state.Flash = flashloan.View{Account: fm.Account, Owner: fm.Owner, FeeBps: fm.FeeBps, Supported: fm.Supported, Stats: fm.Stats}
	if err := s.scan(prefixBucket, func(k, v []byte) error {
		state.Flash.Buckets = append(state.Flash.Buckets, flashloan.Bucket{
			Asset:     common.BytesToAddress(k[len(prefixBucket):]),
			Available: new(uint256.Int).SetBytes(v),
		})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.getJSON(keyRouterStats, &state.Router); err != nil {
		return nil, err
	}

	if err := s.scan(prefixBalance, func(k, v []byte) error {
		rest := k[len(prefixBalance):]
		state.Ledger = append(state.Ledger, ledger.Balance{
			Account: common.BytesToAddress(rest[:common.AddressLength]),
			Asset:   common.BytesToAddress(rest[common.AddressLength:]),
			Amount:  new(uint256.Int).SetBytes(v),
		})
		return nil
	}); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) getJSON(k []byte, v any) error {
	data, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		if string(k) == string(keyHead) {
			return ErrEmpty
		}
		return fmt.Errorf("storage: missing record %s", k)
	}
	if err != nil {
		return fmt.Errorf("storage: get %s: %w", k, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", k, err)
	}
	return nil
}

// scan visits every key under prefix in key order. Values are only valid during fn.
func (s *Store) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return fmt.Errorf("storage: iterate %s: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return fmt.Errorf("storage: decode %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}
