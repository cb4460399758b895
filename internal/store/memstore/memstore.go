// Package memstore is a stdlib-only, in-memory TransactionStore and
// SnapshotStore used by unit tests and local development so the engine
// doesn't require a live Postgres/Redis to exercise (see DESIGN.md:
// it is built on the standard library rather than a pack dependency,
// because what it needs — a map guarded by a mutex — has no
// third-party equivalent worth reaching for).
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/sandiprb/userbase/internal/store"
	"github.com/sandiprb/userbase/internal/wire"
)

// Store is a process-local TransactionStore + SnapshotStore.
type Store struct {
	mu      sync.Mutex
	txByDB  map[string]map[int64]wire.Transaction
	bundles map[string]map[int64][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		txByDB:  make(map[string]map[int64]wire.Transaction),
		bundles: make(map[string]map[int64][]byte),
	}
}

// Seed inserts a record unconditionally, bypassing the uniqueness
// check — useful for test fixtures.
func (s *Store) Seed(record wire.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(record)
}

// SeedBundle registers a snapshot blob for GetBundle.
func (s *Store) SeedBundle(databaseID string, bundleSeqNo int64, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundles[databaseID] == nil {
		s.bundles[databaseID] = make(map[int64][]byte)
	}
	s.bundles[databaseID][bundleSeqNo] = blob
}

func (s *Store) put(record wire.Transaction) {
	if s.txByDB[record.DatabaseID] == nil {
		s.txByDB[record.DatabaseID] = make(map[int64]wire.Transaction)
	}
	s.txByDB[record.DatabaseID][record.SequenceNo] = record
}

// QueryAfter implements store.TransactionStore.
func (s *Store) QueryAfter(_ context.Context, databaseID string, afterSeqNo int64, cursor string, pageSize int) ([]wire.Transaction, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", err
		}
		offset = parsed
	}

	byDB := s.txByDB[databaseID]
	seqNos := make([]int64, 0, len(byDB))
	for seq, tx := range byDB {
		if tx.SequenceNo > afterSeqNo {
			seqNos = append(seqNos, seq)
		}
	}
	sort.Slice(seqNos, func(i, j int) bool { return seqNos[i] < seqNos[j] })

	if offset >= len(seqNos) {
		return nil, "", nil
	}
	end := offset + pageSize
	if end > len(seqNos) {
		end = len(seqNos)
	}

	page := make([]wire.Transaction, 0, end-offset)
	for _, seq := range seqNos[offset:end] {
		page = append(page, byDB[seq])
	}

	nextCursor := ""
	if end < len(seqNos) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

// PutIfAbsent implements store.TransactionStore.
func (s *Store) PutIfAbsent(_ context.Context, record wire.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byDB, ok := s.txByDB[record.DatabaseID]; ok {
		if _, exists := byDB[record.SequenceNo]; exists {
			return store.ErrSlotTaken
		}
	}
	s.put(record)
	return nil
}

// Get implements store.TransactionStore.
func (s *Store) Get(_ context.Context, databaseID string, sequenceNo int64) (wire.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDB, ok := s.txByDB[databaseID]
	if !ok {
		return wire.Transaction{}, store.ErrRecordNotFound
	}
	tx, ok := byDB[sequenceNo]
	if !ok {
		return wire.Transaction{}, store.ErrRecordNotFound
	}
	return tx, nil
}

// GetBundle implements store.SnapshotStore.
func (s *Store) GetBundle(_ context.Context, databaseID string, bundleSeqNo int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundles[databaseID][bundleSeqNo], nil
}
