package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/transferwatch/indexer-go/events"
)

// MemoryStore is an in-memory Store with the same semantics as the Postgres
// implementation. It backs tests and lets the pipeline run without a
// database.
type MemoryStore struct {
	mu      sync.RWMutex
	byHash  map[string]events.Transfer
	ordered []events.Transfer // block DESC, tx hash ASC
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]events.Transfer)}
}

// Insert persists a transfer unless its transaction hash already exists
func (s *MemoryStore) Insert(_ context.Context, t events.Transfer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[t.TxHash]; exists {
		return false, nil
	}

	t.Sender = events.NormalizeAddress(t.Sender)
	t.Recipient = events.NormalizeAddress(t.Recipient)
	if t.RecordedAt.IsZero() {
		t.RecordedAt = time.Now().UTC()
	}

	s.byHash[t.TxHash] = t
	s.ordered = append(s.ordered, t)
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].BlockNumber != s.ordered[j].BlockNumber {
			return s.ordered[i].BlockNumber > s.ordered[j].BlockNumber
		}
		return s.ordered[i].TxHash < s.ordered[j].TxHash
	})
	return true, nil
}

// Query returns one page of transfers matching the filter
func (s *MemoryStore) Query(_ context.Context, f Filter, p Page) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	startBlock := f.StartBlock
	if f.windowed() {
		startBlock = s.defaultStartBlock()
	}

	matched := make([]events.Transfer, 0, len(s.ordered))
	for _, t := range s.ordered {
		if f.Sender != "" && t.Sender != f.Sender {
			continue
		}
		if f.Recipient != "" && t.Recipient != f.Recipient {
			continue
		}
		if startBlock != nil && t.BlockNumber < *startBlock {
			continue
		}
		if f.EndBlock != nil && t.BlockNumber > *f.EndBlock {
			continue
		}
		matched = append(matched, t)
	}

	total := len(matched)
	offset := (p.Number - 1) * p.Size
	if offset > total {
		offset = total
	}
	end := offset + p.Size
	if end > total {
		end = total
	}

	data := make([]events.Transfer, end-offset)
	copy(data, matched[offset:end])

	return &QueryResult{
		Data: data,
		Pagination: Pagination{
			CurrentPage: p.Number,
			PageSize:    p.Size,
			TotalPages:  totalPages(total, p.Size),
			TotalItems:  total,
		},
	}, nil
}

// defaultStartBlock returns the 100th-most-recent distinct block number, or
// nil when fewer than 100 distinct blocks exist. Caller holds the lock.
func (s *MemoryStore) defaultStartBlock() *uint64 {
	seen := make(map[uint64]struct{}, len(s.ordered))
	distinct := make([]uint64, 0, len(s.ordered))
	for _, t := range s.ordered {
		if _, ok := seen[t.BlockNumber]; ok {
			continue
		}
		seen[t.BlockNumber] = struct{}{}
		distinct = append(distinct, t.BlockNumber)
	}
	if len(distinct) < defaultWindowDepth {
		return nil
	}

	sort.Slice(distinct, func(i, j int) bool { return distinct[i] > distinct[j] })
	floor := distinct[defaultWindowDepth-1]
	return &floor
}

// LatestBlock returns the maximum stored block number
func (s *MemoryStore) LatestBlock(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ordered) == 0 {
		return 0, ErrNotFound
	}
	// ordered is block DESC, so the first entry holds the max
	return s.ordered[0].BlockNumber, nil
}

// Stats returns the aggregate over all stored transfers
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := new(big.Int)
	var last *time.Time
	for _, t := range s.ordered {
		if t.Amount != nil {
			sum.Add(sum, t.Amount)
		}
		if last == nil || t.RecordedAt.After(*last) {
			recorded := t.RecordedAt
			last = &recorded
		}
	}

	return &Stats{
		TotalEvents:      int64(len(s.ordered)),
		TotalTransferred: sum.String(),
		LastEventAt:      last,
	}, nil
}
