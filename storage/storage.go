package storage

import (
	"context"
	"errors"
	"time"

	"github.com/transferwatch/indexer-go/events"
)

// Common errors
var (
	// ErrNotFound is returned when no record matches (e.g. latest block of
	// an empty store)
	ErrNotFound = errors.New("not found")
)

// defaultWindowDepth is how many of the most recent distinct block numbers an
// unfiltered query spans. Queries with no sender/recipient/startBlock filter
// are floored at the 100th-most-recent distinct block so they return a
// bounded recent window instead of the full history.
const defaultWindowDepth = 100

// Filter narrows a transfer query. All fields are optional and combine with
// AND semantics. Addresses must be lowercased by the caller (the API layer
// normalizes before building a Filter).
type Filter struct {
	Sender     string
	Recipient  string
	StartBlock *uint64
	EndBlock   *uint64
}

// windowed reports whether the default recent-window floor applies
func (f Filter) windowed() bool {
	return f.Sender == "" && f.Recipient == "" && f.StartBlock == nil
}

// Page selects one page of results. Number is 1-indexed.
type Page struct {
	Number int
	Size   int
}

// Pagination describes the page returned relative to the full filtered set.
// TotalItems and TotalPages are computed from the same predicate as the page
// data, so the two are always consistent.
type Pagination struct {
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalPages  int `json:"totalPages"`
	TotalItems  int `json:"totalItems"`
}

// QueryResult is one page of transfers plus pagination metadata
type QueryResult struct {
	Data       []events.Transfer `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// Stats is the aggregate over all stored transfers. TotalTransferred is a
// decimal string; the sum of uint256 amounts routinely exceeds every native
// integer type.
type Stats struct {
	TotalEvents      int64      `json:"totalEvents"`
	TotalTransferred string     `json:"totalTransferred"`
	LastEventAt      *time.Time `json:"lastEventAt"`
}

// Store is the persistence contract for transfer events. Records are
// append-only: there is no update or delete path.
type Store interface {
	// Insert persists a transfer if its transaction hash is not already
	// present. Re-inserting an existing hash is a silent no-op; the return
	// value reports whether a new row was written.
	Insert(ctx context.Context, t events.Transfer) (bool, error)

	// Query returns one page of transfers matching the filter, ordered by
	// block number descending with transaction hash as tie-break.
	Query(ctx context.Context, f Filter, p Page) (*QueryResult, error)

	// LatestBlock returns the maximum stored block number, or ErrNotFound
	// when the store is empty.
	LatestBlock(ctx context.Context) (uint64, error)

	// Stats returns the aggregate over all stored transfers.
	Stats(ctx context.Context) (*Stats, error)
}

// totalPages computes ceil(total/pageSize)
func totalPages(total, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
