package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
)

// PostgresStore implements Store on top of a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to the database and verifies the connection.
// Schema migration is separate (see Migrate); the caller runs it once at
// bootstrap.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migration at bootstrap
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Insert writes a transfer unless its transaction hash already exists. The
// conflict clause makes the uniqueness check and the write a single atomic
// statement, so concurrent inserts of the same hash (backfill tail racing the
// live subscription) cannot both land.
func (s *PostgresStore) Insert(ctx context.Context, t events.Transfer) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transfer_events (transaction_hash, sender, recipient, amount, block_number, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, now())
		ON CONFLICT (transaction_hash) DO NOTHING`,
		t.TxHash,
		events.NormalizeAddress(t.Sender),
		events.NormalizeAddress(t.Recipient),
		t.AmountString(),
		int64(t.BlockNumber),
		t.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transfer %s: %w", t.TxHash, err)
	}

	return tag.RowsAffected() > 0, nil
}

// Query returns one page of transfers matching the filter. The count and the
// page share one WHERE clause built from the same arguments, which keeps
// pagination metadata consistent with the returned rows.
func (s *PostgresStore) Query(ctx context.Context, f Filter, p Page) (*QueryResult, error) {
	var (
		conditions []string
		args       []any
	)

	addCondition := func(expr string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(args)))
	}

	if f.Sender != "" {
		addCondition("sender = $%d", f.Sender)
	}
	if f.Recipient != "" {
		addCondition("recipient = $%d", f.Recipient)
	}

	if f.windowed() {
		floor, err := s.defaultStartBlock(ctx)
		if err != nil {
			return nil, err
		}
		if floor != nil {
			addCondition("block_number >= $%d", int64(*floor))
		}
	} else if f.StartBlock != nil {
		addCondition("block_number >= $%d", int64(*f.StartBlock))
	}
	if f.EndBlock != nil {
		addCondition("block_number <= $%d", int64(*f.EndBlock))
	}

	whereClause := ""
	for i, cond := range conditions {
		if i == 0 {
			whereClause = " WHERE " + cond
		} else {
			whereClause += " AND " + cond
		}
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM transfer_events" + whereClause
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count transfers: %w", err)
	}

	pageQuery := fmt.Sprintf(`
		SELECT sender, recipient, amount::text, transaction_hash, block_number, occurred_at, recorded_at
		FROM transfer_events%s
		ORDER BY block_number DESC, transaction_hash ASC
		LIMIT $%d OFFSET $%d`,
		whereClause, len(args)+1, len(args)+2)
	args = append(args, p.Size, (p.Number-1)*p.Size)

	rows, err := s.pool.Query(ctx, pageQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	data := make([]events.Transfer, 0, p.Size)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		data = append(data, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

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

// scanTransfer reads one row into a Transfer
func scanTransfer(rows pgx.Rows) (events.Transfer, error) {
	var (
		t           events.Transfer
		amount      string
		blockNumber int64
	)
	if err := rows.Scan(&t.Sender, &t.Recipient, &amount, &t.TxHash, &blockNumber, &t.OccurredAt, &t.RecordedAt); err != nil {
		return events.Transfer{}, fmt.Errorf("failed to scan transfer: %w", err)
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return events.Transfer{}, fmt.Errorf("invalid amount %q for transfer %s", amount, t.TxHash)
	}
	t.Amount = value
	t.BlockNumber = uint64(blockNumber)
	return t, nil
}

// defaultStartBlock returns the 100th-most-recent distinct block number, or
// nil when fewer than 100 distinct blocks exist
func (s *PostgresStore) defaultStartBlock(ctx context.Context) (*uint64, error) {
	var blockNumber int64
	err := s.pool.QueryRow(ctx, `
		SELECT block_number
		FROM transfer_events
		GROUP BY block_number
		ORDER BY block_number DESC
		OFFSET $1
		LIMIT 1`, defaultWindowDepth-1).Scan(&blockNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve default start block: %w", err)
	}

	floor := uint64(blockNumber)
	return &floor, nil
}

// LatestBlock returns the maximum stored block number
func (s *PostgresStore) LatestBlock(ctx context.Context) (uint64, error) {
	var latest *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(block_number) FROM transfer_events`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	if latest == nil {
		return 0, ErrNotFound
	}
	return uint64(*latest), nil
}

// Stats returns the aggregate over all stored transfers. The sum is computed
// in the database as NUMERIC and returned as text, so it never passes through
// a lossy float.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var (
		stats       Stats
		lastEventAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::text, MAX(recorded_at)
		FROM transfer_events`).Scan(&stats.TotalEvents, &stats.TotalTransferred, &lastEventAt)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	stats.LastEventAt = lastEventAt
	return &stats, nil
}
