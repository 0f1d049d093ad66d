package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the transfer event table plus the indexes the query paths rely
// on: the primary key absorbs duplicate transaction hashes, block_number
// serves range scans, sender/recipient serve equality filters.
//
// Amounts are NUMERIC(78,0): wide enough for any uint256 value without
// rounding.
const schema = `
CREATE TABLE IF NOT EXISTS transfer_events (
    transaction_hash TEXT PRIMARY KEY,
    sender           TEXT NOT NULL,
    recipient        TEXT NOT NULL,
    amount           NUMERIC(78,0) NOT NULL,
    block_number     BIGINT NOT NULL,
    occurred_at      TIMESTAMPTZ NOT NULL,
    recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transfer_events_block_number
    ON transfer_events (block_number DESC);
CREATE INDEX IF NOT EXISTS idx_transfer_events_sender
    ON transfer_events (sender);
CREATE INDEX IF NOT EXISTS idx_transfer_events_recipient
    ON transfer_events (recipient);
`

// Migrate applies the schema. Every statement is IF NOT EXISTS so running it
// on every process start is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
