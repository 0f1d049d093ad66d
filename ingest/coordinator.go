package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
	"github.com/transferwatch/indexer-go/fetch"
	"github.com/transferwatch/indexer-go/internal/metrics"
	"github.com/transferwatch/indexer-go/storage"
)

// State describes what the coordinator is currently doing
type State int32

const (
	StateIdle State = iota
	StateBackfilling
	StateLive
	StateStopped
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Chain is the subset of RPC operations the coordinator needs
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Fetcher retrieves and decodes transfer events for block ranges
type Fetcher interface {
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]events.Transfer, error)
	Query(fromBlock, toBlock *big.Int) ethereum.FilterQuery
}

// Store is the subset of persistence operations the coordinator needs
type Store interface {
	Insert(ctx context.Context, t events.Transfer) (bool, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Publisher receives transfers as they are persisted from the live stream
type Publisher interface {
	Publish(t events.Transfer) bool
}

// Config holds coordinator configuration
type Config struct {
	// StartBlock is the configured backfill origin; zero means unset
	StartBlock uint64

	// ChunkSize caps the span of each backfill log query. Defaults to
	// fetch.MaxBlockRange, which is also its upper bound.
	ChunkSize uint64

	// LiveBuffer is the capacity of the live log channel. Defaults to 256.
	LiveBuffer int

	// ResubscribeDelay is the pause before redialing a dropped live
	// subscription. Defaults to 5s.
	ResubscribeDelay time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChunkSize == 0 || out.ChunkSize > fetch.MaxBlockRange {
		out.ChunkSize = fetch.MaxBlockRange
	}
	if out.LiveBuffer <= 0 {
		out.LiveBuffer = 256
	}
	if out.ResubscribeDelay <= 0 {
		out.ResubscribeDelay = 5 * time.Second
	}
	return out
}

// Coordinator drives the ingestion pipeline: it backfills the gap between the
// last persisted block and the chain head, then follows the live log stream.
// All writes funnel through one goroutine, so ordering within the pipeline is
// deterministic.
type Coordinator struct {
	chain   Chain
	fetcher Fetcher
	store   Store
	bus     Publisher
	config  Config
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator. The bus may be nil when no live
// fan-out is wanted.
func NewCoordinator(chain Chain, fetcher Fetcher, store Store, bus Publisher, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		chain:   chain,
		fetcher: fetcher,
		store:   store,
		bus:     bus,
		config:  cfg.withDefaults(),
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the coordinator's current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop cancels a running coordinator. Safe to call multiple times and from
// any goroutine.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the pipeline: resume-point resolution, chunked backfill, then
// the live subscription loop. It blocks until the context is cancelled or the
// live stream fails beyond recovery.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()
	defer c.setState(StateStopped)

	from, backfill, err := c.resumePoint(ctx)
	if err != nil {
		return err
	}

	if backfill {
		c.setState(StateBackfilling)
		if err := c.backfill(ctx, from); err != nil {
			return err
		}
	} else {
		c.logger.Info("no start block configured and store is empty, skipping backfill")
	}

	c.setState(StateLive)
	return c.followLive(ctx)
}

// resumePoint decides where backfill starts. With both a stored high-water
// mark and a configured start block, the later of the two wins: the stored
// mark means everything below it is already persisted, and the configured
// start means nothing older is wanted.
func (c *Coordinator) resumePoint(ctx context.Context) (uint64, bool, error) {
	lastSaved, err := c.store.LatestBlock(ctx)
	switch {
	case err == nil:
		from := lastSaved
		if c.config.StartBlock > from {
			from = c.config.StartBlock
		}
		c.logger.Info("resuming from stored progress",
			zap.Uint64("last_saved_block", lastSaved),
			zap.Uint64("configured_start", c.config.StartBlock),
			zap.Uint64("resume_block", from))
		return from, true, nil

	case errors.Is(err, storage.ErrNotFound):
		if c.config.StartBlock > 0 {
			return c.config.StartBlock, true, nil
		}
		return 0, false, nil

	default:
		return 0, false, fmt.Errorf("failed to resolve resume point: %w", err)
	}
}

// backfill walks [from, head] in chunks. The head is captured once; blocks
// minted during backfill arrive through the live subscription, and the
// idempotent insert absorbs any overlap between the two paths.
func (c *Coordinator) backfill(ctx context.Context, from uint64) error {
	head, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}

	if from > head {
		c.logger.Info("store is ahead of chain head, nothing to backfill",
			zap.Uint64("from", from),
			zap.Uint64("head", head))
		return nil
	}

	c.logger.Info("starting backfill",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", head),
		zap.Uint64("chunk_size", c.config.ChunkSize))

	var total int
	for chunkStart := from; chunkStart <= head; chunkStart += c.config.ChunkSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunkEnd := chunkStart + c.config.ChunkSize - 1
		if chunkEnd > head {
			chunkEnd = head
		}

		transfers, err := c.fetcher.FetchRange(ctx, chunkStart, chunkEnd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// One bad chunk does not abort the backfill; the gap is
			// recoverable on the next restart since progress only
			// advances through persisted blocks.
			metrics.BackfillChunkFailures.Inc()
			c.logger.Error("failed to fetch chunk, skipping",
				zap.Uint64("from_block", chunkStart),
				zap.Uint64("to_block", chunkEnd),
				zap.Error(err))
			continue
		}

		inserted, failed := 0, 0
		for _, t := range transfers {
			ok, err := c.store.Insert(ctx, t)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A failed write loses this event but not the pipeline;
				// the restart backfill picks it up again since progress
				// only advances through persisted blocks.
				failed++
				metrics.PersistFailures.Inc()
				c.logger.Error("failed to persist transfer, skipping",
					zap.String("tx_hash", t.TxHash),
					zap.Uint64("block_number", t.BlockNumber),
					zap.Error(err))
				continue
			}
			if ok {
				inserted++
			}
		}
		total += inserted
		metrics.EventsIngested.WithLabelValues("backfill").Add(float64(inserted))
		metrics.DuplicatesSkipped.Add(float64(len(transfers) - inserted - failed))

		c.logger.Debug("backfilled chunk",
			zap.Uint64("from_block", chunkStart),
			zap.Uint64("to_block", chunkEnd),
			zap.Int("fetched", len(transfers)),
			zap.Int("inserted", inserted))
	}

	c.logger.Info("backfill complete",
		zap.Uint64("head", head),
		zap.Int("events_inserted", total))
	return nil
}

// followLive consumes the streaming log subscription, redialing on
// subscription errors until the context is cancelled
func (c *Coordinator) followLive(ctx context.Context) error {
	for {
		err := c.consumeSubscription(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("live subscription dropped, reconnecting",
			zap.Duration("delay", c.config.ResubscribeDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ResubscribeDelay):
		}
	}
}

func (c *Coordinator) consumeSubscription(ctx context.Context) error {
	ch := make(chan types.Log, c.config.LiveBuffer)
	sub, err := c.chain.SubscribeLogs(ctx, c.fetcher.Query(nil, nil), ch)
	if err != nil {
		return fmt.Errorf("failed to open log subscription: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("following live transfer events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-ch:
			if err := c.handleLiveLog(ctx, lg); err != nil {
				return err
			}
		}
	}
}

// handleLiveLog persists one streamed log and fans it out. Only a newly
// written row is published, so a live event that the backfill tail already
// persisted is not delivered twice.
func (c *Coordinator) handleLiveLog(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		c.logger.Warn("ignoring removed log from chain reorg",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Uint64("block_number", lg.BlockNumber))
		return nil
	}

	header, err := c.chain.HeaderByNumber(ctx, lg.BlockNumber)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("failed to fetch header for live event, skipping",
			zap.Uint64("block_number", lg.BlockNumber),
			zap.Error(err))
		return nil
	}

	transfer, err := fetch.DecodeTransferLog(lg, time.Unix(int64(header.Time), 0).UTC())
	if err != nil {
		c.logger.Warn("skipping undecodable live log",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Error(err))
		return nil
	}

	inserted, err := c.store.Insert(ctx, transfer)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.PersistFailures.Inc()
		c.logger.Error("failed to persist live transfer, skipping",
			zap.String("tx_hash", transfer.TxHash),
			zap.Uint64("block_number", transfer.BlockNumber),
			zap.Error(err))
		return nil
	}
	if !inserted {
		metrics.DuplicatesSkipped.Inc()
		return nil
	}
	metrics.EventsIngested.WithLabelValues("live").Inc()

	if c.bus != nil {
		c.bus.Publish(transfer)
	}

	c.logger.Debug("indexed live transfer",
		zap.String("tx_hash", transfer.TxHash),
		zap.Uint64("block_number", transfer.BlockNumber))
	return nil
}
