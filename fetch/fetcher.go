package fetch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
)

// MaxBlockRange is the widest block span a single log query may cover.
// Providers cap eth_getLogs ranges; callers fetch wider spans in chunks.
const MaxBlockRange = 1000

// TransferTopic is the keccak256 hash of the ERC-20 Transfer event signature
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the subset of RPC operations the fetcher needs
type ChainReader interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

// Fetcher retrieves Transfer logs for one token contract and decodes them
// into transfer records
type Fetcher struct {
	chain    ChainReader
	contract common.Address
	logger   *zap.Logger
}

// NewFetcher creates a fetcher bound to a token contract
func NewFetcher(chain ChainReader, contract common.Address, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		chain:    chain,
		contract: contract,
		logger:   logger,
	}
}

// Query returns the log filter matching Transfer events of the contract
func (f *Fetcher) Query(fromBlock, toBlock *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{f.contract},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
}

// FetchRange fetches and decodes all Transfer events in [fromBlock, toBlock],
// both bounds inclusive. The span must not exceed MaxBlockRange. Block
// timestamps come from one header lookup per distinct block; a failed lookup
// skips that block's events rather than failing the whole range.
func (f *Fetcher) FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]events.Transfer, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid range: from %d > to %d", fromBlock, toBlock)
	}
	if span := toBlock - fromBlock + 1; span > MaxBlockRange {
		return nil, fmt.Errorf("range of %d blocks exceeds maximum of %d", span, MaxBlockRange)
	}

	query := f.Query(new(big.Int).SetUint64(fromBlock), new(big.Int).SetUint64(toBlock))
	logs, err := f.chain.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for blocks %d-%d: %w", fromBlock, toBlock, err)
	}

	transfers := make([]events.Transfer, 0, len(logs))
	timestamps := make(map[uint64]time.Time)

	for _, lg := range logs {
		occurredAt, ok := timestamps[lg.BlockNumber]
		if !ok {
			header, err := f.chain.HeaderByNumber(ctx, lg.BlockNumber)
			if err != nil {
				f.logger.Warn("failed to fetch block header, skipping its events",
					zap.Uint64("block_number", lg.BlockNumber),
					zap.Error(err))
				continue
			}
			occurredAt = time.Unix(int64(header.Time), 0).UTC()
			timestamps[lg.BlockNumber] = occurredAt
		}

		transfer, err := DecodeTransferLog(lg, occurredAt)
		if err != nil {
			f.logger.Warn("skipping undecodable log",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint64("block_number", lg.BlockNumber),
				zap.Error(err))
			continue
		}
		transfers = append(transfers, transfer)
	}

	f.logger.Debug("fetched transfer events",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", toBlock),
		zap.Int("count", len(transfers)))

	return transfers, nil
}

// DecodeTransferLog converts a raw Transfer log into a transfer record. The
// sender and recipient are indexed topics; the amount is the data payload.
func DecodeTransferLog(lg types.Log, occurredAt time.Time) (events.Transfer, error) {
	if len(lg.Topics) != 3 {
		return events.Transfer{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != TransferTopic {
		return events.Transfer{}, fmt.Errorf("unexpected event signature %s", lg.Topics[0].Hex())
	}
	if len(lg.Data) != 32 {
		return events.Transfer{}, fmt.Errorf("expected 32 bytes of data, got %d", len(lg.Data))
	}

	sender := common.BytesToAddress(lg.Topics[1].Bytes())
	recipient := common.BytesToAddress(lg.Topics[2].Bytes())

	return events.Transfer{
		Sender:      events.NormalizeAddress(sender.Hex()),
		Recipient:   events.NormalizeAddress(recipient.Hex()),
		Amount:      new(big.Int).SetBytes(lg.Data),
		TxHash:      events.NormalizeAddress(lg.TxHash.Hex()),
		BlockNumber: lg.BlockNumber,
		OccurredAt:  occurredAt,
	}, nil
}
