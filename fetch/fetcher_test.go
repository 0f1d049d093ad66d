package fetch

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockChain serves canned logs and headers
type mockChain struct {
	logs        []types.Log
	headerTimes map[uint64]uint64
	headerErr   map[uint64]error

	filterCalls []ethereum.FilterQuery
	headerCalls int
}

func (m *mockChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.filterCalls = append(m.filterCalls, q)
	return m.logs, nil
}

func (m *mockChain) HeaderByNumber(_ context.Context, number uint64) (*types.Header, error) {
	m.headerCalls++
	if err := m.headerErr[number]; err != nil {
		return nil, err
	}
	return &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   m.headerTimes[number],
	}, nil
}

func transferLog(sender, recipient common.Address, amount *big.Int, txHash string, block uint64) types.Log {
	return types.Log{
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(recipient.Bytes()),
		},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		TxHash:      common.HexToHash(txHash),
		BlockNumber: block,
	}
}

var (
	testContract  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testSender    = common.HexToAddress("0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa")
	testRecipient = common.HexToAddress("0xBBbbbbBBbbbBBBbbBBbbbbBBbbbBBBbbBBbbbbBB")
)

func TestFetcher_FetchRangeDecodesLogs(t *testing.T) {
	amount, _ := new(big.Int).SetString("5000000000000000000000", 10)
	chain := &mockChain{
		logs: []types.Log{
			transferLog(testSender, testRecipient, amount, "0x01", 100),
			transferLog(testRecipient, testSender, big.NewInt(7), "0x02", 100),
			transferLog(testSender, testRecipient, big.NewInt(1), "0x03", 105),
		},
		headerTimes: map[uint64]uint64{100: 1700000000, 105: 1700000060},
	}

	f := NewFetcher(chain, testContract, zap.NewNop())
	transfers, err := f.FetchRange(context.Background(), 100, 199)
	require.NoError(t, err)
	require.Len(t, transfers, 3)

	first := transfers[0]
	require.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", first.Sender)
	require.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", first.Recipient)
	require.Equal(t, 0, first.Amount.Cmp(amount))
	require.Equal(t, uint64(100), first.BlockNumber)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), first.OccurredAt)

	// One header lookup per distinct block
	require.Equal(t, 2, chain.headerCalls)

	// The filter pins the contract and the Transfer signature
	require.Len(t, chain.filterCalls, 1)
	q := chain.filterCalls[0]
	require.Equal(t, []common.Address{testContract}, q.Addresses)
	require.Equal(t, TransferTopic, q.Topics[0][0])
	require.Equal(t, uint64(100), q.FromBlock.Uint64())
	require.Equal(t, uint64(199), q.ToBlock.Uint64())
}

func TestFetcher_FetchRangeRejectsWideSpan(t *testing.T) {
	f := NewFetcher(&mockChain{}, testContract, zap.NewNop())

	// Exactly MaxBlockRange blocks is fine
	_, err := f.FetchRange(context.Background(), 1000, 1000+MaxBlockRange-1)
	require.NoError(t, err)

	// One more is not
	_, err = f.FetchRange(context.Background(), 1000, 1000+MaxBlockRange)
	require.Error(t, err)

	// Inverted bounds are rejected
	_, err = f.FetchRange(context.Background(), 200, 100)
	require.Error(t, err)
}

func TestFetcher_FetchRangeSkipsBlocksWithoutHeaders(t *testing.T) {
	chain := &mockChain{
		logs: []types.Log{
			transferLog(testSender, testRecipient, big.NewInt(1), "0x01", 100),
			transferLog(testSender, testRecipient, big.NewInt(2), "0x02", 101),
		},
		headerTimes: map[uint64]uint64{101: 1700000060},
		headerErr:   map[uint64]error{100: fmt.Errorf("header not available")},
	}

	f := NewFetcher(chain, testContract, zap.NewNop())
	transfers, err := f.FetchRange(context.Background(), 100, 101)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, uint64(101), transfers[0].BlockNumber)
}

func TestDecodeTransferLog_Malformed(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()

	// Wrong topic count (non-indexed variant)
	lg := transferLog(testSender, testRecipient, big.NewInt(1), "0x01", 100)
	lg.Topics = lg.Topics[:2]
	_, err := DecodeTransferLog(lg, occurredAt)
	require.Error(t, err)

	// Wrong signature
	lg = transferLog(testSender, testRecipient, big.NewInt(1), "0x01", 100)
	lg.Topics[0] = common.HexToHash("0x01")
	_, err = DecodeTransferLog(lg, occurredAt)
	require.Error(t, err)

	// Truncated data
	lg = transferLog(testSender, testRecipient, big.NewInt(1), "0x01", 100)
	lg.Data = lg.Data[:16]
	_, err = DecodeTransferLog(lg, occurredAt)
	require.Error(t, err)
}
