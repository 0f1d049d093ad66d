package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Transfer is one decoded ERC-20 Transfer event.
//
// Addresses are canonicalized to lowercase hex on construction so that
// filtering and storage never have to worry about checksum casing. Amount is
// an arbitrary-precision integer; it is serialized as a decimal string, never
// as a native number, because uint256 token amounts do not fit in 53 bits.
type Transfer struct {
	// Sender is the lowercased hex address the tokens moved from
	Sender string

	// Recipient is the lowercased hex address the tokens moved to
	Recipient string

	// Amount is the raw token amount (uint256 on chain)
	Amount *big.Int

	// TxHash is the originating transaction hash; the deduplication key
	TxHash string

	// BlockNumber is the block the event was emitted in
	BlockNumber uint64

	// OccurredAt is the timestamp of the containing block (chain time)
	OccurredAt time.Time

	// RecordedAt is when the indexer persisted the event (set by the store)
	RecordedAt time.Time
}

// transferJSON is the wire representation of a Transfer
type transferJSON struct {
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	OccurredAt  time.Time `json:"occurredAt"`
	RecordedAt  time.Time `json:"recordedAt,omitzero"`
}

// MarshalJSON serializes the transfer with the amount as a decimal string
func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{
		Sender:      t.Sender,
		Recipient:   t.Recipient,
		Amount:      t.AmountString(),
		TxHash:      t.TxHash,
		BlockNumber: t.BlockNumber,
		OccurredAt:  t.OccurredAt,
		RecordedAt:  t.RecordedAt,
	})
}

// UnmarshalJSON parses the wire representation back into a Transfer
func (t *Transfer) UnmarshalJSON(data []byte) error {
	var w transferJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	amount := new(big.Int)
	if w.Amount != "" {
		if _, ok := amount.SetString(w.Amount, 10); !ok {
			return fmt.Errorf("invalid amount %q", w.Amount)
		}
	}

	t.Sender = NormalizeAddress(w.Sender)
	t.Recipient = NormalizeAddress(w.Recipient)
	t.Amount = amount
	t.TxHash = w.TxHash
	t.BlockNumber = w.BlockNumber
	t.OccurredAt = w.OccurredAt
	t.RecordedAt = w.RecordedAt
	return nil
}

// AmountString returns the amount as a decimal string ("0" when unset)
func (t Transfer) AmountString() string {
	if t.Amount == nil {
		return "0"
	}
	return t.Amount.String()
}

// Involves reports whether the given lowercased address is the sender or
// recipient of this transfer
func (t Transfer) Involves(address string) bool {
	return address == t.Sender || address == t.Recipient
}

// NormalizeAddress lowercases a chain address for comparison and storage
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
