package events

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransfer_JSONAmountIsDecimalString(t *testing.T) {
	amount, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457", 10)
	require.True(t, ok)

	tr := Transfer{
		Sender:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Recipient:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Amount:      amount,
		TxHash:      "0x01",
		BlockNumber: 1000000,
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
	}

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// Amounts beyond 53 bits must survive as strings, never as JSON numbers
	require.Equal(t, amount.String(), raw["amount"])

	var back Transfer
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, 0, back.Amount.Cmp(amount))
	require.Equal(t, tr.Sender, back.Sender)
	require.Equal(t, tr.BlockNumber, back.BlockNumber)
}

func TestTransfer_UnmarshalNormalizesAddresses(t *testing.T) {
	data := []byte(`{"sender":"0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa","recipient":"0xBBBB000000000000000000000000000000000000","amount":"42","txHash":"0x02","blockNumber":7}`)

	var tr Transfer
	require.NoError(t, json.Unmarshal(data, &tr))
	require.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tr.Sender)
	require.Equal(t, "0xbbbb000000000000000000000000000000000000", tr.Recipient)
}

func TestTransfer_UnmarshalRejectsBadAmount(t *testing.T) {
	var tr Transfer
	err := json.Unmarshal([]byte(`{"amount":"not-a-number"}`), &tr)
	require.Error(t, err)
}

func TestTransfer_Involves(t *testing.T) {
	tr := testTransfer("0x01", 1)
	require.True(t, tr.Involves("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	require.True(t, tr.Involves("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.False(t, tr.Involves("0xcccccccccccccccccccccccccccccccccccccccc"))
}
