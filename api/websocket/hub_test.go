package websocket

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
)

func testTransfer(sender, recipient, hash string) events.Transfer {
	return events.Transfer{
		Sender:      sender,
		Recipient:   recipient,
		Amount:      big.NewInt(1000),
		TxHash:      hash,
		BlockNumber: 100,
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func registerTestClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	client := NewClient(hub, nil, zap.NewNop())
	select {
	case hub.register <- client:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept registration")
	}
	return client
}

func receiveEvent(t *testing.T, client *Client) events.Transfer {
	t.Helper()
	select {
	case data := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, TypeEvent, msg.Type)

		var transfer events.Transfer
		require.NoError(t, json.Unmarshal(msg.Payload, &transfer))
		return transfer
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
		return events.Transfer{}
	}
}

func requireNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case data := <-client.send:
		t.Fatalf("unexpected delivery: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func TestHub_EmptyInterestSetReceivesEverything(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)

	hub.Broadcast(testTransfer(addrA, addrB, "0x01"))
	got := receiveEvent(t, client)
	require.Equal(t, "0x01", got.TxHash)
	require.Equal(t, "1000", got.AmountString())
}

func TestHub_InterestSetFiltersBySenderOrRecipient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)
	client.setInterests([]string{addrA})

	// Matches as sender
	hub.Broadcast(testTransfer(addrA, addrB, "0x01"))
	require.Equal(t, "0x01", receiveEvent(t, client).TxHash)

	// Matches as recipient
	hub.Broadcast(testTransfer(addrC, addrA, "0x02"))
	require.Equal(t, "0x02", receiveEvent(t, client).TxHash)

	// No match
	hub.Broadcast(testTransfer(addrB, addrC, "0x03"))
	requireNoEvent(t, client)
}

func TestHub_SubscribeReplacesInterestSet(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)

	// Addresses are normalized, last request wins
	applied := client.setInterests([]string{"  0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA  ", addrA})
	require.Equal(t, []string{addrA}, applied)

	applied = client.setInterests([]string{addrB})
	require.Equal(t, []string{addrB}, applied)

	hub.Broadcast(testTransfer(addrA, addrC, "0x01"))
	requireNoEvent(t, client)

	hub.Broadcast(testTransfer(addrB, addrC, "0x02"))
	require.Equal(t, "0x02", receiveEvent(t, client).TxHash)

	// Back to empty: everything again
	client.setInterests(nil)
	hub.Broadcast(testTransfer(addrA, addrC, "0x03"))
	require.Equal(t, "0x03", receiveEvent(t, client).TxHash)
}

func TestHub_SlowClientIsDisconnected(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)

	// Fill the outbound buffer without draining it
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, client.enqueue([]byte("x")))
	}

	hub.Broadcast(testTransfer(addrA, addrB, "0x01"))

	deadline := time.After(time.Second)
	for hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("slow client was not disconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHub_RepliesDoNotPanicDuringDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)

	// Fill the outbound buffer so the next dispatch disconnects the client
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, client.enqueue([]byte("x")))
	}

	// Race the read path's replies against the hub closing the channel
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			client.handleMessage([]byte(`{"type":"subscribe","payload":{"addresses":[]}}`))
		}
	}()

	hub.Broadcast(testTransfer(addrA, addrB, "0x01"))
	<-done

	deadline := time.After(time.Second)
	for hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client was not disconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Enqueue after the channel is closed reports failure instead of
	// panicking
	require.False(t, client.enqueue([]byte("y")))
}

func TestHub_UnregisterAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	client := registerTestClient(t, hub)
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.requestUnregister(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unregister blocked after hub stop")
	}
}

func TestHub_HandleSubscribeMessage(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(t, hub)

	client.handleMessage([]byte(`{"type":"subscribe","payload":{"addresses":["0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa"]}}`))

	select {
	case data := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, TypeSubscribed, msg.Type)

		var ack SubscribedPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &ack))
		require.Equal(t, []string{addrA}, ack.Addresses)
	case <-time.After(time.Second):
		t.Fatal("no subscribe acknowledgement")
	}

	// Unknown types are answered with an error, not a disconnect
	client.handleMessage([]byte(`{"type":"bogus"}`))
	select {
	case data := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, TypeError, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("no error reply")
	}
}

func TestServer_BridgesBusIntoHub(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	server := NewServer(bus, zap.NewNop())
	defer server.Stop()

	client := registerTestClient(t, server.Hub())

	require.True(t, bus.Publish(testTransfer(addrA, addrB, "0x01")))
	require.Equal(t, "0x01", receiveEvent(t, client).TxHash)
}
