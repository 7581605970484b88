package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obelisk/message"
)

func TestBusDeliversTypedEvents(t *testing.T) {
	bus := NewBus()

	var anomalies []Anomaly
	var reconnects []Reconnected
	var dropped []RequestDropped
	require.NoError(t, bus.OnAnomaly(func(a Anomaly) { anomalies = append(anomalies, a) }))
	require.NoError(t, bus.OnReconnected(func(r Reconnected) { reconnects = append(reconnects, r) }))
	require.NoError(t, bus.OnRequestDropped(func(d RequestDropped) { dropped = append(dropped, d) }))

	bus.Report(Anomaly{Kind: WrongArity, Channel: message.ChannelCommand, Frames: 2, Expected: 3})
	bus.PublishReconnected(Reconnected{Attempt: 1, Resent: 2})
	bus.PublishDropped(RequestDropped{TxID: 9, Command: "blockchain.fetch_last_height"})

	require.Len(t, anomalies, 1)
	assert.Equal(t, 2, anomalies[0].Frames)
	require.Len(t, reconnects, 1)
	assert.Equal(t, 2, reconnects[0].Resent)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint32(9), dropped[0].TxID)
}

func TestNilBusIsSilent(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Report(Anomaly{Kind: BadTxID})
		bus.PublishReconnected(Reconnected{})
		bus.PublishDropped(RequestDropped{})
	})
}

func TestAnomalyString(t *testing.T) {
	assert.Equal(t, "block channel: got 5 frames, expected 7",
		Anomaly{Kind: WrongArity, Channel: message.ChannelBlock, Frames: 5, Expected: 7}.String())
	assert.Equal(t, `unknown command "blockchain.nope"`,
		Anomaly{Kind: UnknownCommand, Command: "blockchain.nope"}.String())
	assert.Equal(t, "bad_tx_id on command channel: boom",
		Anomaly{Kind: BadTxID, Channel: message.ChannelCommand, Err: errors.New("boom")}.String())
}
