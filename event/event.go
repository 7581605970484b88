// Package event publishes what the engine detects but does not raise: malformed
// frame sequences, replies nobody is waiting for, reconnects and dropped requests.
//
// Everything the engine tolerates is still observable here, so collaborators can
// count, alert or assert on it without scraping logs.
package event

import (
	"fmt"

	evbus "github.com/asaskevich/EventBus"

	"obelisk/message"
)

// Topics on the bus.
const (
	TopicAnomaly        = "obelisk:anomaly"
	TopicReconnected    = "obelisk:reconnected"
	TopicRequestDropped = "obelisk:request_dropped"
)

// Kind classifies an anomaly.
type Kind string

const (
	WrongArity         Kind = "wrong_arity"
	BadTxID            Kind = "bad_tx_id"
	ShortTxCount       Kind = "short_tx_count"
	UnknownCommand     Kind = "unknown_command"
	UnknownCorrelation Kind = "unknown_correlation"
	DecodeFailed       Kind = "decode_failed"
)

// Anomaly is one tolerated protocol fault.
type Anomaly struct {
	Kind     Kind
	Channel  message.Channel
	Command  string // set for dispatcher anomalies
	TxID     uint32 // set for correlation anomalies
	Frames   int    // frames received, for framing anomalies
	Expected int    // frames the channel's arity rule required
	Err      error
}

func (a Anomaly) String() string {
	switch a.Kind {
	case WrongArity:
		return fmt.Sprintf("%s channel: got %d frames, expected %d", a.Channel, a.Frames, a.Expected)
	case UnknownCommand:
		return fmt.Sprintf("unknown command %q", a.Command)
	case UnknownCorrelation:
		return fmt.Sprintf("no pending request for tx id %d (%s)", a.TxID, a.Command)
	}
	if a.Err != nil {
		return fmt.Sprintf("%s on %s channel: %v", a.Kind, a.Channel, a.Err)
	}
	return fmt.Sprintf("%s on %s channel", a.Kind, a.Channel)
}

// Reconnected is published after the query socket has been rebuilt.
type Reconnected struct {
	Attempt      int // consecutive reconnects without a reply in between
	Resent       int // pending requests resent with fresh ids
	Resubscribed int // address callbacks re-armed
}

// RequestDropped is published when a pending request is abandoned because the
// reconnect policy gave up.
type RequestDropped struct {
	TxID    uint32
	Command string
	Err     error
}

// Bus is a typed facade over an EventBus. Publishing is synchronous: handlers
// run on the goroutine that detected the event and must not block.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// Report publishes an anomaly. Safe on a nil Bus.
func (b *Bus) Report(a Anomaly) {
	if b == nil {
		return
	}
	b.bus.Publish(TopicAnomaly, a)
}

// PublishReconnected publishes a reconnect.
func (b *Bus) PublishReconnected(r Reconnected) {
	if b == nil {
		return
	}
	b.bus.Publish(TopicReconnected, r)
}

// PublishDropped publishes an abandoned request.
func (b *Bus) PublishDropped(d RequestDropped) {
	if b == nil {
		return
	}
	b.bus.Publish(TopicRequestDropped, d)
}

// OnAnomaly registers fn for every anomaly.
func (b *Bus) OnAnomaly(fn func(Anomaly)) error {
	return b.bus.Subscribe(TopicAnomaly, fn)
}

// OnReconnected registers fn for every reconnect.
func (b *Bus) OnReconnected(fn func(Reconnected)) error {
	return b.bus.Subscribe(TopicReconnected, fn)
}

// OnRequestDropped registers fn for every abandoned request.
func (b *Bus) OnRequestDropped(fn func(RequestDropped)) error {
	return b.bus.Subscribe(TopicRequestDropped, fn)
}
