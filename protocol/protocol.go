// Package protocol reassembles transport frames into logical obelisk messages.
//
// Each channel owns one Assembler. Frames are appended until one arrives with
// more=false; the buffer is then checked against the channel's arity rule and
// either emitted as one message or dropped. Either way the buffer is reset, so no
// partial message survives a boundary.
//
//	command:     [command][tx id][payload]                          exactly 3
//	block:       [height][hash][header][count][·][hash 1]...[hash N] exactly 4+N
//	transaction: [raw tx]                                           exactly 1
//
// Malformed sequences are never returned as errors. They are logged and
// reported as event.Anomaly values, then discarded.
package protocol

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/event"
	"obelisk/message"
)

const (
	CommandFrames     = 3
	BlockFixedFrames  = 4
	TransactionFrames = 1

	txCountField = 4
	countMaxSize = 8
)

// Reporter receives anomalies. *event.Bus implements it.
type Reporter interface {
	Report(event.Anomaly)
}

// Config is shared by all assemblers.
type Config struct {
	Logger   *zap.Logger
	Reporter Reporter
	// Strict drops block notifications whose count frame is shorter than 4 bytes
	// instead of zero-padding it.
	Strict bool
}

// Assembler buffers frames for one channel. It is not safe for concurrent use;
// each socket read loop owns its assemblers.
type Assembler struct {
	channel message.Channel
	frames  [][]byte
	logger  *zap.Logger
	report  Reporter
	finish  func(frames [][]byte) *event.Anomaly
}

func newAssembler(ch message.Channel, cfg Config) *Assembler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		channel: ch,
		logger:  logger.With(zap.Stringer("channel", ch)),
		report:  cfg.Reporter,
	}
}

// Channel returns the channel this assembler serves.
func (a *Assembler) Channel() message.Channel {
	return a.channel
}

// Buffered returns how many frames are waiting for a final frame.
func (a *Assembler) Buffered() int {
	return len(a.frames)
}

// Push adds one frame. When more is false the buffered message is validated and
// emitted or dropped, and the buffer is cleared.
func (a *Assembler) Push(frame []byte, more bool) {
	a.frames = append(a.frames, frame)
	if more {
		return
	}
	frames := a.frames
	a.frames = nil

	if anomaly := a.finish(frames); anomaly != nil {
		anomaly.Channel = a.channel
		a.logger.Warn("dropped frame sequence",
			zap.String("kind", string(anomaly.Kind)),
			zap.Int("frames", anomaly.Frames),
			zap.Int("expected", anomaly.Expected),
			zap.Error(anomaly.Err),
		)
		if a.report != nil {
			a.report.Report(*anomaly)
		}
	}
}

// NewCommandAssembler emits replies from the query socket.
func NewCommandAssembler(cfg Config, onReply func(message.Reply)) *Assembler {
	a := newAssembler(message.ChannelCommand, cfg)
	a.finish = func(frames [][]byte) *event.Anomaly {
		if len(frames) != CommandFrames {
			return &event.Anomaly{Kind: event.WrongArity, Frames: len(frames), Expected: CommandFrames}
		}
		id, err := codec.DecodeTxID(frames[1])
		if err != nil {
			return &event.Anomaly{Kind: event.BadTxID, Frames: len(frames), Expected: CommandFrames, Err: err}
		}
		onReply(message.Reply{
			Command: string(frames[0]),
			TxID:    id,
			Payload: frames[2],
		})
		return nil
	}
	return a
}

// NewBlockAssembler emits block notifications.
//
// Frame 3 carries the number of trailing hash frames as a little-endian integer
// of up to 8 bytes. Its first 4 bytes are also the block's tx count; a frame
// shorter than that is left-padded with zero bytes, which shifts the value, and
// reported as ShortTxCount. Hashes are taken from frame 5 onward.
func NewBlockAssembler(cfg Config, onBlock func(message.Block)) *Assembler {
	a := newAssembler(message.ChannelBlock, cfg)
	a.finish = func(frames [][]byte) *event.Anomaly {
		if len(frames) < BlockFixedFrames {
			return &event.Anomaly{Kind: event.WrongArity, Frames: len(frames), Expected: BlockFixedFrames}
		}
		count := trailingCount(frames[3])
		if uint64(len(frames)-BlockFixedFrames) != count {
			return &event.Anomaly{Kind: event.WrongArity, Frames: len(frames), Expected: expectedBlockFrames(count)}
		}
		if len(frames[0]) < 4 {
			return &event.Anomaly{Kind: event.WrongArity, Frames: len(frames), Expected: len(frames),
				Err: codec.ErrShortBuffer}
		}

		txNum := frames[3]
		if len(txNum) < txCountField {
			short := &event.Anomaly{Kind: event.ShortTxCount, Frames: len(frames), Expected: len(frames),
				Err: codec.ErrShortBuffer}
			if cfg.Strict {
				return short
			}
			a.logger.Warn("short tx count frame, zero padding", zap.Int("length", len(txNum)))
			if a.report != nil {
				short.Channel = message.ChannelBlock
				a.report.Report(*short)
			}
			padded := make([]byte, txCountField)
			copy(padded[txCountField-len(txNum):], txNum)
			txNum = padded
		}

		var hashes [][]byte
		if len(frames) > 5 {
			hashes = frames[5:]
		}
		onBlock(message.Block{
			Height:   binary.LittleEndian.Uint32(frames[0]),
			Hash:     frames[1],
			Header:   frames[2],
			TxCount:  binary.LittleEndian.Uint32(txNum),
			TxHashes: hashes,
		})
		return nil
	}
	return a
}

// NewTransactionAssembler emits raw transaction notifications.
func NewTransactionAssembler(cfg Config, onTx func(message.Transaction)) *Assembler {
	a := newAssembler(message.ChannelTransaction, cfg)
	a.finish = func(frames [][]byte) *event.Anomaly {
		if len(frames) != TransactionFrames {
			return &event.Anomaly{Kind: event.WrongArity, Frames: len(frames), Expected: TransactionFrames}
		}
		onTx(message.Transaction{Raw: frames[0]})
		return nil
	}
	return a
}

func trailingCount(frame []byte) uint64 {
	var buf [countMaxSize]byte
	copy(buf[:], frame)
	return binary.LittleEndian.Uint64(buf[:])
}

func expectedBlockFrames(count uint64) int {
	if count > math.MaxInt32 {
		return math.MaxInt32
	}
	return BlockFixedFrames + int(count)
}
