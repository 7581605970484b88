package message

import "fmt"

// ErrorCode is the status a server puts at the front of most reply payloads.
// It is data, not a Go error: callers decide what a non-zero code means.
type ErrorCode uint32

const (
	Success ErrorCode = 0

	// Codes reported by libbitcoin servers for query failures.
	ServiceStopped   ErrorCode = 1
	OperationFailed  ErrorCode = 2
	NotFound         ErrorCode = 3
	Duplicate        ErrorCode = 4
	BadStream        ErrorCode = 6
	ChannelTimeout   ErrorCode = 7
	ValidationFailed ErrorCode = 10

	// ErrMalformedReply is set by the client itself when a reply payload could
	// not be decoded by its command handler.
	ErrMalformedReply ErrorCode = 0xffffffff
)

var codeNames = map[ErrorCode]string{
	Success:           "success",
	ServiceStopped:    "service stopped",
	OperationFailed:   "operation failed",
	NotFound:          "not found",
	Duplicate:         "duplicate",
	BadStream:         "bad stream",
	ChannelTimeout:    "channel timeout",
	ValidationFailed:  "validation failed",
	ErrMalformedReply: "malformed reply",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", uint32(c))
}

// OK reports whether the code means success.
func (c ErrorCode) OK() bool {
	return c == Success
}
