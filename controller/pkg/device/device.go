// Package device defines the message channel to a capture adapter's filter
// co-processor and the device kinds a channel can lead to.
package device

import (
	"errors"
	"time"
)

// Kind is the family of a filter device.
type Kind int

const (
	// KindIPF is the IP filter co-processor family.
	KindIPF Kind = iota
	// KindLegacy is the previous generation of adapters. It is recognized but
	// has no filter protocol.
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindIPF:
		return "ipf"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned by Receive when no message arrived in time.
	ErrTimeout = errors.New("receive timed out")
	// ErrClosed is returned once the channel is closed.
	ErrClosed = errors.New("channel closed")
)

// Channel is a bidirectional, message oriented, ordered channel to one
// device. It is not safe for concurrent use.
type Channel interface {
	// Send queues one message.
	Send(msgID uint32, payload []byte) error

	// Receive waits up to timeout for the next message.
	Receive(timeout time.Duration) (uint32, []byte, error)

	// Kind returns the family of the device behind the channel.
	Kind() Kind

	// Close releases the channel.
	Close() error
}
