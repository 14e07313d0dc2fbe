// Package streamchannel implements a device.Channel over a stream connection.
// Each message is framed as a little-endian message id and payload length
// followed by the payload.
package streamchannel

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/controller/pkg/device"
)

const (
	headerLength = 8

	// MaxPayload is the largest payload accepted in either direction.
	MaxPayload = 64 * 1024
)

// Channel frames messages on a net.Conn.
type Channel struct {
	conn    net.Conn
	kind    device.Kind
	pending []byte
	buf     []byte
	closed  bool

	sync.Mutex
}

// New returns a channel on conn to a device of the given kind. The channel
// owns the connection.
func New(conn net.Conn, kind device.Kind) *Channel {

	return &Channel{
		conn: conn,
		kind: kind,
		buf:  make([]byte, 4096),
	}
}

// Kind implements device.Channel.
func (c *Channel) Kind() device.Kind {
	return c.kind
}

// Send implements device.Channel.
func (c *Channel) Send(msgID uint32, payload []byte) error {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return device.ErrClosed
	}

	if len(payload) > MaxPayload {
		return errors.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}

	frame := make([]byte, headerLength+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], msgID)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerLength:], payload)

	if _, err := c.conn.Write(frame); err != nil {
		return errors.Wrapf(err, "unable to write message 0x%x", msgID)
	}

	return nil
}

// Receive implements device.Channel. Bytes of a partially received frame are
// kept for the next call when the timeout expires.
func (c *Channel) Receive(timeout time.Duration) (uint32, []byte, error) {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, nil, device.ErrClosed
	}

	deadline := time.Now().Add(timeout)

	for {

		if msgID, payload, ok, err := c.frame(); err != nil || ok {
			return msgID, payload, err
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, errors.Wrap(err, "unable to set read deadline")
		}

		n, err := c.conn.Read(c.buf)
		c.pending = append(c.pending, c.buf[:n]...)

		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return 0, nil, device.ErrTimeout
			}
			return 0, nil, errors.Wrap(err, "unable to read message")
		}
	}
}

// frame extracts the first complete frame of the pending bytes.
func (c *Channel) frame() (uint32, []byte, bool, error) {

	if len(c.pending) < headerLength {
		return 0, nil, false, nil
	}

	length := binary.LittleEndian.Uint32(c.pending[4:8])
	if length > MaxPayload {
		return 0, nil, false, errors.Errorf("frame length %d exceeds %d", length, MaxPayload)
	}

	end := headerLength + int(length)
	if len(c.pending) < end {
		return 0, nil, false, nil
	}

	msgID := binary.LittleEndian.Uint32(c.pending[0:4])
	payload := append([]byte(nil), c.pending[headerLength:end]...)
	c.pending = append(c.pending[:0], c.pending[end:]...)

	return msgID, payload, true, nil
}

// Close implements device.Channel.
func (c *Channel) Close() error {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.conn.Close()
}
