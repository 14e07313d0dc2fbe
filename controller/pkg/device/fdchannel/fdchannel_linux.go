// +build linux

// Package fdchannel implements a device.Channel over a message preserving
// file descriptor, such as the control node of an adapter driver or a
// SOCK_SEQPACKET socket. Each read or write carries exactly one message: a
// little-endian message id followed by the payload.
package fdchannel

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/controller/pkg/device"
	"golang.org/x/sys/unix"
)

const (
	idLength = 4

	// MaxMessage is the largest message, id included.
	MaxMessage = 64*1024 + idLength
)

// Channel exchanges messages on a file descriptor.
type Channel struct {
	fd     int
	kind   device.Kind
	buf    []byte
	closed bool

	sync.Mutex
}

// New returns a channel owning fd.
func New(fd int, kind device.Kind) *Channel {

	return &Channel{
		fd:   fd,
		kind: kind,
		buf:  make([]byte, MaxMessage),
	}
}

// Open opens a device node and returns a channel on it.
func Open(path string, kind device.Kind) (*Channel, error) {

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open device %s", path)
	}

	return New(fd, kind), nil
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

	if len(payload)+idLength > MaxMessage {
		return errors.Errorf("payload of %d bytes exceeds %d", len(payload), MaxMessage-idLength)
	}

	msg := make([]byte, idLength+len(payload))
	binary.LittleEndian.PutUint32(msg, msgID)
	copy(msg[idLength:], payload)

	for {
		n, err := unix.Write(c.fd, msg)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "unable to write message 0x%x", msgID)
		}
		if n != len(msg) {
			return errors.Errorf("short write of message 0x%x: %d of %d bytes", msgID, n, len(msg))
		}
		return nil
	}
}

// Receive implements device.Channel.
func (c *Channel) Receive(timeout time.Duration) (uint32, []byte, error) {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, nil, device.ErrClosed
	}

	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, nil, errors.Wrap(err, "unable to poll device")
		}
		if n == 0 {
			return 0, nil, device.ErrTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return 0, nil, errors.Errorf("device poll error 0x%x", fds[0].Revents)
		}

		size, err := unix.Read(c.fd, c.buf)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, nil, errors.Wrap(err, "unable to read message")
		}
		if size == 0 {
			return 0, nil, errors.New("device hung up")
		}
		if size < idLength {
			return 0, nil, errors.Errorf("message of %d bytes is too short", size)
		}

		msgID := binary.LittleEndian.Uint32(c.buf)
		return msgID, append([]byte(nil), c.buf[idLength:size]...), nil
	}
}

// Close implements device.Channel.
func (c *Channel) Close() error {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return unix.Close(c.fd)
}
