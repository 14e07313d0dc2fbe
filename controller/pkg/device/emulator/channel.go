package emulator

import (
	"sync"
	"time"

	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.uber.org/zap"
)

type message struct {
	id      uint32
	payload []byte
}

// Channel is an in-process device.Channel to an emulated device.
type Channel struct {
	dev    *Device
	kind   device.Kind
	queue  chan message
	closed bool

	sync.Mutex
}

// NewChannel returns a channel to d reporting the given kind.
func NewChannel(d *Device, kind device.Kind) *Channel {

	return &Channel{
		dev:   d,
		kind:  kind,
		queue: make(chan message, 64),
	}
}

// Kind implements device.Channel.
func (c *Channel) Kind() device.Kind {
	return c.kind
}

// Send implements device.Channel. The device handles the request before Send
// returns.
func (c *Channel) Send(msgID uint32, payload []byte) error {

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return device.ErrClosed
	}

	id, resp, ok := c.dev.Handle(msgID, append([]byte(nil), payload...))
	if !ok {
		return nil
	}

	select {
	case c.queue <- message{id: id, payload: resp}:
	default:
		zap.L().Warn("Emulator completion queue full, dropping completion", zap.Uint32("msgID", id))
	}

	return nil
}

// Receive implements device.Channel.
func (c *Channel) Receive(timeout time.Duration) (uint32, []byte, error) {

	c.Lock()
	closed := c.closed
	c.Unlock()

	if closed {
		return 0, nil, device.ErrClosed
	}

	select {
	case m := <-c.queue:
		return m.id, m.payload, nil
	default:
	}

	if timeout <= 0 {
		return 0, nil, device.ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-c.queue:
		return m.id, m.payload, nil
	case <-timer.C:
		return 0, nil, device.ErrTimeout
	}
}

// Close implements device.Channel.
func (c *Channel) Close() error {

	c.Lock()
	defer c.Unlock()

	c.closed = true

	return nil
}

// Serve answers the requests arriving on ch until it fails. It is used to
// put the device behind a real channel, such as a stream connection.
func (d *Device) Serve(ch device.Channel) error {

	for {
		msgID, payload, err := ch.Receive(time.Hour)
		if err == device.ErrTimeout {
			continue
		}
		if err != nil {
			return err
		}

		id, resp, ok := d.Handle(msgID, payload)
		if !ok {
			continue
		}

		if err := ch.Send(id, resp); err != nil {
			return err
		}
	}
}
