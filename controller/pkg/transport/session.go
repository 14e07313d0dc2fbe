// Package transport implements the request/completion protocol of the IP
// filter co-processor on top of a device channel.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.uber.org/zap"
)

// Transport sends requests to a device and waits for their completion.
type Transport interface {
	// Send transmits the request and returns its decoded completion. A
	// non-zero device result is returned as a DeviceError.
	Send(req Request) (Completion, error)

	// Kind returns the family of the device.
	Kind() device.Kind
}

// Observer is notified of every request sent.
type Observer interface {
	ObserveRequest(op string, elapsed time.Duration, err error)
}

type config struct {
	timeout           time.Duration
	rangeAllowance    time.Duration
	activateAllowance time.Duration
	counters          *counters.Counters
	observer          Observer
}

// Option is a session option.
type Option func(*config)

// OptionTimeout sets the base completion timeout.
func OptionTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// OptionRangeAllowance sets the extra time given per range entry.
func OptionRangeAllowance(d time.Duration) Option {
	return func(c *config) {
		c.rangeAllowance = d
	}
}

// OptionActivateAllowance sets the extra time given per rule instance on
// activation.
func OptionActivateAllowance(d time.Duration) Option {
	return func(c *config) {
		c.activateAllowance = d
	}
}

// OptionCounters sets the counters updated by the session.
func OptionCounters(ctrs *counters.Counters) Option {
	return func(c *config) {
		c.counters = ctrs
	}
}

// OptionObserver sets an observer of every request.
func OptionObserver(o Observer) Option {
	return func(c *config) {
		c.observer = o
	}
}

func newConfig(opts ...Option) config {

	cfg := config{
		timeout:           constants.RequestTimeout(),
		rangeAllowance:    constants.DefaultRangeAllowance,
		activateAllowance: constants.DefaultActivateAllowance,
		counters:          counters.Default(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// Session is the transport of the IP filter device family. Requests are
// strictly sequential: one request is in flight at a time.
//
// A request that times out leaves its completion owed by the device. Before
// the next request the session discards the owed completions that already
// arrived. One arriving later than that is read as the completion of the
// next request and fails it when the operations differ.
type Session struct {
	ch  device.Channel
	cfg config

	// orphans counts the completions owed for timed out requests.
	orphans int

	sync.Mutex
}

// NewSession returns a session on ch.
func NewSession(ch device.Channel, opts ...Option) *Session {

	return &Session{
		ch:  ch,
		cfg: newConfig(opts...),
	}
}

// Kind implements Transport.
func (s *Session) Kind() device.Kind {
	return s.ch.Kind()
}

// Timeout returns the completion timeout of a request.
func (s *Session) Timeout(req Request) time.Duration {

	switch req.Op() {
	case OpSetPortFilterRange:
		return s.cfg.timeout + time.Duration(req.Entries())*s.cfg.rangeAllowance
	case OpActivateRuleset:
		return s.cfg.timeout + time.Duration(req.Entries())*s.cfg.activateAllowance
	default:
		return s.cfg.timeout
	}
}

// Send implements Transport.
func (s *Session) Send(req Request) (c Completion, err error) {

	s.Lock()
	defer s.Unlock()

	op := req.Op()
	start := time.Now()

	if s.cfg.observer != nil {
		defer func() {
			s.cfg.observer.ObserveRequest(op.String(), time.Since(start), err)
		}()
	}

	payload, err := req.MarshalBinary()
	if err != nil {
		return c, err
	}

	s.drain()

	timeout := s.Timeout(req)

	zap.L().Debug("Sending request",
		zap.String("op", op.String()),
		zap.Uint32("msgID", op.MessageID()),
		zap.Int("length", len(payload)),
		zap.Duration("timeout", timeout),
	)

	if err := s.ch.Send(op.MessageID(), payload); err != nil {
		return c, s.cfg.counters.CounterError(counters.ErrSendFailed, errors.Wrapf(err, "unable to send %s", op))
	}
	s.cfg.counters.IncrementCounter(counters.RequestsSent)

	if op == OpSetPortFilterRange {
		s.cfg.counters.AddCounter(counters.RangeEntriesSent, uint32(req.Entries()))
	}

	msgID, resp, err := s.ch.Receive(timeout)
	if err != nil {
		if errors.Cause(err) == device.ErrTimeout {
			s.orphans++
			return c, s.cfg.counters.CounterError(counters.ErrTimeout, common.ErrTimeout(fmt.Sprintf("%s after %s", op, timeout), err))
		}
		return c, s.cfg.counters.CounterError(counters.ErrReceiveFailed, errors.Wrapf(err, "unable to receive %s completion", op))
	}
	s.cfg.counters.IncrementCounter(counters.CompletionsReceived)

	if msgID != op.CompletionID() {
		return c, s.cfg.counters.CounterError(counters.ErrProtocolMismatch, common.ErrProtocolMismatch("%s: message id 0x%x, expected 0x%x", op, msgID, op.CompletionID()))
	}

	c, err = DecodeCompletion(op, resp)
	if err != nil {
		return c, s.cfg.counters.CounterError(counters.ErrProtocolMismatch, err)
	}

	if c.Result != 0 {
		return c, s.cfg.counters.CounterError(counters.ErrDeviceError, common.ErrDeviceError(op.String(), c.Result))
	}

	return c, nil
}

// drain discards the owed completions already queued on the channel.
func (s *Session) drain() {

	for s.orphans > 0 {

		msgID, _, err := s.ch.Receive(0)
		if err != nil {
			return
		}

		s.orphans--
		s.cfg.counters.IncrementCounter(counters.StaleCompletions)

		zap.L().Debug("Discarding late completion", zap.Uint32("msgID", msgID))
	}
}
