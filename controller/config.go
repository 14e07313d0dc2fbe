package controller

import (
	"time"

	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/transport"
)

// config specifies all configurations accepted by the manager.
type config struct {
	// Completion timeouts.
	requestTimeout    time.Duration
	rangeAllowance    time.Duration
	activateAllowance time.Duration

	// Device capacity.
	maxRangeFilters int
	firstUniqueID   uint32

	counters *counters.Counters
	observer transport.Observer
}

// Option is provided using functional arguments.
type Option func(*config)

// OptionRequestTimeout sets the base completion timeout of every request.
func OptionRequestTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.requestTimeout = d
	}
}

// OptionRangeAllowance sets the extra completion time given per range
// filter entry.
func OptionRangeAllowance(d time.Duration) Option {
	return func(cfg *config) {
		cfg.rangeAllowance = d
	}
}

// OptionActivateAllowance sets the extra completion time given per rule
// instance when activating a ruleset.
func OptionActivateAllowance(d time.Duration) Option {
	return func(cfg *config) {
		cfg.activateAllowance = d
	}
}

// OptionMaxRangeFilters sets how many range filters one device filter set
// holds.
func OptionMaxRangeFilters(n int) Option {
	return func(cfg *config) {
		cfg.maxRangeFilters = n
	}
}

// OptionFirstUniqueID sets the first rule instance id allocated.
func OptionFirstUniqueID(id uint32) Option {
	return func(cfg *config) {
		cfg.firstUniqueID = id
	}
}

// OptionCounters sets the counters updated by the manager and its session.
func OptionCounters(c *counters.Counters) Option {
	return func(cfg *config) {
		cfg.counters = c
	}
}

// OptionObserver sets an observer of every device request, such as a
// metrics collector.
func OptionObserver(o transport.Observer) Option {
	return func(cfg *config) {
		cfg.observer = o
	}
}

func newConfig(opts ...Option) *config {

	cfg := &config{
		requestTimeout:    constants.RequestTimeout(),
		rangeAllowance:    constants.DefaultRangeAllowance,
		activateAllowance: constants.DefaultActivateAllowance,
		maxRangeFilters:   constants.MaxRangeFilters(),
		firstUniqueID:     constants.DefaultFirstUniqueID,
		counters:          counters.Default(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

func (cfg *config) transportOptions() []transport.Option {

	opts := []transport.Option{
		transport.OptionTimeout(cfg.requestTimeout),
		transport.OptionRangeAllowance(cfg.rangeAllowance),
		transport.OptionActivateAllowance(cfg.activateAllowance),
		transport.OptionCounters(cfg.counters),
	}

	if cfg.observer != nil {
		opts = append(opts, transport.OptionObserver(cfg.observer))
	}

	return opts
}
