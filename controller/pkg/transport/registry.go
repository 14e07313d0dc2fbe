package transport

import (
	"sync"

	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/device"
)

// Factory creates the transport of a device family on a channel.
type Factory func(ch device.Channel, opts ...Option) Transport

var (
	registry     = map[device.Kind]Factory{}
	registryLock sync.RWMutex
)

func init() {
	Register(device.KindIPF, func(ch device.Channel, opts ...Option) Transport {
		return NewSession(ch, opts...)
	})
}

// Register sets the factory of a device family. A nil factory unregisters
// the family.
func Register(kind device.Kind, f Factory) {

	registryLock.Lock()
	defer registryLock.Unlock()

	if f == nil {
		delete(registry, kind)
		return
	}

	registry[kind] = f
}

// New returns the transport matching the kind of the device behind ch.
func New(ch device.Channel, opts ...Option) (Transport, error) {

	registryLock.RLock()
	f, ok := registry[ch.Kind()]
	registryLock.RUnlock()

	if !ok {
		cfg := newConfig(opts...)
		return nil, cfg.counters.CounterError(counters.ErrUnsupportedDevice, common.ErrUnsupportedDevice("device kind %s", ch.Kind()))
	}

	return f(ch, opts...), nil
}
