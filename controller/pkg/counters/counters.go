package counters

import (
	"sync/atomic"
)

// NewCounters initializes new counters handler. Thread safe.
func NewCounters() *Counters {

	return &Counters{
		counters: make([]uint32, errMax),
	}
}

// CounterNames returns an array of names
func CounterNames() []string {
	names := make([]string, errMax)
	var ct CounterType
	for ct = 0; ct < errMax; ct++ {
		names[ct] = ct.String()
	}
	return names
}

// CounterError is a convinence function which returns error as well as increments the counter.
func (c *Counters) CounterError(t CounterType, err error) error {

	c.IncrementCounter(t)

	return err
}

// IncrementCounter increments the counter of the given type.
func (c *Counters) IncrementCounter(t CounterType) {
	c.AddCounter(t, 1)
}

// AddCounter adds n to the counter of the given type.
func (c *Counters) AddCounter(t CounterType, n uint32) {

	if t < 0 || t >= errMax {
		t = ErrUnknownError
	}

	c.RLock()
	atomic.AddUint32(&c.counters[int(t)], n)
	c.RUnlock()
}

// GetErrorCounters returns the counters and resets them to zero
func (c *Counters) GetErrorCounters() []uint32 {

	c.Lock()
	defer c.Unlock()

	report := make([]uint32, errMax)

	for index := range c.counters {
		report[index] = atomic.SwapUint32(&c.counters[index], 0)
	}

	return report
}

// Value returns the current value of a counter without resetting it.
func (c *Counters) Value(t CounterType) uint32 {

	if t < 0 || t >= errMax {
		return 0
	}

	return atomic.LoadUint32(&c.counters[int(t)])
}
