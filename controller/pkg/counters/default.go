package counters

// defaultCounters are a global instance of counters.
// These are used when no counters are configured.
var defaultCounters = NewCounters()

// Default returns the global counters.
func Default() *Counters {
	return defaultCounters
}
