package constants

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout is the baseline time we wait for a completion.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultRangeAllowance is added to the timeout for every range entry
	// carried by a SetPortFilterRange request.
	DefaultRangeAllowance = 2 * time.Millisecond

	// DefaultActivateAllowance is added to the timeout for every device rule
	// instance of a ruleset being activated.
	DefaultActivateAllowance = 5 * time.Millisecond

	// DefaultMaxRangeFilters is the number of range filters a single device
	// rule slot can hold per direction.
	DefaultMaxRangeFilters = 250

	// DefaultFirstUniqueID is the first host assigned rule instance id.
	DefaultFirstUniqueID = 1
)

const (
	// MinSnapLength is the smallest snap length a rule can carry.
	MinSnapLength = 24

	// DefaultSnapLength is the snap length of newly created rules.
	DefaultSnapLength = 9600

	// TagBits is the width of the rule tag copied into the packet color.
	TagBits = 14

	// FlowLabelBits is the width of the IPv6 flow label.
	FlowLabelBits = 20

	// MaxRulesPerRuleset is the number of rules a device ruleset can number
	// with its 16 bit filter ids.
	MaxRulesPerRuleset = 1 << 16

	// UnfilteredColor is the color the device stamps on packets when no
	// ruleset is active on an interface.
	UnfilteredColor = 0x3fff
)

const (
	// EnvRequestTimeout overrides DefaultRequestTimeout (Go duration syntax).
	EnvRequestTimeout = "CAPFILTER_REQUEST_TIMEOUT"

	// EnvMaxRangeFilters overrides DefaultMaxRangeFilters.
	EnvMaxRangeFilters = "CAPFILTER_MAX_RANGE_FILTERS"
)

// RequestTimeout returns the request timeout, honoring EnvRequestTimeout.
func RequestTimeout() time.Duration {

	v := os.Getenv(EnvRequestTimeout)
	if v == "" {
		return DefaultRequestTimeout
	}

	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		zap.L().Warn("Ignoring invalid request timeout override",
			zap.String("env", EnvRequestTimeout),
			zap.String("value", v),
		)
		return DefaultRequestTimeout
	}

	return d
}

// MaxRangeFilters returns the range filter capacity, honoring EnvMaxRangeFilters.
func MaxRangeFilters() int {

	v := os.Getenv(EnvMaxRangeFilters)
	if v == "" {
		return DefaultMaxRangeFilters
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 0xffff {
		zap.L().Warn("Ignoring invalid range filter capacity override",
			zap.String("env", EnvMaxRangeFilters),
			zap.String("value", v),
		)
		return DefaultMaxRangeFilters
	}

	return n
}
