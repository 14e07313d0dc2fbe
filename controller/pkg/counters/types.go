package counters

import (
	"strconv"
	"sync"
)

// Counters holds one atomic counter per CounterType.
type Counters struct {
	counters []uint32

	sync.RWMutex
}

// CounterType custom counter type
type CounterType int

// WARNING: Append any new counters at the end of the list.
// DO NOT CHANGE EXISTING ORDER.
const (
	ErrUnknownError CounterType = iota

	// Requests
	RequestsSent
	CompletionsReceived
	FilterDuplicates
	RangeEntriesSent

	// Session failures
	ErrSendFailed
	ErrReceiveFailed
	ErrTimeout
	ErrProtocolMismatch
	ErrDeviceError
	ErrUnsupportedDevice

	// Lifecycle
	RulesetsDownloaded
	RulesetsActivated
	RulesetsRemoved
	ErrStaleRuleset
	ErrCleanupFailed

	// Completions of timed out requests discarded before a new request
	StaleCompletions

	errMax
)

var counterNames = map[CounterType]string{
	ErrUnknownError:      "ErrUnknownError",
	RequestsSent:         "RequestsSent",
	CompletionsReceived:  "CompletionsReceived",
	FilterDuplicates:     "FilterDuplicates",
	RangeEntriesSent:     "RangeEntriesSent",
	ErrSendFailed:        "ErrSendFailed",
	ErrReceiveFailed:     "ErrReceiveFailed",
	ErrTimeout:           "ErrTimeout",
	ErrProtocolMismatch:  "ErrProtocolMismatch",
	ErrDeviceError:       "ErrDeviceError",
	ErrUnsupportedDevice: "ErrUnsupportedDevice",
	RulesetsDownloaded:   "RulesetsDownloaded",
	RulesetsActivated:    "RulesetsActivated",
	RulesetsRemoved:      "RulesetsRemoved",
	ErrStaleRuleset:      "ErrStaleRuleset",
	ErrCleanupFailed:     "ErrCleanupFailed",
	StaleCompletions:     "StaleCompletions",
}

func (ct CounterType) String() string {

	if name, ok := counterNames[ct]; ok {
		return name
	}

	return "CounterType(" + strconv.Itoa(int(ct)) + ")"
}
