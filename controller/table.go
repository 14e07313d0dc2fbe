package controller

import (
	"sync"

	"go.aporeto.io/capfilter/controller/pkg/ruleset"
)

// State is the lifecycle state of a ruleset on the device.
type State int

const (
	// Unregistered rulesets were never downloaded.
	Unregistered State = iota
	// Downloaded rulesets have a device ruleset.
	Downloaded
	// Active rulesets filter the traffic of their interface.
	Active
	// Removed rulesets had their device ruleset freed.
	Removed
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Downloaded:
		return "downloaded"
	case Active:
		return "active"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// entry is the device side mapping of one ruleset.
type entry struct {
	handle      string
	deviceID    uint16
	iface       uint8
	fingerprint uint64
	state       State

	// instances holds the rule instance ids of each rule, base first.
	instances map[*ruleset.Rule][]uint32

	// uniqueIDs lists every rule instance id in download order.
	uniqueIDs []uint32

	// restored entries come from a snapshot and have no rule objects.
	restored bool

	// partial entries are mapped but some of their rules were not written.
	partial bool
}

func (e *entry) instanceCount() int {

	n := 0
	for _, ids := range e.instances {
		n += len(ids)
	}

	return n
}

func (e *entry) mapped() bool {
	return e.state == Downloaded || e.state == Active
}

// table maps ruleset handles to their device mapping. It provides a sync
// mechanism for readers that do not hold the operation lock.
type table struct {
	entries map[string]*entry

	sync.RWMutex
}

func newTable() *table {
	return &table{
		entries: map[string]*entry{},
	}
}

func (t *table) get(handle string) (*entry, bool) {

	t.RLock()
	defer t.RUnlock()

	e, ok := t.entries[handle]
	return e, ok
}

// put stores e, replacing any previous mapping of the same handle.
func (t *table) put(e *entry) {

	t.Lock()
	defer t.Unlock()

	t.entries[e.handle] = e
}

func (t *table) setState(e *entry, s State) {

	t.Lock()
	defer t.Unlock()

	e.state = s
}

// record sets the instances written for a rule. The ids already recorded
// for the rule are kept.
func (t *table) record(e *entry, r *ruleset.Rule, ids []uint32) {

	t.Lock()
	defer t.Unlock()

	known := len(e.instances[r])
	if len(ids) <= known {
		return
	}

	e.instances[r] = append(e.instances[r], ids[known:]...)
	e.uniqueIDs = append(e.uniqueIDs, ids[known:]...)
}

// complete marks every rule of e as written.
func (t *table) complete(e *entry) {

	t.Lock()
	defer t.Unlock()

	e.partial = false
}

// list returns the entries matching the filter.
func (t *table) list(match func(*entry) bool) []*entry {

	t.RLock()
	defer t.RUnlock()

	list := []*entry{}
	for _, e := range t.entries {
		if match == nil || match(e) {
			list = append(list, e)
		}
	}

	return list
}
