// Package controller downloads rulesets to a capture adapter's IP filter
// co-processor and tracks the lifecycle of the device rulesets.
//
// Every device operation is serialized by the manager. Operations that need
// several requests are not atomic: a failure aborts the operation and leaves
// the requests already completed in place on the device.
package controller

import (
	"sync"

	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
)

// Manager owns the device mapping of the rulesets downloaded through it.
type Manager struct {
	ch        device.Channel
	transport transport.Transport
	cfg       *config
	table     *table

	// nextUniqueID is the next rule instance id. Ids are never reused by a
	// manager.
	nextUniqueID uint64

	// op serializes device operations.
	op sync.Mutex
}

// New returns a manager for the device behind ch. It fails with an
// unsupported device error when no transport serves the kind of the device.
func New(ch device.Channel, opts ...Option) (*Manager, error) {

	cfg := newConfig(opts...)

	if cfg.maxRangeFilters < 1 {
		return nil, common.ErrInvalidArgument("max range filters %d", cfg.maxRangeFilters)
	}

	t, err := transport.New(ch, cfg.transportOptions()...)
	if err != nil {
		return nil, err
	}

	return &Manager{
		ch:           ch,
		transport:    t,
		cfg:          cfg,
		table:        newTable(),
		nextUniqueID: uint64(cfg.firstUniqueID),
	}, nil
}

// Close closes the device channel.
func (m *Manager) Close() error {
	return m.ch.Close()
}

// State returns the lifecycle state of a ruleset.
func (m *Manager) State(rs *ruleset.Ruleset) State {

	e, ok := m.table.get(rs.ID())
	if !ok {
		return Unregistered
	}

	m.table.RLock()
	defer m.table.RUnlock()

	return e.state
}

// DeviceID returns the device ruleset id of a downloaded ruleset.
func (m *Manager) DeviceID(rs *ruleset.Ruleset) (uint16, error) {

	e, err := m.mapped(rs)
	if err != nil {
		return 0, err
	}

	return e.deviceID, nil
}

// Instances returns the rule instance ids of a rule of a downloaded
// ruleset, base instance first.
func (m *Manager) Instances(rs *ruleset.Ruleset, r *ruleset.Rule) ([]uint32, error) {

	e, err := m.mapped(rs)
	if err != nil {
		return nil, err
	}

	return m.instances(e, r)
}

func (m *Manager) instances(e *entry, r *ruleset.Rule) ([]uint32, error) {

	m.table.RLock()
	defer m.table.RUnlock()

	ids, ok := e.instances[r]
	if !ok {
		return nil, common.ErrNotFound("rule was not part of the download of ruleset %s", e.handle)
	}

	return append([]uint32(nil), ids...), nil
}

func (m *Manager) mapped(rs *ruleset.Ruleset) (*entry, error) {

	if rs == nil {
		return nil, common.ErrInvalidArgument("nil ruleset")
	}

	e, ok := m.table.get(rs.ID())
	if !ok {
		return nil, common.ErrNotFound("ruleset %s was never downloaded", rs.ID())
	}

	m.table.RLock()
	defer m.table.RUnlock()

	if !e.mapped() {
		return nil, common.ErrNotFound("ruleset %s is %s", rs.ID(), e.state)
	}

	return e, nil
}
