package controller

import (
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
	"go.uber.org/zap"
)

// Statistics are the traffic counters of a rule summed over its instances.
type Statistics struct {
	Packets uint64
	Bytes   uint64
}

// Activate makes a downloaded ruleset the active one of its interface. The
// ruleset active before on that interface goes back to downloaded. When rs
// changed since its download, or its download failed partway, it is
// downloaded again first.
func (m *Manager) Activate(rs *ruleset.Ruleset) error {

	if rs == nil {
		return common.ErrInvalidArgument("nil ruleset")
	}

	m.op.Lock()
	defer m.op.Unlock()

	e, ok := m.table.get(rs.ID())
	if !ok || !e.mapped() {
		return common.ErrInvalidArgument("ruleset %s is not downloaded", rs.ID())
	}

	fingerprint, err := rs.Fingerprint()
	if err != nil {
		return common.ErrInvalidArgument("unable to fingerprint ruleset %s: %s", rs.ID(), err)
	}

	var stale string
	switch {
	case e.partial:
		stale = "Ruleset download did not complete, downloading again"
	case fingerprint != e.fingerprint:
		stale = "Ruleset changed since its download, downloading again"
	}

	if stale != "" {
		zap.L().Warn(stale,
			zap.String("ruleset", rs.ID()),
			zap.Uint16("deviceID", e.deviceID),
		)
		m.cfg.counters.IncrementCounter(counters.ErrStaleRuleset)

		if e, err = m.download(rs, e.iface); err != nil {
			return err
		}
	}

	if _, err := m.transport.Send(&transport.ActivateRuleset{
		Ruleset:   e.deviceID,
		Iface:     e.iface,
		Instances: len(e.uniqueIDs),
	}); err != nil {
		return err
	}

	for _, other := range m.table.list(func(o *entry) bool {
		return o != e && o.iface == e.iface && o.state == Active
	}) {
		m.table.setState(other, Downloaded)
	}
	m.table.setState(e, Active)

	m.cfg.counters.IncrementCounter(counters.RulesetsActivated)

	zap.L().Info("Ruleset activated",
		zap.String("ruleset", rs.ID()),
		zap.Uint16("deviceID", e.deviceID),
		zap.Uint8("iface", e.iface),
	)

	return nil
}

// Remove frees the device ruleset of rs. Removing the active ruleset leaves
// its interface unfiltered.
func (m *Manager) Remove(rs *ruleset.Ruleset) error {

	m.op.Lock()
	defer m.op.Unlock()

	e, err := m.mapped(rs)
	if err != nil {
		return err
	}

	return m.remove(e)
}

// remove must be called with the operation lock held.
func (m *Manager) remove(e *entry) error {

	if _, err := m.transport.Send(transport.NewDeleteRuleset(e.deviceID)); err != nil {
		return err
	}

	m.table.setState(e, Removed)
	m.cfg.counters.IncrementCounter(counters.RulesetsRemoved)

	zap.L().Info("Ruleset removed",
		zap.String("ruleset", e.handle),
		zap.Uint16("deviceID", e.deviceID),
		zap.Uint8("iface", e.iface),
	)

	return nil
}

// RemoveAll frees every ruleset of an interface, including the ones not
// downloaded by this manager, and leaves the interface unfiltered.
func (m *Manager) RemoveAll(iface uint8) error {

	m.op.Lock()
	defer m.op.Unlock()

	if _, err := m.transport.Send(&transport.RemoveAllRulesets{Iface: iface}); err != nil {
		return err
	}

	removed := m.table.list(func(e *entry) bool {
		return e.iface == iface && e.mapped()
	})

	for _, e := range removed {
		m.table.setState(e, Removed)
	}

	m.cfg.counters.AddCounter(counters.RulesetsRemoved, uint32(len(removed)))

	zap.L().Info("Interface cleared",
		zap.Uint8("iface", iface),
		zap.Int("rulesets", len(removed)),
	)

	return nil
}

// Reset removes every rule of the device ruleset of rs. The ruleset stays
// downloaded and is downloaded again on its next activation.
func (m *Manager) Reset(rs *ruleset.Ruleset) error {

	m.op.Lock()
	defer m.op.Unlock()

	e, err := m.mapped(rs)
	if err != nil {
		return err
	}

	if _, err := m.transport.Send(transport.NewResetRuleset(e.deviceID)); err != nil {
		return err
	}

	m.table.put(&entry{
		handle:    e.handle,
		deviceID:  e.deviceID,
		iface:     e.iface,
		state:     e.state,
		instances: map[*ruleset.Rule][]uint32{},
		restored:  e.restored,
	})

	return nil
}

// RuleStatistics returns the traffic counters of a rule of a downloaded
// ruleset, summed over every device instance of the rule.
func (m *Manager) RuleStatistics(rs *ruleset.Ruleset, r *ruleset.Rule) (Statistics, error) {

	var stats Statistics

	m.op.Lock()
	defer m.op.Unlock()

	e, err := m.mapped(rs)
	if err != nil {
		return stats, err
	}

	ids, err := m.instances(e, r)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {

		c, err := m.transport.Send(&transport.GetStatistics{Ruleset: e.deviceID, UniqueID: id, Counter: transport.StatisticPackets})
		if err != nil {
			return stats, err
		}
		stats.Packets += c.Statistic

		c, err = m.transport.Send(&transport.GetStatistics{Ruleset: e.deviceID, UniqueID: id, Counter: transport.StatisticBytes})
		if err != nil {
			return stats, err
		}
		stats.Bytes += c.Statistic
	}

	return stats, nil
}

// ResetStatistics zeroes the traffic counters of every rule instance of a
// downloaded ruleset.
func (m *Manager) ResetStatistics(rs *ruleset.Ruleset) error {

	m.op.Lock()
	defer m.op.Unlock()

	e, err := m.mapped(rs)
	if err != nil {
		return err
	}

	for _, id := range e.uniqueIDs {
		if _, err := m.transport.Send(transport.NewResetStatistics(e.deviceID, id)); err != nil {
			return err
		}
	}

	return nil
}
