package controller

import (
	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/partition"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
	"go.uber.org/zap"
)

// deviceWriter issues the requests of partition plans on one device ruleset.
type deviceWriter struct {
	m        *Manager
	deviceID uint16
}

func (w *deviceWriter) Duplicate(from uint32, to uint32) error {

	if _, err := w.m.transport.Send(&transport.DuplicateIPFilter{
		Ruleset:     w.deviceID,
		UniqueID:    from,
		NewUniqueID: to,
	}); err != nil {
		return err
	}

	w.m.cfg.counters.IncrementCounter(counters.FilterDuplicates)

	return nil
}

func (w *deviceWriter) WriteSet(uniqueID uint32, target partition.Target, set *partition.FilterSet) error {

	_, err := w.m.transport.Send(transport.NewSetRequest(w.deviceID, uniqueID, target, set))

	return err
}

// Download creates a device ruleset on iface holding the rules of rs and
// returns its device id. A ruleset already downloaded is removed from the
// device first. The ruleset is not activated.
func (m *Manager) Download(rs *ruleset.Ruleset, iface uint8) (uint16, error) {

	if rs == nil {
		return 0, common.ErrInvalidArgument("nil ruleset")
	}

	m.op.Lock()
	defer m.op.Unlock()

	e, err := m.download(rs, iface)
	if err != nil {
		return 0, err
	}

	return e.deviceID, nil
}

type planned struct {
	rule *ruleset.Rule
	plan *partition.Plan
}

// download must be called with the operation lock held.
func (m *Manager) download(rs *ruleset.Ruleset, iface uint8) (*entry, error) {

	rules := rs.Rules()

	// Partition everything before the first request.
	plans := make([]planned, 0, len(rules))
	total := 0
	for i, r := range rules {
		p, err := partition.NewPlan(r, m.cfg.maxRangeFilters)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d of ruleset %s", i, rs.ID())
		}
		plans = append(plans, planned{rule: r, plan: p})
		total += p.Instances()
	}

	if err := m.reserve(len(plans), total); err != nil {
		return nil, err
	}

	fingerprint, err := rs.Fingerprint()
	if err != nil {
		return nil, common.ErrInvalidArgument("unable to fingerprint ruleset %s: %s", rs.ID(), err)
	}

	if prev, ok := m.table.get(rs.ID()); ok && prev.mapped() {
		zap.L().Debug("Removing previous download",
			zap.String("ruleset", rs.ID()),
			zap.Uint16("deviceID", prev.deviceID),
		)
		if err := m.remove(prev); err != nil {
			return nil, err
		}
	}

	c, err := m.transport.Send(&transport.CreateRuleset{Iface: iface})
	if err != nil {
		return nil, err
	}

	e := &entry{
		handle:      rs.ID(),
		deviceID:    c.RulesetID,
		iface:       iface,
		fingerprint: fingerprint,
		state:       Downloaded,
		instances:   map[*ruleset.Rule][]uint32{},
		partial:     true,
	}

	// The mapping is tracked from here so a partial download can be removed.
	// It stays partial until the last rule is written so Activate downloads
	// it again.
	m.table.put(e)

	w := &deviceWriter{m: m, deviceID: e.deviceID}

	for i, p := range plans {

		base := m.allocate()
		m.table.record(e, p.rule, []uint32{base})

		if _, err := m.transport.Send(transport.NewAddIPFilter(p.rule, e.deviceID, iface, base, uint16(i))); err != nil {
			return nil, err
		}

		ids, err := p.plan.Execute(w, base, m.allocate)
		m.table.record(e, p.rule, ids)
		if err != nil {
			return nil, err
		}
	}

	m.table.complete(e)
	m.cfg.counters.IncrementCounter(counters.RulesetsDownloaded)

	zap.L().Info("Ruleset downloaded",
		zap.String("ruleset", rs.ID()),
		zap.String("name", rs.Name()),
		zap.Uint16("deviceID", e.deviceID),
		zap.Uint8("iface", iface),
		zap.Int("rules", len(plans)),
		zap.Int("instances", e.instanceCount()),
	)

	return e, nil
}

// reserve fails when the rules of a download cannot all get a filter id or
// when their instances would run out of unique ids.
func (m *Manager) reserve(rules int, instances int) error {

	if rules > constants.MaxRulesPerRuleset {
		return common.ErrInvalidArgument("%d rules, a device ruleset holds at most %d", rules, constants.MaxRulesPerRuleset)
	}

	if m.nextUniqueID+uint64(instances) > 1<<32 {
		return common.ErrOutOfMemory("%d rule instances left, %d needed", (1<<32)-m.nextUniqueID, instances)
	}

	return nil
}

func (m *Manager) allocate() uint32 {

	id := uint32(m.nextUniqueID)
	m.nextUniqueID++

	return id
}
