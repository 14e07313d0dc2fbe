package partition

import (
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.uber.org/zap"
)

// Writer issues the device requests a plan needs.
type Writer interface {
	// Duplicate copies the header level match of the rule instance from
	// into a new instance with id to.
	Duplicate(from uint32, to uint32) error

	// WriteSet loads a filter set onto a rule instance.
	WriteSet(uniqueID uint32, target Target, set *FilterSet) error
}

// IDAllocator returns a fresh rule instance id on every call.
type IDAllocator func() uint32

// Plan is the list of combinations to write for one rule.
type Plan struct {
	combos []Combination
	icmp   bool
}

// NewPlan builds the plan of a rule. Port filters are used for TCP, UDP and
// SCTP rules and ICMP type filters for ICMP rules. Other rules get a plan with
// a single empty combination.
func NewPlan(r *ruleset.Rule, capacity int) (*Plan, error) {

	switch {

	case r.UsesPortFilters():
		src, dst, err := BuildPortSets(r.PortFilters(), capacity)
		if err != nil {
			return nil, err
		}
		return &Plan{combos: Combinations(src, dst)}, nil

	case r.UsesICMPTypeFilters():
		sets, err := BuildICMPSets(r.ICMPTypeFilters(), capacity)
		if err != nil {
			return nil, err
		}
		return &Plan{combos: Combinations(sets, nil), icmp: true}, nil
	}

	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}

	return &Plan{combos: Combinations(nil, nil)}, nil
}

// Combinations returns the combinations of the plan.
func (p *Plan) Combinations() []Combination {
	return p.combos
}

// Instances returns the number of device rule instances the plan uses.
func (p *Plan) Instances() int {
	return len(p.combos)
}

// Execute writes the plan. The first combination goes onto base. Every
// following combination first duplicates base under a new id from next and
// is written onto that id. The first failing request aborts the remaining
// combinations. The ids of every instance written are returned, also on
// failure.
func (p *Plan) Execute(w Writer, base uint32, next IDAllocator) ([]uint32, error) {

	ids := []uint32{}

	for i, c := range p.combos {

		id := base
		if i > 0 {
			id = next()
			if err := w.Duplicate(base, id); err != nil {
				return ids, err
			}
			zap.L().Debug("Duplicated rule instance",
				zap.Uint32("base", base),
				zap.Uint32("uniqueID", id),
				zap.Int("combination", i),
			)
		}
		ids = append(ids, id)

		if c.Source != nil {
			target := TargetSource
			if p.icmp {
				target = TargetICMPType
			}
			if err := w.WriteSet(id, target, c.Source); err != nil {
				return ids, err
			}
		}

		if c.Destination != nil {
			if err := w.WriteSet(id, TargetDestination, c.Destination); err != nil {
				return ids, err
			}
		}
	}

	return ids, nil
}
