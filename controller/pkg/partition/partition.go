// Package partition splits the port and ICMP type filters of a rule into
// sets a device rule slot can hold, and plans the duplicate rules needed to
// represent every combination of source and destination sets.
//
// A device rule holds at most one source and one destination filter set. A
// set is either a single bitmask filter or up to capacity range filters.
package partition

import (
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
)

// Entry is one filter of a set. Bitmask entries use Value and Mask, range
// entries use Min and Max.
type Entry struct {
	Value uint16
	Mask  uint16
	Min   uint16
	Max   uint16
}

// FilterSet is a group of same direction filters loadable in one request.
type FilterSet struct {
	Kind    ruleset.FilterKind
	Entries []Entry
}

// Len returns the number of filters in the set.
func (s *FilterSet) Len() int {
	return len(s.Entries)
}

// Target identifies the rule field a set is written to.
type Target uint8

const (
	// TargetSource is the source port.
	TargetSource Target = iota
	// TargetDestination is the destination port.
	TargetDestination
	// TargetICMPType is the ICMP type.
	TargetICMPType
)

func (t Target) String() string {
	switch t {
	case TargetSource:
		return "source"
	case TargetDestination:
		return "destination"
	default:
		return "icmp-type"
	}
}

type filter struct {
	kind  ruleset.FilterKind
	entry Entry
}

func checkCapacity(capacity int) error {

	if capacity < 1 || capacity > 0xffff {
		return common.ErrInvalidArgument("range filter capacity %d", capacity)
	}

	return nil
}

// build walks the filters once. Every bitmask filter becomes a singleton set
// and range filters accumulate into the open set until it is full.
func build(filters []filter, capacity int, what string) ([]FilterSet, error) {

	bitmasks := 0
	for _, f := range filters {
		if f.kind == ruleset.Bitmask {
			bitmasks++
		}
	}

	if bitmasks > capacity {
		return nil, common.ErrInvalidArgument("%s: %d bitmask filters exceed the capacity of %d", what, bitmasks, capacity)
	}

	var sets []FilterSet
	var open *FilterSet

	for _, f := range filters {

		if f.kind == ruleset.Bitmask {
			sets = append(sets, FilterSet{
				Kind:    ruleset.Bitmask,
				Entries: []Entry{f.entry},
			})
			continue
		}

		if f.entry.Min > f.entry.Max {
			return nil, common.ErrInvalidArgument("%s: range %d:%d", what, f.entry.Min, f.entry.Max)
		}

		if open == nil {
			open = &FilterSet{Kind: ruleset.Range}
		}

		open.Entries = append(open.Entries, f.entry)

		if open.Len() == capacity {
			sets = append(sets, *open)
			open = nil
		}
	}

	if open != nil {
		sets = append(sets, *open)
	}

	return sets, nil
}

// BuildPortSets partitions port filters by direction and builds the sets of
// each direction.
func BuildPortSets(filters []ruleset.PortFilter, capacity int) (src []FilterSet, dst []FilterSet, err error) {

	if err := checkCapacity(capacity); err != nil {
		return nil, nil, err
	}

	var s, d []filter
	for _, f := range filters {
		pf := filter{
			kind: f.Kind,
			entry: Entry{
				Value: f.Value,
				Mask:  f.Mask,
				Min:   f.Min,
				Max:   f.Max,
			},
		}
		if f.Direction == ruleset.Source {
			s = append(s, pf)
		} else {
			d = append(d, pf)
		}
	}

	if src, err = build(s, capacity, "source ports"); err != nil {
		return nil, nil, err
	}

	if dst, err = build(d, capacity, "destination ports"); err != nil {
		return nil, nil, err
	}

	return src, dst, nil
}

// BuildICMPSets builds the sets of ICMP type filters.
func BuildICMPSets(filters []ruleset.ICMPTypeFilter, capacity int) ([]FilterSet, error) {

	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}

	fs := make([]filter, 0, len(filters))
	for _, f := range filters {
		fs = append(fs, filter{
			kind: f.Kind,
			entry: Entry{
				Value: uint16(f.Value),
				Mask:  uint16(f.Mask),
				Min:   uint16(f.Min),
				Max:   uint16(f.Max),
			},
		})
	}

	return build(fs, capacity, "icmp types")
}

// Combination is one pair of sets to be carried by a device rule instance.
// A nil set leaves that field unconstrained.
type Combination struct {
	Source      *FilterSet
	Destination *FilterSet
}

// Combinations returns every (source, destination) pair in source major
// order. It always returns at least one combination.
func Combinations(src, dst []FilterSet) []Combination {

	srcs := []*FilterSet{nil}
	if len(src) > 0 {
		srcs = srcs[:0]
		for i := range src {
			srcs = append(srcs, &src[i])
		}
	}

	dsts := []*FilterSet{nil}
	if len(dst) > 0 {
		dsts = dsts[:0]
		for i := range dst {
			dsts = append(dsts, &dst[i])
		}
	}

	combos := make([]Combination, 0, len(srcs)*len(dsts))
	for _, s := range srcs {
		for _, d := range dsts {
			combos = append(combos, Combination{Source: s, Destination: d})
		}
	}

	return combos
}

// InstanceCount returns the number of device rule instances needed for s
// source sets and d destination sets.
func InstanceCount(s, d int) int {

	if s < 1 {
		s = 1
	}

	if d < 1 {
		d = 1
	}

	return s * d
}
