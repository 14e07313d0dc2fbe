package ruleset

import (
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/utils/portspec"
)

// Rule is a single filtering condition and its action. Rules are created by
// a Ruleset and stay owned by it until removed.
type Rule struct {
	ruleset *Ruleset

	action     Action
	steering   Steering
	snapLength uint16
	tag        uint16
	priority   uint16
	protocol   Protocol

	match Match

	ports     []PortFilter
	icmpTypes []ICMPTypeFilter
}

func newRule(match Match, action Action, tag uint16, priority uint16) *Rule {

	return &Rule{
		action:     action,
		steering:   SteerHost,
		snapLength: NormalizeSnapLength(constants.DefaultSnapLength),
		tag:        MaskTag(tag),
		priority:   priority,
		protocol:   ProtocolAny,
		match:      match,
	}
}

// Ruleset returns the ruleset owning the rule, or nil once it was removed.
func (r *Rule) Ruleset() *Ruleset {
	return r.ruleset
}

// Family returns the IP version of the rule.
func (r *Rule) Family() Family {
	return r.match.Family()
}

// Action returns the rule action.
func (r *Rule) Action() Action {
	return r.action
}

// Steering returns where accepted packets go.
func (r *Rule) Steering() Steering {
	return r.steering
}

// SnapLength returns the normalized snap length.
func (r *Rule) SnapLength() uint16 {
	return r.snapLength
}

// Tag returns the 14 bit rule tag.
func (r *Rule) Tag() uint16 {
	return r.tag
}

// Priority returns the rule priority. Lower values are evaluated first.
func (r *Rule) Priority() uint16 {
	return r.priority
}

// Protocol returns the IP protocol of the rule.
func (r *Rule) Protocol() Protocol {
	return r.protocol
}

// Match returns a copy of the address comparands of the rule.
func (r *Rule) Match() Match {

	switch m := r.match.(type) {
	case *IPv4Match:
		c := *m
		return &c
	case *IPv6Match:
		c := *m
		return &c
	default:
		return nil
	}
}

// PortFilters returns a copy of the port filters in insertion order.
func (r *Rule) PortFilters() []PortFilter {
	return append([]PortFilter(nil), r.ports...)
}

// ICMPTypeFilters returns a copy of the ICMP type filters in insertion order.
func (r *Rule) ICMPTypeFilters() []ICMPTypeFilter {
	return append([]ICMPTypeFilter(nil), r.icmpTypes...)
}

// UsesPortFilters returns true when the protocol of the rule makes its port
// filters meaningful.
func (r *Rule) UsesPortFilters() bool {
	return r.protocol.HasPorts()
}

// UsesICMPTypeFilters returns true when the protocol of the rule makes its
// ICMP type filters meaningful.
func (r *Rule) UsesICMPTypeFilters() bool {
	return r.protocol.HasICMPType()
}

func (r *Rule) mutable() error {

	if r.ruleset == nil {
		return common.ErrInvalidArgument("rule is not a member of a ruleset")
	}

	return nil
}

func (r *Rule) touch() {
	r.ruleset.generation++
}

// SetAction changes the rule action.
func (r *Rule) SetAction(action Action) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if action != Accept && action != Reject {
		return common.ErrInvalidArgument("action %d", action)
	}

	r.action = action
	r.touch()

	return nil
}

// SetSteering changes where accepted packets go.
func (r *Rule) SetSteering(steering Steering) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if steering != SteerHost && steering != SteerLine {
		return common.ErrInvalidArgument("steering %d", steering)
	}

	r.steering = steering
	r.touch()

	return nil
}

// SetSnapLength sets the snap length. The value is normalized.
func (r *Rule) SetSnapLength(n uint16) error {

	if err := r.mutable(); err != nil {
		return err
	}

	r.snapLength = NormalizeSnapLength(n)
	r.touch()

	return nil
}

// SetTag sets the rule tag. Only the low 14 bits are kept.
func (r *Rule) SetTag(tag uint16) error {

	if err := r.mutable(); err != nil {
		return err
	}

	r.tag = MaskTag(tag)
	r.touch()

	return nil
}

// SetProtocol sets the IP protocol. Use ProtocolAny to match every protocol.
func (r *Rule) SetProtocol(p Protocol) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if p.IsAny() {
		p = ProtocolAny
	}

	r.protocol = p
	r.touch()

	return nil
}

// SetPriority changes the priority and moves the rule so the ruleset stays
// sorted. The rule is placed after every other rule of equal priority.
func (r *Rule) SetPriority(priority uint16) error {

	if err := r.mutable(); err != nil {
		return err
	}

	return r.ruleset.reposition(r, priority)
}

// SetSource sets the source address and mask. Both must be 4 bytes long for
// IPv4 rules and 16 bytes long for IPv6 rules.
func (r *Rule) SetSource(addr, mask []byte) error {
	return r.setAddress(Source, addr, mask)
}

// SetDestination sets the destination address and mask.
func (r *Rule) SetDestination(addr, mask []byte) error {
	return r.setAddress(Destination, addr, mask)
}

func (r *Rule) setAddress(dir Direction, addr, mask []byte) error {

	if err := r.mutable(); err != nil {
		return err
	}

	switch m := r.match.(type) {

	case *IPv4Match:
		if len(addr) != 4 || len(mask) != 4 {
			return common.ErrInvalidArgument("ipv4 %s address needs 4 bytes, got %d/%d", dir, len(addr), len(mask))
		}
		if dir == Source {
			copy(m.Source[:], addr)
			copy(m.SourceMask[:], mask)
		} else {
			copy(m.Destination[:], addr)
			copy(m.DestinationMask[:], mask)
		}

	case *IPv6Match:
		if len(addr) != 16 || len(mask) != 16 {
			return common.ErrInvalidArgument("ipv6 %s address needs 16 bytes, got %d/%d", dir, len(addr), len(mask))
		}
		if dir == Source {
			copy(m.Source[:], addr)
			copy(m.SourceMask[:], mask)
		} else {
			copy(m.Destination[:], addr)
			copy(m.DestinationMask[:], mask)
		}
	}

	r.touch()

	return nil
}

// SetFlowLabel sets the flow label comparand of an IPv6 rule. Value and mask
// are masked to 20 bits.
func (r *Rule) SetFlowLabel(value, mask uint32) error {

	if err := r.mutable(); err != nil {
		return err
	}

	m, ok := r.match.(*IPv6Match)
	if !ok {
		return common.ErrInvalidArgument("flow label is only valid on ipv6 rules")
	}

	m.FlowLabel = MaskFlowLabel(value)
	m.FlowLabelMask = MaskFlowLabel(mask)
	r.touch()

	return nil
}

// AddPortBitmask appends a value/mask port filter.
func (r *Rule) AddPortBitmask(dir Direction, value, mask uint16) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if dir != Source && dir != Destination {
		return common.ErrInvalidArgument("direction %d", dir)
	}

	r.ports = append(r.ports, PortFilter{
		Direction: dir,
		Kind:      Bitmask,
		Value:     value,
		Mask:      mask,
	})
	r.touch()

	return nil
}

// AddPortRange appends an inclusive port range filter.
func (r *Rule) AddPortRange(dir Direction, min, max uint16) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if dir != Source && dir != Destination {
		return common.ErrInvalidArgument("direction %d", dir)
	}

	spec, err := portspec.NewPortSpec(min, max)
	if err != nil {
		return common.ErrInvalidArgument("port range %d:%d: %s", min, max, err)
	}

	r.ports = append(r.ports, PortFilter{
		Direction: dir,
		Kind:      Range,
		Min:       spec.Min,
		Max:       spec.Max,
	})
	r.touch()

	return nil
}

// AddICMPTypeBitmask appends a value/mask ICMP type filter.
func (r *Rule) AddICMPTypeBitmask(value, mask uint8) error {

	if err := r.mutable(); err != nil {
		return err
	}

	r.icmpTypes = append(r.icmpTypes, ICMPTypeFilter{
		Kind:  Bitmask,
		Value: value,
		Mask:  mask,
	})
	r.touch()

	return nil
}

// AddICMPTypeRange appends an inclusive ICMP type range filter.
func (r *Rule) AddICMPTypeRange(min, max uint8) error {

	if err := r.mutable(); err != nil {
		return err
	}

	if min > max {
		return common.ErrInvalidArgument("icmp type range %d:%d", min, max)
	}

	r.icmpTypes = append(r.icmpTypes, ICMPTypeFilter{
		Kind: Range,
		Min:  min,
		Max:  max,
	})
	r.touch()

	return nil
}
