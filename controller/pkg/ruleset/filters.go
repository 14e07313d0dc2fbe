package ruleset

// PortFilter restricts the source or destination port of a TCP, UDP or SCTP
// rule. Value and Mask are used by Bitmask filters, Min and Max by Range
// filters.
type PortFilter struct {
	Direction Direction
	Kind      FilterKind
	Value     uint16
	Mask      uint16
	Min       uint16
	Max       uint16
}

// Matches returns true if port satisfies the filter.
func (f PortFilter) Matches(port uint16) bool {

	if f.Kind == Bitmask {
		return port&f.Mask == f.Value&f.Mask
	}

	return f.Min <= port && port <= f.Max
}

// ICMPTypeFilter restricts the ICMP type of an ICMP or ICMPv6 rule.
type ICMPTypeFilter struct {
	Kind  FilterKind
	Value uint8
	Mask  uint8
	Min   uint8
	Max   uint8
}

// Matches returns true if the ICMP type satisfies the filter.
func (f ICMPTypeFilter) Matches(icmpType uint8) bool {

	if f.Kind == Bitmask {
		return icmpType&f.Mask == f.Value&f.Mask
	}

	return f.Min <= icmpType && icmpType <= f.Max
}
