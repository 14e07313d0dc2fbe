// Package ruleset is the host side model of capture adapter filter rules.
// A Ruleset is an ordered collection of IPv4 and IPv6 rules kept sorted by
// ascending priority. Rulesets are transport agnostic: downloading them to a
// device is the job of the controller package.
//
// A Ruleset and its rules are not safe for concurrent mutation.
package ruleset

import (
	"strconv"

	"go.aporeto.io/capfilter/controller/constants"
)

// Action is the action applied to a packet matching a rule.
type Action uint8

const (
	// Accept captures the packet.
	Accept Action = iota
	// Reject drops the packet.
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Steering decides where an accepted packet goes.
type Steering uint8

const (
	// SteerHost delivers accepted packets to the host.
	SteerHost Steering = iota
	// SteerLine sends accepted packets back out the line.
	SteerLine
)

func (s Steering) String() string {
	switch s {
	case SteerHost:
		return "host"
	case SteerLine:
		return "line"
	default:
		return "unknown"
	}
}

// Family is the IP version a rule applies to.
type Family uint8

const (
	// IPv4 rules match IPv4 packets only.
	IPv4 Family = 4
	// IPv6 rules match IPv6 packets only.
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Protocol is an IP protocol number, or ProtocolAny.
type Protocol uint16

// IP protocol numbers the rule model knows about.
const (
	ProtocolICMP   Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
	ProtocolSCTP   Protocol = 132

	// ProtocolAny matches every IP protocol.
	ProtocolAny Protocol = 0x100
)

// IsAny returns true if the protocol matches every IP protocol.
func (p Protocol) IsAny() bool {
	return p > 0xff
}

// HasPorts returns true for protocols whose header starts with 16 bit
// source and destination ports.
func (p Protocol) HasPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP || p == ProtocolSCTP
}

// HasICMPType returns true for the ICMP protocols.
func (p Protocol) HasICMPType() bool {
	return p == ProtocolICMP || p == ProtocolICMPv6
}

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMPv6:
		return "icmpv6"
	case ProtocolSCTP:
		return "sctp"
	}
	if p.IsAny() {
		return "any"
	}
	return strconv.Itoa(int(p))
}

// Direction selects the port a port filter applies to.
type Direction uint8

const (
	// Source matches the source port.
	Source Direction = iota
	// Destination matches the destination port.
	Destination
)

func (d Direction) String() string {
	if d == Source {
		return "source"
	}
	return "destination"
}

// FilterKind is the shape of a port or ICMP type filter.
type FilterKind uint8

const (
	// Bitmask filters match when field&mask == value&mask.
	Bitmask FilterKind = iota
	// Range filters match when min <= field <= max.
	Range
)

func (k FilterKind) String() string {
	if k == Bitmask {
		return "bitmask"
	}
	return "range"
}

const (
	tagMask       = 1<<constants.TagBits - 1
	flowLabelMask = 1<<constants.FlowLabelBits - 1
)

// NormalizeSnapLength rounds n down to a multiple of 8, never below the
// minimum snap length.
func NormalizeSnapLength(n uint16) uint16 {

	n &^= 7
	if n < constants.MinSnapLength {
		return constants.MinSnapLength
	}

	return n
}

// MaskTag keeps the low 14 bits of a rule tag.
func MaskTag(tag uint16) uint16 {
	return tag & tagMask
}

// MaskFlowLabel keeps the low 20 bits of a flow label value or mask.
func MaskFlowLabel(v uint32) uint32 {
	return v & flowLabelMask
}
