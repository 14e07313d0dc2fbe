// Package classifier evaluates packets against a ruleset the way the capture
// adapter does. It is the host side reference for what a downloaded ruleset
// will accept, and is used to validate rulesets before they reach a device.
package classifier

import (
	"encoding/binary"

	"go.aporeto.io/capfilter/controller/pkg/ruleset"
)

// Ethernet types the frame parser understands.
const (
	etherTypeIPv4      = 0x0800
	etherTypeIPv6      = 0x86dd
	etherTypeVLAN      = 0x8100
	etherTypeQinQ      = 0x88a8
	etherTypeMPLS      = 0x8847
	etherTypeMPLSMulti = 0x8848
)

const (
	ethernetHeaderLength = 14
	vlanTagLength        = 4
	mplsLabelLength      = 4
	ipv4MinHeaderLength  = 20
	ipv6HeaderLength     = 40

	maxVLANTags   = 2
	maxMPLSLabels = 8

	// Bound on the number of IPv6 extension headers walked.
	maxExtensionHeaders = 8
)

// IPv6 extension headers the hardware walks.
const (
	extHopByHop       = 0
	extRouting        = 43
	extFragment       = 44
	extAuthentication = 51
	extDestination    = 60
)

// Classify returns the rule accepting an Ethernet frame, or nil when the frame
// is dropped. A frame is dropped when no rule matches it or when the first
// matching rule is a reject rule.
func Classify(rs *ruleset.Ruleset, frame []byte) *ruleset.Rule {
	return accepted(FirstMatch(rs, frame))
}

// ClassifyIP is Classify for a bare IP packet with no link layer header.
func ClassifyIP(rs *ruleset.Ruleset, packet []byte) *ruleset.Rule {
	return accepted(FirstMatchIP(rs, packet))
}

// FirstMatch returns the first rule matching an Ethernet frame regardless of
// its action, or nil.
func FirstMatch(rs *ruleset.Ruleset, frame []byte) *ruleset.Rule {

	packet, ok := ipPayload(frame)
	if !ok {
		return nil
	}

	return FirstMatchIP(rs, packet)
}

// FirstMatchIP returns the first rule matching a bare IP packet regardless of
// its action, or nil.
func FirstMatchIP(rs *ruleset.Ruleset, packet []byte) *ruleset.Rule {

	if rs == nil {
		return nil
	}

	p, ok := parse(packet)
	if !ok {
		return nil
	}

	for _, r := range rs.Rules() {
		if p.matches(r) {
			return r
		}
	}

	return nil
}

func accepted(r *ruleset.Rule) *ruleset.Rule {

	if r == nil || r.Action() != ruleset.Accept {
		return nil
	}

	return r
}

// ipPayload strips the link layer of an Ethernet frame. VLAN tags are
// skipped. Behind an MPLS label stack the IP version nibble decides the
// family.
func ipPayload(frame []byte) ([]byte, bool) {

	if len(frame) < ethernetHeaderLength {
		return nil, false
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	rest := frame[ethernetHeaderLength:]

	for tags := 0; etherType == etherTypeVLAN || etherType == etherTypeQinQ; tags++ {
		if tags == maxVLANTags || len(rest) < vlanTagLength {
			return nil, false
		}
		etherType = binary.BigEndian.Uint16(rest[2:4])
		rest = rest[vlanTagLength:]
	}

	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
		return rest, true
	case etherTypeMPLS, etherTypeMPLSMulti:
		return skipLabels(rest)
	default:
		return nil, false
	}
}

// skipLabels walks an MPLS label stack up to its bottom of stack entry.
func skipLabels(b []byte) ([]byte, bool) {

	for i := 0; i < maxMPLSLabels; i++ {

		if len(b) < mplsLabelLength {
			return nil, false
		}

		bottom := b[2]&0x01 != 0
		b = b[mplsLabelLength:]

		if bottom {
			return b, true
		}
	}

	return nil, false
}
