package classifier

import (
	"encoding/binary"

	"go.aporeto.io/capfilter/controller/pkg/ruleset"
)

// packet is the parsed IP header of a packet.
type packet struct {
	family    ruleset.Family
	data      []byte
	src       []byte
	dst       []byte
	flowLabel uint32

	// IPv4 only. IPv6 finds its transport header per rule.
	protocol  uint8
	transport int
	fragment  bool
}

func parse(b []byte) (*packet, bool) {

	if len(b) < 1 {
		return nil, false
	}

	switch b[0] >> 4 {

	case 4:
		if len(b) < ipv4MinHeaderLength {
			return nil, false
		}
		ihl := int(b[0]&0x0f) * 4
		if ihl < ipv4MinHeaderLength || len(b) < ihl {
			return nil, false
		}
		return &packet{
			family:    ruleset.IPv4,
			data:      b,
			src:       b[12:16],
			dst:       b[16:20],
			protocol:  b[9],
			transport: ihl,
			fragment:  binary.BigEndian.Uint16(b[6:8])&0x1fff != 0,
		}, true

	case 6:
		if len(b) < ipv6HeaderLength {
			return nil, false
		}
		return &packet{
			family:    ruleset.IPv6,
			data:      b,
			src:       b[8:24],
			dst:       b[24:40],
			flowLabel: binary.BigEndian.Uint32(b[0:4]) & 0xfffff,
		}, true

	default:
		return nil, false
	}
}

// matches evaluates one rule against the packet.
func (p *packet) matches(r *ruleset.Rule) bool {

	if r.Family() != p.family {
		return false
	}

	switch m := r.Match().(type) {
	case *ruleset.IPv4Match:
		if !ruleset.MaskedEqual(p.src, m.Source[:], m.SourceMask[:]) ||
			!ruleset.MaskedEqual(p.dst, m.Destination[:], m.DestinationMask[:]) {
			return false
		}
	case *ruleset.IPv6Match:
		if !ruleset.MaskedEqual(p.src, m.Source[:], m.SourceMask[:]) ||
			!ruleset.MaskedEqual(p.dst, m.Destination[:], m.DestinationMask[:]) {
			return false
		}
		if p.flowLabel&m.FlowLabelMask != m.FlowLabel&m.FlowLabelMask {
			return false
		}
	default:
		return false
	}

	if r.Protocol().IsAny() {
		return true
	}

	target := uint8(r.Protocol())

	offset, fragment := p.transport, p.fragment
	if p.family == ruleset.IPv4 {
		if p.protocol != target {
			return false
		}
	} else {
		var ok bool
		if offset, fragment, ok = p.walk(target); !ok {
			return false
		}
	}

	switch {
	case r.UsesPortFilters():
		return p.matchPorts(r.PortFilters(), offset, fragment)
	case r.UsesICMPTypeFilters():
		return p.matchICMPType(r.ICMPTypeFilters(), offset, fragment)
	default:
		return true
	}
}

// walk follows the IPv6 extension header chain until target. It returns the
// offset of the target header and whether the packet is a non first
// fragment. An extension header the hardware does not know ends the walk.
func (p *packet) walk(target uint8) (int, bool, bool) {

	b := p.data
	next := b[6]
	offset := ipv6HeaderLength
	fragment := false

	for i := 0; ; i++ {

		if next == target {
			return offset, fragment, true
		}

		if i == maxExtensionHeaders || len(b) < offset+2 {
			return 0, false, false
		}

		var length int
		switch next {
		case extHopByHop, extRouting, extDestination:
			length = (int(b[offset+1]) + 1) * 8
		case extFragment:
			if len(b) < offset+8 {
				return 0, false, false
			}
			if binary.BigEndian.Uint16(b[offset+2:offset+4])>>3 != 0 {
				fragment = true
			}
			length = 8
		case extAuthentication:
			length = (int(b[offset+1]) + 2) * 4
		default:
			return 0, false, false
		}

		next = b[offset]
		offset += length
	}
}

// matchPorts applies the any-of rule independently per direction. A
// direction without filters always matches.
func (p *packet) matchPorts(filters []ruleset.PortFilter, offset int, fragment bool) bool {

	if len(filters) == 0 {
		return true
	}

	if fragment || len(p.data) < offset+4 {
		return false
	}

	ports := [2]uint16{
		binary.BigEndian.Uint16(p.data[offset : offset+2]),
		binary.BigEndian.Uint16(p.data[offset+2 : offset+4]),
	}

	var seen, hit [2]bool
	for _, f := range filters {
		d := 0
		if f.Direction == ruleset.Destination {
			d = 1
		}
		seen[d] = true
		if !hit[d] && f.Matches(ports[d]) {
			hit[d] = true
		}
	}

	return (!seen[0] || hit[0]) && (!seen[1] || hit[1])
}

func (p *packet) matchICMPType(filters []ruleset.ICMPTypeFilter, offset int, fragment bool) bool {

	if len(filters) == 0 {
		return true
	}

	if fragment || len(p.data) < offset+1 {
		return false
	}

	icmpType := p.data[offset]
	for _, f := range filters {
		if f.Matches(icmpType) {
			return true
		}
	}

	return false
}
