package transport

import (
	"encoding/binary"

	"go.aporeto.io/capfilter/controller/pkg/partition"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
)

// Comparand word layout of AddIPFilter.
const (
	wordIPv4Source      = 0
	wordIPv4Destination = 1
	wordIPv6Source      = 0
	wordIPv6Destination = 4
	wordFlowLabel       = 8
	wordProtocol        = 9
)

func putAddress(words []uint32, addr []byte) {
	for i := range words {
		words[i] = binary.BigEndian.Uint32(addr[4*i:])
	}
}

// NewAddIPFilter encodes the header level match of a rule as an AddIpFilter
// request for the given device ruleset, interface and rule instance.
func NewAddIPFilter(r *ruleset.Rule, deviceRuleset uint16, iface uint8, uniqueID uint32, filterID uint16) *AddIPFilter {

	req := &AddIPFilter{
		UniqueID: uniqueID,
		Priority: uint32(r.Priority()),
		Ruleset:  deviceRuleset,
		Snap:     r.SnapLength(),
		FilterID: filterID,
		Iface:    iface,
		Flags:    uint32(ruleset.MaskTag(r.Tag())) << tagShift,
	}

	if r.Action() == ruleset.Accept {
		req.Flags |= FlagAccept
	}

	if r.Steering() == ruleset.SteerLine {
		req.Flags |= FlagSteerLine
	}

	switch m := r.Match().(type) {

	case *ruleset.IPv4Match:
		putAddress(req.Value[wordIPv4Source:wordIPv4Source+1], m.Source[:])
		putAddress(req.Mask[wordIPv4Source:wordIPv4Source+1], m.SourceMask[:])
		putAddress(req.Value[wordIPv4Destination:wordIPv4Destination+1], m.Destination[:])
		putAddress(req.Mask[wordIPv4Destination:wordIPv4Destination+1], m.DestinationMask[:])

	case *ruleset.IPv6Match:
		req.Flags |= FlagIPv6
		putAddress(req.Value[wordIPv6Source:wordIPv6Source+4], m.Source[:])
		putAddress(req.Mask[wordIPv6Source:wordIPv6Source+4], m.SourceMask[:])
		putAddress(req.Value[wordIPv6Destination:wordIPv6Destination+4], m.Destination[:])
		putAddress(req.Mask[wordIPv6Destination:wordIPv6Destination+4], m.DestinationMask[:])
		req.Value[wordFlowLabel] = ruleset.MaskFlowLabel(m.FlowLabel)
		req.Mask[wordFlowLabel] = ruleset.MaskFlowLabel(m.FlowLabelMask)
	}

	if p := r.Protocol(); !p.IsAny() {
		req.Protocol = uint8(p)
		req.Value[wordProtocol] = uint32(p)
		req.Mask[wordProtocol] = 0xff
	}

	return req
}

// MatchedProtocol returns the protocol matched by the request and false when
// it matches any protocol.
func (r *AddIPFilter) MatchedProtocol() (uint8, bool) {
	return r.Protocol, r.Mask[wordProtocol] != 0
}

// NewSetRequest encodes a filter set as the port filter request loading it
// onto a rule instance.
func NewSetRequest(deviceRuleset uint16, uniqueID uint32, target partition.Target, set *partition.FilterSet) Request {

	var flags uint16
	switch target {
	case partition.TargetSource:
		flags = PortFlagSource
	case partition.TargetICMPType:
		flags = PortFlagICMPType
	}

	if set.Kind == ruleset.Bitmask {
		e := set.Entries[0]
		return &SetPortFilterBitmask{
			Ruleset:  deviceRuleset,
			UniqueID: uniqueID,
			Flags:    flags,
			Value:    e.Value,
			Mask:     e.Mask,
		}
	}

	ranges := make([]PortRange, 0, set.Len())
	for _, e := range set.Entries {
		ranges = append(ranges, PortRange{Min: e.Min, Max: e.Max})
	}

	return &SetPortFilterRange{
		Ruleset:  deviceRuleset,
		UniqueID: uniqueID,
		Flags:    flags,
		Ranges:   ranges,
	}
}
