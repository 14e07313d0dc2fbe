// Package portspec parses the port and ICMP type specifications of filter
// rules, either inclusive ranges or value/mask pairs.
package portspec

import (
	"errors"
	"strconv"
	"strings"
)

// PortSpec is the specification of a port or port range
type PortSpec struct {
	Min uint16 `json:"Min,omitempty" yaml:"min,omitempty"`
	Max uint16 `json:"Max,omitempty" yaml:"max,omitempty"`
}

// NewPortSpec creates a new port spec
func NewPortSpec(min, max uint16) (*PortSpec, error) {

	if min > max {
		return nil, errors.New("Min port greater than max")
	}

	return &PortSpec{
		Min: min,
		Max: max,
	}, nil
}

// NewPortSpecFromString creates a new port spec from "port" or "min:max".
func NewPortSpecFromString(ports string) (*PortSpec, error) {

	var min, max int
	var err error
	if strings.Contains(ports, ":") {
		portMinMax := strings.SplitN(ports, ":", 2)
		if len(portMinMax) != 2 {
			return nil, errors.New("Invalid port specification")
		}

		min, err = strconv.Atoi(portMinMax[0])
		if err != nil || min < 0 || min >= 65536 {
			return nil, errors.New("Min is not a valid port")
		}

		max, err = strconv.Atoi(portMinMax[1])
		if err != nil || max < 0 || max >= 65536 {
			return nil, errors.New("Max is not a valid port")
		}
	} else {
		min, err = strconv.Atoi(ports)
		if err != nil || min >= 65536 || min < 0 {
			return nil, errors.New("Port is larger than 2^16 or invalid port")
		}
		max = min
	}

	return NewPortSpec(uint16(min), uint16(max))
}

// IsMultiPort returns true if the spec is for multiple ports.
func (s *PortSpec) IsMultiPort() bool {
	return s.Min != s.Max
}

// Range returns the range of a spec.
func (s *PortSpec) Range() (uint16, uint16) {
	return s.Min, s.Max
}

// String returns the spec as "port" or "min:max".
func (s *PortSpec) String() string {
	if s.IsMultiPort() {
		return strconv.Itoa(int(s.Min)) + ":" + strconv.Itoa(int(s.Max))
	}

	return strconv.Itoa(int(s.Min))
}

// Overlaps returns true if the provided port spec overlaps with the given one.
func (s *PortSpec) Overlaps(p *PortSpec) bool {
	a := p
	b := s
	if a.Min > b.Min {
		a = s
		b = p
	}
	return a.Max >= b.Min
}

// IsIncluded returns trues if a port is within the range of the portspec
func (s *PortSpec) IsIncluded(port int) bool {
	if port < 0 || port > 0xffff {
		return false
	}
	p := uint16(port)
	return s.Min <= p && p <= s.Max
}

// MaskSpec is a value/mask pair. A field matches when
// field&Mask == Value&Mask.
type MaskSpec struct {
	Value uint16 `json:"Value" yaml:"value"`
	Mask  uint16 `json:"Mask" yaml:"mask"`
}

// NewMaskSpecFromString parses "value/mask". Both parts accept decimal or
// 0x prefixed hexadecimal. A missing mask means an exact match.
func NewMaskSpecFromString(spec string, bits int) (*MaskSpec, error) {

	if bits <= 0 || bits > 16 {
		return nil, errors.New("Invalid field width")
	}

	limit := uint64(1)<<uint(bits) - 1

	parts := strings.SplitN(spec, "/", 2)

	value, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 16)
	if err != nil || value > limit {
		return nil, errors.New("Value is not valid")
	}

	mask := limit
	if len(parts) == 2 {
		mask, err = strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 16)
		if err != nil || mask > limit {
			return nil, errors.New("Mask is not valid")
		}
	}

	return &MaskSpec{
		Value: uint16(value),
		Mask:  uint16(mask),
	}, nil
}

// Matches returns true if the field matches the value under the mask.
func (m *MaskSpec) Matches(field uint16) bool {
	return field&m.Mask == m.Value&m.Mask
}

// String returns the spec as "0xvalue/0xmask".
func (m *MaskSpec) String() string {
	return "0x" + strconv.FormatUint(uint64(m.Value), 16) + "/0x" + strconv.FormatUint(uint64(m.Mask), 16)
}
