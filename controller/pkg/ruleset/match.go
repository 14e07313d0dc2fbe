package ruleset

// Match is the address level part of a rule. It is either an *IPv4Match or
// an *IPv6Match.
type Match interface {
	Family() Family
	sealed()
}

// IPv4Match holds the IPv4 address comparands of a rule. A zero mask
// matches any address.
type IPv4Match struct {
	Source          [4]byte
	SourceMask      [4]byte
	Destination     [4]byte
	DestinationMask [4]byte
}

// Family implements Match.
func (m *IPv4Match) Family() Family { return IPv4 }

func (m *IPv4Match) sealed() {}

// IPv6Match holds the IPv6 address and flow label comparands of a rule.
type IPv6Match struct {
	Source          [16]byte
	SourceMask      [16]byte
	Destination     [16]byte
	DestinationMask [16]byte
	FlowLabel       uint32
	FlowLabelMask   uint32
}

// Family implements Match.
func (m *IPv6Match) Family() Family { return IPv6 }

func (m *IPv6Match) sealed() {}

// MaskedEqual returns true when a and b are equal under mask. All three
// slices must have the same length.
func MaskedEqual(a, b, mask []byte) bool {

	if len(a) != len(mask) || len(b) != len(mask) {
		return false
	}

	for i := range mask {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}

	return true
}
