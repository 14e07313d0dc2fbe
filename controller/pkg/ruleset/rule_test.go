package ruleset

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.aporeto.io/capfilter/common"
)

func TestNormalizeSnapLength(t *testing.T) {

	for n := 0; n <= 0xffff; n++ {
		got := NormalizeSnapLength(uint16(n))
		require.Zero(t, got%8, "n=%d", n)
		require.GreaterOrEqual(t, got, uint16(24), "n=%d", n)
		if n >= 24 && n%8 != 0 {
			require.LessOrEqual(t, got, uint16(n), "n=%d", n)
		}
	}

	assert.Equal(t, uint16(24), NormalizeSnapLength(0))
	assert.Equal(t, uint16(64), NormalizeSnapLength(71))
	assert.Equal(t, uint16(72), NormalizeSnapLength(72))
}

func TestMaskIdempotence(t *testing.T) {

	for _, x := range []uint16{0, 1, 0x3fff, 0x4000, 0xffff, 0x8001} {
		assert.Equal(t, MaskTag(x), MaskTag(MaskTag(x)))
		assert.LessOrEqual(t, MaskTag(x), uint16(0x3fff))
	}

	for _, x := range []uint32{0, 1, 0xfffff, 0x100000, 0xffffffff, 0x123456} {
		assert.Equal(t, MaskFlowLabel(x), MaskFlowLabel(MaskFlowLabel(x)))
		assert.LessOrEqual(t, MaskFlowLabel(x), uint32(0xfffff))
	}
}

func TestRuleDefaults(t *testing.T) {

	rs := New("")
	r := rs.AddIPv4Rule(Reject, 0xffff, 3)

	assert.Equal(t, Reject, r.Action())
	assert.Equal(t, uint16(0x3fff), r.Tag())
	assert.Equal(t, uint16(3), r.Priority())
	assert.Equal(t, SteerHost, r.Steering())
	assert.True(t, r.Protocol().IsAny())
	assert.Equal(t, uint16(0), r.SnapLength()%8)
	assert.Empty(t, r.PortFilters())
	assert.Empty(t, r.ICMPTypeFilters())
}

func TestRuleSetters(t *testing.T) {

	tests := []struct {
		name    string
		family  Family
		apply   func(r *Rule) error
		wantErr bool
	}{
		{"ipv4 source", IPv4, func(r *Rule) error { return r.SetSource(net.IPv4(10, 0, 0, 1).To4(), net.CIDRMask(24, 32)) }, false},
		{"ipv4 destination with ipv6 bytes", IPv4, func(r *Rule) error { return r.SetDestination(net.IPv6loopback, net.CIDRMask(128, 128)) }, true},
		{"ipv6 destination", IPv6, func(r *Rule) error { return r.SetDestination(net.ParseIP("2001:db8::1"), net.CIDRMask(64, 128)) }, false},
		{"ipv6 source with ipv4 bytes", IPv6, func(r *Rule) error { return r.SetSource(net.IPv4(10, 0, 0, 1).To4(), net.CIDRMask(24, 32)) }, true},
		{"ipv4 flow label", IPv4, func(r *Rule) error { return r.SetFlowLabel(1, 0xfffff) }, true},
		{"ipv6 flow label", IPv6, func(r *Rule) error { return r.SetFlowLabel(0xabcdef1, 0xffffffff) }, false},
		{"bad action", IPv4, func(r *Rule) error { return r.SetAction(Action(9)) }, true},
		{"bad steering", IPv4, func(r *Rule) error { return r.SetSteering(Steering(9)) }, true},
		{"line steering", IPv4, func(r *Rule) error { return r.SetSteering(SteerLine) }, false},
		{"reversed port range", IPv4, func(r *Rule) error { return r.AddPortRange(Source, 90, 80) }, true},
		{"bad direction", IPv4, func(r *Rule) error { return r.AddPortBitmask(Direction(7), 1, 1) }, true},
		{"reversed icmp range", IPv4, func(r *Rule) error { return r.AddICMPTypeRange(9, 8) }, true},
		{"icmp bitmask", IPv4, func(r *Rule) error { return r.AddICMPTypeBitmask(8, 0xff) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := New("")
			r := rs.AddIPv4Rule(Accept, 0, 0)
			if tt.family == IPv6 {
				r = rs.AddIPv6Rule(Accept, 0, 0)
			}
			err := tt.apply(r)
			if tt.wantErr {
				assert.True(t, common.IsErrInvalidArgument(err), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRuleValues(t *testing.T) {

	rs := New("")
	r := rs.AddIPv6Rule(Accept, 1, 1)

	require.NoError(t, r.SetSource(net.ParseIP("2001:db8::1"), net.CIDRMask(64, 128)))
	require.NoError(t, r.SetFlowLabel(0xabcdef1, 0xffffffff))
	require.NoError(t, r.SetSnapLength(100))
	require.NoError(t, r.SetProtocol(Protocol(0x1ff)))

	m, ok := r.Match().(*IPv6Match)
	require.True(t, ok)
	assert.Equal(t, []byte(net.ParseIP("2001:db8::1")), m.Source[:])
	assert.Equal(t, uint32(0xbcdef1), m.FlowLabel)
	assert.Equal(t, uint32(0xfffff), m.FlowLabelMask)
	assert.Equal(t, uint16(96), r.SnapLength())
	assert.Equal(t, ProtocolAny, r.Protocol())

	// The returned match is a copy.
	m.FlowLabel = 0
	assert.Equal(t, uint32(0xbcdef1), r.Match().(*IPv6Match).FlowLabel)
}

func TestFilters(t *testing.T) {

	rs := New("")
	r := rs.AddIPv4Rule(Accept, 7, 10)
	require.NoError(t, r.SetProtocol(ProtocolTCP))
	require.NoError(t, r.AddPortRange(Source, 80, 80))
	require.NoError(t, r.AddPortBitmask(Destination, 443, 0xffff))

	filters := r.PortFilters()
	require.Len(t, filters, 2)
	assert.Equal(t, PortFilter{Direction: Source, Kind: Range, Min: 80, Max: 80}, filters[0])
	assert.True(t, filters[0].Matches(80))
	assert.False(t, filters[0].Matches(81))
	assert.True(t, filters[1].Matches(443))
	assert.False(t, filters[1].Matches(444))
	assert.True(t, r.UsesPortFilters())
	assert.False(t, r.UsesICMPTypeFilters())

	icmp := ICMPTypeFilter{Kind: Range, Min: 0, Max: 8}
	assert.True(t, icmp.Matches(8))
	assert.False(t, icmp.Matches(9))
}

func TestMaskedEqual(t *testing.T) {

	assert.True(t, MaskedEqual([]byte{10, 0, 0, 1}, []byte{10, 0, 0, 99}, []byte{255, 255, 255, 0}))
	assert.False(t, MaskedEqual([]byte{10, 0, 1, 1}, []byte{10, 0, 0, 1}, []byte{255, 255, 255, 0}))
	assert.False(t, MaskedEqual([]byte{10}, []byte{10, 0, 0, 1}, []byte{255, 255, 255, 0}))
}
