package classifier

import (
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.uber.org/zap"
)

// Report is the outcome of replaying a capture against a ruleset.
type Report struct {
	Packets  uint64
	Accepted uint64
	// Dropped counts packets matching no rule or a reject rule.
	Dropped uint64
	// Hits counts the packets each rule matched first, for accept and
	// reject rules alike.
	Hits map[*ruleset.Rule]uint64
}

// Replay classifies every packet of a pcap capture. Ethernet and raw IP
// captures are supported.
func Replay(rs *ruleset.Ruleset, r io.Reader) (*Report, error) {

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read capture header")
	}

	var match func(*ruleset.Ruleset, []byte) *ruleset.Rule

	switch lt := reader.LinkType(); lt {
	case layers.LinkTypeEthernet:
		match = FirstMatch
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		match = FirstMatchIP
	default:
		return nil, common.ErrInvalidArgument("unsupported link type %s", lt)
	}

	report := &Report{
		Hits: map[*ruleset.Rule]uint64{},
	}

	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, errors.Wrapf(err, "unable to read packet %d", report.Packets+1)
		}

		report.Packets++

		rule := match(rs, data)
		if rule != nil {
			report.Hits[rule]++
		}

		if accepted(rule) != nil {
			report.Accepted++
		} else {
			report.Dropped++
		}
	}

	zap.L().Debug("Replayed capture",
		zap.String("ruleset", rs.ID()),
		zap.Uint64("packets", report.Packets),
		zap.Uint64("accepted", report.Accepted),
		zap.Uint64("dropped", report.Dropped),
	)

	return report, nil
}
