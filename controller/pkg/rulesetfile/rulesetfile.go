// Package rulesetfile loads rulesets from YAML description files.
//
// A description looks like:
//
//	name: edge
//	rules:
//	  - action: accept
//	    priority: 10
//	    tag: 7
//	    protocol: tcp
//	    destination: 10.1.0.0/16
//	    ports:
//	      destination: ["80", "8000:8080", "0x400/0xff00"]
//	  - action: reject
//	    priority: 20
//	    source: 2001:db8::/32
//	    flow_label: 0x12345/0xfffff
//
// Ports and ICMP types are either a port ("80"), an inclusive range
// ("8000:8080") or a value/mask pair ("0x400/0xff00").
package rulesetfile

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/utils/portspec"
	"gopkg.in/yaml.v3"
	"inet.af/netaddr"
)

type rawRuleset struct {
	Name  string    `yaml:"name"`
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Family      string   `yaml:"family"`
	Action      string   `yaml:"action"`
	Priority    uint16   `yaml:"priority"`
	Tag         uint16   `yaml:"tag"`
	Steering    string   `yaml:"steering"`
	Snap        *uint16  `yaml:"snap"`
	Protocol    string   `yaml:"protocol"`
	Source      string   `yaml:"source"`
	Destination string   `yaml:"destination"`
	FlowLabel   string   `yaml:"flow_label"`
	Ports       rawPorts `yaml:"ports"`
	ICMPTypes   []string `yaml:"icmp_types"`
}

type rawPorts struct {
	Source      []string `yaml:"source"`
	Destination []string `yaml:"destination"`
}

// LoadFile loads the ruleset described in the file at path.
func LoadFile(path string) (*ruleset.Ruleset, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open ruleset file %s", path)
	}
	defer f.Close() // nolint errcheck

	return Load(f)
}

// Parse loads a ruleset from an in memory description.
func Parse(data []byte) (*ruleset.Ruleset, error) {
	return Load(bytes.NewReader(data))
}

// Load reads a ruleset description. Unknown keys are rejected.
func Load(r io.Reader) (*ruleset.Ruleset, error) {

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var raw rawRuleset
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, common.ErrInvalidArgument("ruleset description: %s", err)
	}

	rs := ruleset.New(raw.Name)

	for i := range raw.Rules {
		if err := addRule(rs, &raw.Rules[i]); err != nil {
			rs.Release()
			return nil, errors.Wrapf(err, "rule %d", i)
		}
	}

	return rs, nil
}

func addRule(rs *ruleset.Ruleset, rr *rawRule) error {

	action, err := parseAction(rr.Action)
	if err != nil {
		return err
	}

	src, err := parsePrefix(rr.Source)
	if err != nil {
		return err
	}

	dst, err := parsePrefix(rr.Destination)
	if err != nil {
		return err
	}

	family, err := familyOf(rr.Family, src, dst)
	if err != nil {
		return err
	}

	var r *ruleset.Rule
	if family == ruleset.IPv6 {
		r = rs.AddIPv6Rule(action, rr.Tag, rr.Priority)
	} else {
		r = rs.AddIPv4Rule(action, rr.Tag, rr.Priority)
	}

	if err := setAddress(r.SetSource, family, src); err != nil {
		return err
	}

	if err := setAddress(r.SetDestination, family, dst); err != nil {
		return err
	}

	if rr.FlowLabel != "" {
		value, mask, err := parseFlowLabel(rr.FlowLabel)
		if err != nil {
			return err
		}
		if err := r.SetFlowLabel(value, mask); err != nil {
			return err
		}
	}

	switch rr.Steering {
	case "", "host":
	case "line":
		if err := r.SetSteering(ruleset.SteerLine); err != nil {
			return err
		}
	default:
		return common.ErrInvalidArgument("steering %q", rr.Steering)
	}

	if rr.Snap != nil {
		if err := r.SetSnapLength(*rr.Snap); err != nil {
			return err
		}
	}

	protocol, err := parseProtocol(rr.Protocol)
	if err != nil {
		return err
	}

	if err := r.SetProtocol(protocol); err != nil {
		return err
	}

	if err := addPorts(r, ruleset.Source, rr.Ports.Source); err != nil {
		return err
	}

	if err := addPorts(r, ruleset.Destination, rr.Ports.Destination); err != nil {
		return err
	}

	return addICMPTypes(r, rr.ICMPTypes)
}

func parseAction(s string) (ruleset.Action, error) {

	switch strings.ToLower(s) {
	case "accept":
		return ruleset.Accept, nil
	case "reject", "drop":
		return ruleset.Reject, nil
	default:
		return 0, common.ErrInvalidArgument("action %q", s)
	}
}

var protocols = map[string]ruleset.Protocol{
	"":       ruleset.ProtocolAny,
	"any":    ruleset.ProtocolAny,
	"icmp":   ruleset.ProtocolICMP,
	"tcp":    ruleset.ProtocolTCP,
	"udp":    ruleset.ProtocolUDP,
	"icmpv6": ruleset.ProtocolICMPv6,
	"sctp":   ruleset.ProtocolSCTP,
}

func parseProtocol(s string) (ruleset.Protocol, error) {

	if p, ok := protocols[strings.ToLower(s)]; ok {
		return p, nil
	}

	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, common.ErrInvalidArgument("protocol %q", s)
	}

	return ruleset.Protocol(n), nil
}

func parsePrefix(s string) (*net.IPNet, error) {

	if s == "" {
		return nil, nil
	}

	if !strings.Contains(s, "/") {
		ip, err := netaddr.ParseIP(s)
		if err != nil {
			return nil, common.ErrInvalidArgument("address %q: %s", s, err)
		}
		if ip.Is4() {
			s += "/32"
		} else {
			s += "/128"
		}
	}

	p, err := netaddr.ParseIPPrefix(s)
	if err != nil {
		return nil, common.ErrInvalidArgument("prefix %q: %s", s, err)
	}

	return p.IPNet(), nil
}

// familyOf picks the rule family from an explicit setting or the prefixes.
// Rules without any hint are IPv4.
func familyOf(s string, prefixes ...*net.IPNet) (ruleset.Family, error) {

	var family ruleset.Family

	switch strings.ToLower(s) {
	case "":
	case "ipv4", "4":
		family = ruleset.IPv4
	case "ipv6", "6":
		family = ruleset.IPv6
	default:
		return 0, common.ErrInvalidArgument("family %q", s)
	}

	for _, p := range prefixes {
		if p == nil {
			continue
		}
		f := ruleset.IPv6
		if len(p.Mask) == net.IPv4len {
			f = ruleset.IPv4
		}
		if family != 0 && family != f {
			return 0, common.ErrInvalidArgument("%s is not an %s prefix", p, family)
		}
		family = f
	}

	if family == 0 {
		family = ruleset.IPv4
	}

	return family, nil
}

func setAddress(set func(addr, mask []byte) error, family ruleset.Family, p *net.IPNet) error {

	if p == nil {
		return nil
	}

	addr := p.IP.To16()
	if family == ruleset.IPv4 {
		addr = p.IP.To4()
	}

	return set(addr, p.Mask)
}

func parseFlowLabel(s string) (uint32, uint32, error) {

	parts := strings.SplitN(s, "/", 2)

	value, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 20)
	if err != nil {
		return 0, 0, common.ErrInvalidArgument("flow label %q", s)
	}

	mask := uint64(0xfffff)
	if len(parts) == 2 {
		if mask, err = strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 20); err != nil {
			return 0, 0, common.ErrInvalidArgument("flow label mask %q", s)
		}
	}

	return uint32(value), uint32(mask), nil
}

func addPorts(r *ruleset.Rule, dir ruleset.Direction, specs []string) error {

	for _, s := range specs {

		if strings.Contains(s, "/") {
			m, err := portspec.NewMaskSpecFromString(s, 16)
			if err != nil {
				return common.ErrInvalidArgument("%s port %q: %s", dir, s, err)
			}
			if err := r.AddPortBitmask(dir, m.Value, m.Mask); err != nil {
				return err
			}
			continue
		}

		p, err := portspec.NewPortSpecFromString(s)
		if err != nil {
			return common.ErrInvalidArgument("%s port %q: %s", dir, s, err)
		}
		if err := r.AddPortRange(dir, p.Min, p.Max); err != nil {
			return err
		}
	}

	return nil
}

func addICMPTypes(r *ruleset.Rule, specs []string) error {

	for _, s := range specs {

		if strings.Contains(s, "/") {
			m, err := portspec.NewMaskSpecFromString(s, 8)
			if err != nil {
				return common.ErrInvalidArgument("icmp type %q: %s", s, err)
			}
			if err := r.AddICMPTypeBitmask(uint8(m.Value), uint8(m.Mask)); err != nil {
				return err
			}
			continue
		}

		p, err := portspec.NewPortSpecFromString(s)
		if err != nil || p.Max > 0xff {
			return common.ErrInvalidArgument("icmp type %q", s)
		}
		if err := r.AddICMPTypeRange(uint8(p.Min), uint8(p.Max)); err != nil {
			return err
		}
	}

	return nil
}
