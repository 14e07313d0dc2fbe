package ruleset

import (
	"github.com/mitchellh/hashstructure"
	"github.com/rs/xid"
	"go.aporeto.io/capfilter/common"
)

// Ruleset is an ordered collection of rules sorted by ascending priority.
// Rules of equal priority keep their insertion order.
type Ruleset struct {
	id         string
	name       string
	rules      []*Rule
	generation uint64
}

// New creates an empty ruleset. The name is informational only.
func New(name string) *Ruleset {

	return &Ruleset{
		id:   xid.New().String(),
		name: name,
	}
}

// ID returns the host side identifier of the ruleset. It is unique within
// the process and is the key the controller tracks downloads with.
func (rs *Ruleset) ID() string {
	return rs.id
}

// Name returns the name given at creation.
func (rs *Ruleset) Name() string {
	return rs.name
}

// Generation is bumped on every change to the ruleset or one of its rules.
func (rs *Ruleset) Generation() uint64 {
	return rs.generation
}

// Len returns the number of rules.
func (rs *Ruleset) Len() int {
	return len(rs.rules)
}

// Rule returns the rule at index i. Index 0 is the rule evaluated first.
func (rs *Ruleset) Rule(i int) (*Rule, error) {

	if i < 0 || i >= len(rs.rules) {
		return nil, common.ErrInvalidArgument("rule index %d out of range [0,%d)", i, len(rs.rules))
	}

	return rs.rules[i], nil
}

// Rules returns the rules in priority order.
func (rs *Ruleset) Rules() []*Rule {
	return append([]*Rule(nil), rs.rules...)
}

// AddIPv4Rule creates an IPv4 rule and inserts it in priority order.
func (rs *Ruleset) AddIPv4Rule(action Action, tag uint16, priority uint16) *Rule {
	return rs.insert(newRule(&IPv4Match{}, action, tag, priority))
}

// AddIPv6Rule creates an IPv6 rule and inserts it in priority order.
func (rs *Ruleset) AddIPv6Rule(action Action, tag uint16, priority uint16) *Rule {
	return rs.insert(newRule(&IPv6Match{}, action, tag, priority))
}

// Remove removes a rule from the ruleset. The rule can not be modified
// afterwards.
func (rs *Ruleset) Remove(r *Rule) error {

	i := rs.indexOf(r)
	if i < 0 {
		return common.ErrNotFound("rule is not a member of ruleset %s", rs.id)
	}

	copy(rs.rules[i:], rs.rules[i+1:])
	rs.rules[len(rs.rules)-1] = nil
	rs.rules = rs.rules[:len(rs.rules)-1]

	r.ruleset = nil
	rs.generation++

	return nil
}

// Release removes every rule. All rule handles become invalid.
func (rs *Ruleset) Release() {

	for _, r := range rs.rules {
		r.ruleset = nil
	}

	rs.rules = nil
	rs.generation++
}

func (rs *Ruleset) indexOf(r *Rule) int {

	if r == nil || r.ruleset != rs {
		return -1
	}

	for i, o := range rs.rules {
		if o == r {
			return i
		}
	}

	return -1
}

func (rs *Ruleset) insert(r *Rule) *Rule {

	pos := len(rs.rules)
	for i, o := range rs.rules {
		if o.priority > r.priority {
			pos = i
			break
		}
	}

	rs.rules = append(rs.rules, nil)
	copy(rs.rules[pos+1:], rs.rules[pos:])
	rs.rules[pos] = r

	r.ruleset = rs
	rs.generation++

	return r
}

// reposition changes the priority of r and moves it to the first slot
// holding a rule of greater priority, using adjacent exchanges only.
func (rs *Ruleset) reposition(r *Rule, priority uint16) error {

	current := rs.indexOf(r)
	if current < 0 {
		return common.ErrNotFound("rule is not a member of ruleset %s", rs.id)
	}

	r.priority = priority
	rs.generation++

	// Target index once r is taken out of the list.
	target := 0
	for _, o := range rs.rules {
		if o == r {
			continue
		}
		if o.priority > priority {
			break
		}
		target++
	}

	for ; current < target; current++ {
		rs.rules[current], rs.rules[current+1] = rs.rules[current+1], rs.rules[current]
	}

	for ; current > target; current-- {
		rs.rules[current], rs.rules[current-1] = rs.rules[current-1], rs.rules[current]
	}

	return nil
}

// ruleContent is the download relevant content of a rule.
type ruleContent struct {
	Family     Family
	Action     Action
	Steering   Steering
	SnapLength uint16
	Tag        uint16
	Priority   uint16
	Protocol   Protocol
	V4         *IPv4Match
	V6         *IPv6Match
	Ports      []PortFilter
	ICMPTypes  []ICMPTypeFilter
}

// Fingerprint hashes the content of the ruleset. Two rulesets with the same
// rules in the same order have the same fingerprint.
func (rs *Ruleset) Fingerprint() (uint64, error) {

	content := make([]ruleContent, 0, len(rs.rules))

	for _, r := range rs.rules {

		c := ruleContent{
			Family:     r.Family(),
			Action:     r.action,
			Steering:   r.steering,
			SnapLength: r.snapLength,
			Tag:        r.tag,
			Priority:   r.priority,
			Protocol:   r.protocol,
			Ports:      r.ports,
			ICMPTypes:  r.icmpTypes,
		}

		switch m := r.match.(type) {
		case *IPv4Match:
			c.V4 = m
		case *IPv6Match:
			c.V6 = m
		}

		content = append(content, c)
	}

	return hashstructure.Hash(content, nil)
}
