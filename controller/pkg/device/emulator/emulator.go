// Package emulator is a software model of the IP filter co-processor. It
// speaks the same request/completion protocol as the hardware and keeps the
// rulesets it was programmed with so they can be inspected. Faults can be
// injected per operation.
package emulator

import (
	"sync"

	"go.aporeto.io/capfilter/controller/pkg/transport"
	"go.uber.org/zap"
)

// Result codes reported by the emulated device.
const (
	ResultOK               uint32 = 0x00
	ResultInvalidRuleset   uint32 = 0x11
	ResultInvalidFilter    uint32 = 0x12
	ResultDuplicateFilter  uint32 = 0x13
	ResultNoResources      uint32 = 0x14
	ResultMalformed        uint32 = 0x15
	ResultInvalidInterface uint32 = 0x16
	ResultInvalidCounter   uint32 = 0x17
)

// PortFilter is a filter set loaded on a rule instance.
type PortFilter struct {
	Bitmask bool
	Value   uint16
	Mask    uint16
	Ranges  []transport.PortRange
}

// Filter is a rule instance.
type Filter struct {
	Header      transport.AddIPFilter
	Source      *PortFilter
	Destination *PortFilter
	ICMPType    *PortFilter
	Packets     uint64
	Bytes       uint64
}

type rulesetState struct {
	iface   uint8
	filters map[uint32]*Filter
	order   []uint32
}

// Fault alters how the device answers an operation.
type Fault struct {
	// Skip is the number of matching requests handled normally before the
	// fault applies.
	Skip int
	// Mute drops the request without completion.
	Mute bool
	// Result fails the request with this code and leaves the state as is.
	Result uint32
	// CorruptID answers with the completion id of another operation.
	CorruptID bool
	// Truncate answers with a completion one byte short.
	Truncate bool
}

// Option is a device option.
type Option func(*Device)

// OptionInterfaces sets the number of interfaces of the device.
func OptionInterfaces(n int) Option {
	return func(d *Device) {
		d.interfaces = n
	}
}

// OptionMaxRulesets sets how many rulesets the device holds.
func OptionMaxRulesets(n int) Option {
	return func(d *Device) {
		d.maxRulesets = n
	}
}

// OptionMaxFilters sets how many rule instances a ruleset holds.
func OptionMaxFilters(n int) Option {
	return func(d *Device) {
		d.maxFilters = n
	}
}

// OptionMaxRanges sets how many range entries one port filter holds.
func OptionMaxRanges(n int) Option {
	return func(d *Device) {
		d.maxRanges = n
	}
}

// Device is the emulated co-processor. It is safe for concurrent use.
type Device struct {
	interfaces  int
	maxRulesets int
	maxFilters  int
	maxRanges   int

	rulesets map[uint16]*rulesetState
	active   map[uint8]uint16
	nextID   uint16

	faults map[transport.Op]*Fault
	log    []transport.Op

	sync.Mutex
}

// New returns an empty device.
func New(opts ...Option) *Device {

	d := &Device{
		interfaces:  4,
		maxRulesets: 64,
		maxFilters:  4096,
		maxRanges:   250,
		rulesets:    map[uint16]*rulesetState{},
		active:      map[uint8]uint16{},
		nextID:      1,
		faults:      map[transport.Op]*Fault{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// InjectFault installs a fault on an operation, replacing the previous one.
func (d *Device) InjectFault(op transport.Op, f Fault) {

	d.Lock()
	defer d.Unlock()

	d.faults[op] = &f
}

// ClearFaults removes every fault.
func (d *Device) ClearFaults() {

	d.Lock()
	defer d.Unlock()

	d.faults = map[transport.Op]*Fault{}
}

// Log returns the operations received, in order.
func (d *Device) Log() []transport.Op {

	d.Lock()
	defer d.Unlock()

	return append([]transport.Op(nil), d.log...)
}

// ResetLog clears the operation log.
func (d *Device) ResetLog() {

	d.Lock()
	defer d.Unlock()

	d.log = nil
}

// RulesetCount returns the number of rulesets held.
func (d *Device) RulesetCount() int {

	d.Lock()
	defer d.Unlock()

	return len(d.rulesets)
}

// Ruleset returns the interface and the rule instances of a ruleset in
// the order they were added.
func (d *Device) Ruleset(id uint16) (uint8, []Filter, bool) {

	d.Lock()
	defer d.Unlock()

	rs, ok := d.rulesets[id]
	if !ok {
		return 0, nil, false
	}

	filters := make([]Filter, 0, len(rs.order))
	for _, uid := range rs.order {
		filters = append(filters, *rs.filters[uid])
	}

	return rs.iface, filters, true
}

// Active returns the active ruleset of an interface.
func (d *Device) Active(iface uint8) (uint16, bool) {

	d.Lock()
	defer d.Unlock()

	id, ok := d.active[iface]
	return id, ok
}

// Hit adds traffic to the counters of a rule instance.
func (d *Device) Hit(ruleset uint16, uniqueID uint32, packets, bytes uint64) bool {

	d.Lock()
	defer d.Unlock()

	rs, ok := d.rulesets[ruleset]
	if !ok {
		return false
	}

	f, ok := rs.filters[uniqueID]
	if !ok {
		return false
	}

	f.Packets += packets
	f.Bytes += bytes

	return true
}

// Handle processes one request message. It returns the completion message
// and false when no completion is sent.
func (d *Device) Handle(msgID uint32, payload []byte) (uint32, []byte, bool) {

	d.Lock()
	defer d.Unlock()

	op, completion, ok := transport.ParseMessageID(msgID)
	if !ok || completion {
		zap.L().Debug("Emulator ignoring message", zap.Uint32("msgID", msgID))
		return 0, nil, false
	}

	d.log = append(d.log, op)

	if f, ok := d.faults[op]; ok {
		if f.Skip > 0 {
			f.Skip--
		} else {
			return d.faulty(op, f)
		}
	}

	req, err := transport.NewRequest(op)
	if err != nil {
		return 0, nil, false
	}

	var c transport.Completion
	if err := req.UnmarshalBinary(payload); err != nil {
		c.Result = ResultMalformed
	} else {
		c = d.apply(req)
	}

	return op.CompletionID(), transport.EncodeCompletion(op, c), true
}

func (d *Device) faulty(op transport.Op, f *Fault) (uint32, []byte, bool) {

	switch {
	case f.Mute:
		return 0, nil, false
	case f.CorruptID:
		other := transport.OpCreateRuleset
		if op == other {
			other = transport.OpDeleteRuleset
		}
		return other.CompletionID(), transport.EncodeCompletion(op, transport.Completion{}), true
	case f.Truncate:
		resp := transport.EncodeCompletion(op, transport.Completion{})
		return op.CompletionID(), resp[:len(resp)-1], true
	default:
		return op.CompletionID(), transport.EncodeCompletion(op, transport.Completion{Result: f.Result}), true
	}
}

func (d *Device) apply(req transport.Request) transport.Completion {

	switch r := req.(type) {

	case *transport.CreateRuleset:
		return d.createRuleset(r)

	case *transport.RulesetRequest:
		rs, ok := d.rulesets[r.Ruleset]
		if !ok {
			return transport.Completion{Result: ResultInvalidRuleset}
		}
		if r.Op() == transport.OpDeleteRuleset {
			if d.active[rs.iface] == r.Ruleset {
				delete(d.active, rs.iface)
			}
			delete(d.rulesets, r.Ruleset)
		} else {
			rs.filters = map[uint32]*Filter{}
			rs.order = nil
		}

	case *transport.ActivateRuleset:
		rs, ok := d.rulesets[r.Ruleset]
		if !ok {
			return transport.Completion{Result: ResultInvalidRuleset}
		}
		if rs.iface != r.Iface {
			return transport.Completion{Result: ResultInvalidInterface}
		}
		d.active[r.Iface] = r.Ruleset

	case *transport.AddIPFilter:
		return d.addFilter(r)

	case *transport.DuplicateIPFilter:
		return d.duplicate(r)

	case *transport.InstanceRequest:
		f, rs, result := d.filter(r.Ruleset, r.UniqueID)
		if result != ResultOK {
			return transport.Completion{Result: result}
		}
		switch r.Op() {
		case transport.OpRemoveIPFilter:
			delete(rs.filters, r.UniqueID)
			for i, uid := range rs.order {
				if uid == r.UniqueID {
					rs.order = append(rs.order[:i], rs.order[i+1:]...)
					break
				}
			}
		case transport.OpClearPortFilters:
			f.Source, f.Destination, f.ICMPType = nil, nil, nil
		case transport.OpResetStatistics:
			f.Packets, f.Bytes = 0, 0
		}

	case *transport.SetPortFilterRange:
		if len(r.Ranges) == 0 {
			return transport.Completion{Result: ResultMalformed}
		}
		if len(r.Ranges) > d.maxRanges {
			return transport.Completion{Result: ResultNoResources}
		}
		for _, pr := range r.Ranges {
			if pr.Min > pr.Max {
				return transport.Completion{Result: ResultMalformed}
			}
		}
		return d.setPorts(r.Ruleset, r.UniqueID, r.Flags, &PortFilter{Ranges: r.Ranges})

	case *transport.SetPortFilterBitmask:
		return d.setPorts(r.Ruleset, r.UniqueID, r.Flags, &PortFilter{Bitmask: true, Value: r.Value, Mask: r.Mask})

	case *transport.GetStatistics:
		f, _, result := d.filter(r.Ruleset, r.UniqueID)
		if result != ResultOK {
			return transport.Completion{Result: result}
		}
		switch r.Counter {
		case transport.StatisticPackets:
			return transport.Completion{Statistic: f.Packets}
		case transport.StatisticBytes:
			return transport.Completion{Statistic: f.Bytes}
		default:
			return transport.Completion{Result: ResultInvalidCounter}
		}

	case *transport.RemoveAllRulesets:
		if int(r.Iface) >= d.interfaces {
			return transport.Completion{Result: ResultInvalidInterface}
		}
		for id, rs := range d.rulesets {
			if rs.iface == r.Iface {
				delete(d.rulesets, id)
			}
		}
		delete(d.active, r.Iface)
	}

	return transport.Completion{}
}

func (d *Device) createRuleset(r *transport.CreateRuleset) transport.Completion {

	if int(r.Iface) >= d.interfaces {
		return transport.Completion{Result: ResultInvalidInterface}
	}

	if len(d.rulesets) >= d.maxRulesets || len(d.rulesets) >= 0xffff {
		return transport.Completion{Result: ResultNoResources}
	}

	for d.nextID == 0 || d.rulesets[d.nextID] != nil {
		d.nextID++
	}

	id := d.nextID
	d.nextID++

	d.rulesets[id] = &rulesetState{
		iface:   r.Iface,
		filters: map[uint32]*Filter{},
	}

	return transport.Completion{RulesetID: id}
}

func (d *Device) addFilter(r *transport.AddIPFilter) transport.Completion {

	rs, ok := d.rulesets[r.Ruleset]
	if !ok {
		return transport.Completion{Result: ResultInvalidRuleset}
	}

	if rs.iface != r.Iface {
		return transport.Completion{Result: ResultInvalidInterface}
	}

	if _, ok := rs.filters[r.UniqueID]; ok {
		return transport.Completion{Result: ResultDuplicateFilter}
	}

	if len(rs.filters) >= d.maxFilters {
		return transport.Completion{Result: ResultNoResources}
	}

	rs.filters[r.UniqueID] = &Filter{Header: *r}
	rs.order = append(rs.order, r.UniqueID)

	return transport.Completion{}
}

func (d *Device) duplicate(r *transport.DuplicateIPFilter) transport.Completion {

	f, rs, result := d.filter(r.Ruleset, r.UniqueID)
	if result != ResultOK {
		return transport.Completion{Result: result}
	}

	if _, ok := rs.filters[r.NewUniqueID]; ok {
		return transport.Completion{Result: ResultDuplicateFilter}
	}

	if len(rs.filters) >= d.maxFilters {
		return transport.Completion{Result: ResultNoResources}
	}

	header := f.Header
	header.UniqueID = r.NewUniqueID
	rs.filters[r.NewUniqueID] = &Filter{Header: header}
	rs.order = append(rs.order, r.NewUniqueID)

	return transport.Completion{}
}

func (d *Device) setPorts(ruleset uint16, uniqueID uint32, flags uint16, pf *PortFilter) transport.Completion {

	f, _, result := d.filter(ruleset, uniqueID)
	if result != ResultOK {
		return transport.Completion{Result: result}
	}

	switch {
	case flags&transport.PortFlagICMPType != 0:
		f.ICMPType = pf
	case flags&transport.PortFlagSource != 0:
		f.Source = pf
	default:
		f.Destination = pf
	}

	return transport.Completion{}
}

func (d *Device) filter(ruleset uint16, uniqueID uint32) (*Filter, *rulesetState, uint32) {

	rs, ok := d.rulesets[ruleset]
	if !ok {
		return nil, nil, ResultInvalidRuleset
	}

	f, ok := rs.filters[uniqueID]
	if !ok {
		return nil, nil, ResultInvalidFilter
	}

	return f, rs, ResultOK
}
