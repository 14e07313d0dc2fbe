package transport

import (
	"encoding/binary"

	"go.aporeto.io/capfilter/common"
)

// ClassIPFilter is the message class of the IP filter co-processor.
const ClassIPFilter uint16 = 0x0049

// completionFlag marks a message id as the completion of a request.
const completionFlag = 0x8000

// Op is an operation of the IP filter class.
type Op uint16

// Operations of the IP filter class.
const (
	OpCreateRuleset Op = iota + 1
	OpDeleteRuleset
	OpResetRuleset
	OpActivateRuleset
	OpAddIPFilter
	OpRemoveIPFilter
	OpSetPortFilterRange
	OpSetPortFilterBitmask
	OpClearPortFilters
	OpGetStatistics
	OpResetStatistics
	OpRemoveAllRulesets
	OpDuplicateIPFilter
	opMax
)

var opNames = map[Op]string{
	OpCreateRuleset:        "CreateRuleset",
	OpDeleteRuleset:        "DeleteRuleset",
	OpResetRuleset:         "ResetRuleset",
	OpActivateRuleset:      "ActivateRuleset",
	OpAddIPFilter:          "AddIpFilter",
	OpRemoveIPFilter:       "RemoveIpFilter",
	OpSetPortFilterRange:   "SetPortFilterRange",
	OpSetPortFilterBitmask: "SetPortFilterBitmask",
	OpClearPortFilters:     "ClearPortFilters",
	OpGetStatistics:        "GetStatistics",
	OpResetStatistics:      "ResetStatistics",
	OpRemoveAllRulesets:    "RemoveAllRulesets",
	OpDuplicateIPFilter:    "DuplicateIpFilter",
}

func (o Op) String() string {

	if name, ok := opNames[o]; ok {
		return name
	}

	return "Unknown"
}

// MessageID returns the request message id of the operation.
func (o Op) MessageID() uint32 {
	return uint32(ClassIPFilter)<<16 | uint32(o)
}

// CompletionID returns the message id of the completion of the operation.
func (o Op) CompletionID() uint32 {
	return o.MessageID() | completionFlag
}

// ParseMessageID splits a message id. ok is false when the id is not an IP
// filter request or completion.
func ParseMessageID(id uint32) (op Op, completion bool, ok bool) {

	if uint16(id>>16) != ClassIPFilter {
		return 0, false, false
	}

	low := uint16(id)
	completion = low&completionFlag != 0
	op = Op(low &^ completionFlag)

	if op < OpCreateRuleset || op >= opMax {
		return 0, false, false
	}

	return op, completion, true
}

// Request is a request record.
type Request interface {
	// Op returns the operation of the request.
	Op() Op

	// Entries is the number of bulk entries the device processes for the
	// request. It scales the completion timeout.
	Entries() int

	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

var le = binary.LittleEndian

func checkLength(op Op, b []byte, want int) error {

	if len(b) != want {
		return common.ErrProtocolMismatch("%s record of %d bytes, expected %d", op, len(b), want)
	}

	return nil
}

// CreateRuleset asks the device for a new empty ruleset on an interface.
type CreateRuleset struct {
	Iface uint8
}

// Op implements Request.
func (r *CreateRuleset) Op() Op { return OpCreateRuleset }

// Entries implements Request.
func (r *CreateRuleset) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *CreateRuleset) MarshalBinary() ([]byte, error) {
	return []byte{r.Iface, 0, 0, 0}, nil
}

// UnmarshalBinary implements Request.
func (r *CreateRuleset) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 4); err != nil {
		return err
	}
	r.Iface = b[0]
	return nil
}

// RulesetRequest is the record shared by DeleteRuleset and ResetRuleset.
type RulesetRequest struct {
	op      Op
	Ruleset uint16
}

// NewDeleteRuleset returns a request freeing a device ruleset.
func NewDeleteRuleset(ruleset uint16) *RulesetRequest {
	return &RulesetRequest{op: OpDeleteRuleset, Ruleset: ruleset}
}

// NewResetRuleset returns a request removing every rule of a device ruleset.
func NewResetRuleset(ruleset uint16) *RulesetRequest {
	return &RulesetRequest{op: OpResetRuleset, Ruleset: ruleset}
}

// Op implements Request.
func (r *RulesetRequest) Op() Op { return r.op }

// Entries implements Request.
func (r *RulesetRequest) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *RulesetRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	le.PutUint16(b, r.Ruleset)
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *RulesetRequest) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.op, b, 4); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b)
	return nil
}

// ActivateRuleset makes a ruleset the active one of an interface.
type ActivateRuleset struct {
	Ruleset uint16
	Iface   uint8

	// Instances is the number of rule instances of the ruleset. It is not
	// sent and only scales the timeout.
	Instances int
}

// Op implements Request.
func (r *ActivateRuleset) Op() Op { return OpActivateRuleset }

// Entries implements Request.
func (r *ActivateRuleset) Entries() int { return r.Instances }

// MarshalBinary implements Request.
func (r *ActivateRuleset) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	le.PutUint16(b, r.Ruleset)
	b[2] = r.Iface
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *ActivateRuleset) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 4); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b)
	r.Iface = b[2]
	return nil
}

// AddIPFilterLength is the size of an AddIPFilter record.
const AddIPFilterLength = 100

// Flags of AddIPFilter.
const (
	FlagAccept      uint32 = 1 << 0
	FlagIPv6        uint32 = 1 << 1
	FlagSteerLine   uint32 = 1 << 2
	FlagIfaceFilter uint32 = 1 << 3

	tagShift = 16
	tagMask  = 0x3fff
)

// AddIPFilter adds one rule instance to a ruleset.
type AddIPFilter struct {
	UniqueID uint32
	Priority uint32
	Value    [10]uint32
	Mask     [10]uint32
	Flags    uint32
	Ruleset  uint16
	Snap     uint16
	FilterID uint16
	Iface    uint8
	Protocol uint8
}

// Op implements Request.
func (r *AddIPFilter) Op() Op { return OpAddIPFilter }

// Entries implements Request.
func (r *AddIPFilter) Entries() int { return 0 }

// Tag returns the rule tag carried in the flags.
func (r *AddIPFilter) Tag() uint16 {
	return uint16(r.Flags>>tagShift) & tagMask
}

// MarshalBinary implements Request.
func (r *AddIPFilter) MarshalBinary() ([]byte, error) {

	b := make([]byte, AddIPFilterLength)

	le.PutUint32(b[0:], r.UniqueID)
	le.PutUint32(b[4:], r.Priority)
	for i := 0; i < 10; i++ {
		le.PutUint32(b[8+4*i:], r.Value[i])
		le.PutUint32(b[48+4*i:], r.Mask[i])
	}
	le.PutUint32(b[88:], r.Flags)
	le.PutUint16(b[92:], r.Ruleset)
	le.PutUint16(b[94:], r.Snap)
	le.PutUint16(b[96:], r.FilterID)
	b[98] = r.Iface
	b[99] = r.Protocol

	return b, nil
}

// UnmarshalBinary implements Request.
func (r *AddIPFilter) UnmarshalBinary(b []byte) error {

	if err := checkLength(r.Op(), b, AddIPFilterLength); err != nil {
		return err
	}

	r.UniqueID = le.Uint32(b[0:])
	r.Priority = le.Uint32(b[4:])
	for i := 0; i < 10; i++ {
		r.Value[i] = le.Uint32(b[8+4*i:])
		r.Mask[i] = le.Uint32(b[48+4*i:])
	}
	r.Flags = le.Uint32(b[88:])
	r.Ruleset = le.Uint16(b[92:])
	r.Snap = le.Uint16(b[94:])
	r.FilterID = le.Uint16(b[96:])
	r.Iface = b[98]
	r.Protocol = b[99]

	return nil
}

// InstanceRequest is the record shared by RemoveIpFilter, ClearPortFilters
// and ResetStatistics.
type InstanceRequest struct {
	op       Op
	Ruleset  uint16
	UniqueID uint32
}

// NewRemoveIPFilter returns a request removing a rule instance.
func NewRemoveIPFilter(ruleset uint16, uniqueID uint32) *InstanceRequest {
	return &InstanceRequest{op: OpRemoveIPFilter, Ruleset: ruleset, UniqueID: uniqueID}
}

// NewClearPortFilters returns a request dropping the port filters of a rule
// instance.
func NewClearPortFilters(ruleset uint16, uniqueID uint32) *InstanceRequest {
	return &InstanceRequest{op: OpClearPortFilters, Ruleset: ruleset, UniqueID: uniqueID}
}

// NewResetStatistics returns a request zeroing the counters of a rule
// instance.
func NewResetStatistics(ruleset uint16, uniqueID uint32) *InstanceRequest {
	return &InstanceRequest{op: OpResetStatistics, Ruleset: ruleset, UniqueID: uniqueID}
}

// Op implements Request.
func (r *InstanceRequest) Op() Op { return r.op }

// Entries implements Request.
func (r *InstanceRequest) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *InstanceRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	le.PutUint16(b[0:], r.Ruleset)
	le.PutUint32(b[4:], r.UniqueID)
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *InstanceRequest) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.op, b, 8); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b[0:])
	r.UniqueID = le.Uint32(b[4:])
	return nil
}

// Flags of the port filter requests.
const (
	PortFlagSource   uint16 = 1 << 0
	PortFlagICMPType uint16 = 1 << 1
)

// PortRange is an inclusive range entry.
type PortRange struct {
	Min uint16
	Max uint16
}

// SetPortFilterRange loads a list of ranges onto a rule instance.
type SetPortFilterRange struct {
	Ruleset  uint16
	UniqueID uint32
	Flags    uint16
	Ranges   []PortRange
}

// Op implements Request.
func (r *SetPortFilterRange) Op() Op { return OpSetPortFilterRange }

// Entries implements Request.
func (r *SetPortFilterRange) Entries() int { return len(r.Ranges) }

// MarshalBinary implements Request.
func (r *SetPortFilterRange) MarshalBinary() ([]byte, error) {

	if len(r.Ranges) > 0xffff {
		return nil, common.ErrInvalidArgument("%d ranges do not fit one request", len(r.Ranges))
	}

	b := make([]byte, 12+4*len(r.Ranges))
	le.PutUint16(b[0:], r.Ruleset)
	le.PutUint32(b[4:], r.UniqueID)
	le.PutUint16(b[8:], r.Flags)
	le.PutUint16(b[10:], uint16(len(r.Ranges)))
	for i, pr := range r.Ranges {
		le.PutUint32(b[12+4*i:], uint32(pr.Min)<<16|uint32(pr.Max))
	}

	return b, nil
}

// UnmarshalBinary implements Request.
func (r *SetPortFilterRange) UnmarshalBinary(b []byte) error {

	if len(b) < 12 {
		return common.ErrProtocolMismatch("%s record of %d bytes is too short", r.Op(), len(b))
	}

	count := int(le.Uint16(b[10:]))
	if err := checkLength(r.Op(), b, 12+4*count); err != nil {
		return err
	}

	r.Ruleset = le.Uint16(b[0:])
	r.UniqueID = le.Uint32(b[4:])
	r.Flags = le.Uint16(b[8:])
	r.Ranges = make([]PortRange, count)
	for i := range r.Ranges {
		v := le.Uint32(b[12+4*i:])
		r.Ranges[i] = PortRange{Min: uint16(v >> 16), Max: uint16(v)}
	}

	return nil
}

// SetPortFilterBitmask loads a value/mask filter onto a rule instance.
type SetPortFilterBitmask struct {
	Ruleset  uint16
	UniqueID uint32
	Flags    uint16
	Value    uint16
	Mask     uint16
}

// Op implements Request.
func (r *SetPortFilterBitmask) Op() Op { return OpSetPortFilterBitmask }

// Entries implements Request.
func (r *SetPortFilterBitmask) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *SetPortFilterBitmask) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	le.PutUint16(b[0:], r.Ruleset)
	le.PutUint32(b[4:], r.UniqueID)
	le.PutUint16(b[8:], r.Flags)
	le.PutUint16(b[12:], r.Value)
	le.PutUint16(b[14:], r.Mask)
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *SetPortFilterBitmask) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 16); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b[0:])
	r.UniqueID = le.Uint32(b[4:])
	r.Flags = le.Uint16(b[8:])
	r.Value = le.Uint16(b[12:])
	r.Mask = le.Uint16(b[14:])
	return nil
}

// Statistic counters of a rule instance.
const (
	StatisticPackets uint32 = 0
	StatisticBytes   uint32 = 1
)

// GetStatistics reads one counter of a rule instance.
type GetStatistics struct {
	Ruleset  uint16
	UniqueID uint32
	Counter  uint32
}

// Op implements Request.
func (r *GetStatistics) Op() Op { return OpGetStatistics }

// Entries implements Request.
func (r *GetStatistics) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *GetStatistics) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	le.PutUint16(b[0:], r.Ruleset)
	le.PutUint32(b[4:], r.UniqueID)
	le.PutUint32(b[8:], r.Counter)
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *GetStatistics) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 12); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b[0:])
	r.UniqueID = le.Uint32(b[4:])
	r.Counter = le.Uint32(b[8:])
	return nil
}

// RemoveAllRulesets frees every ruleset of an interface and leaves it
// unfiltered.
type RemoveAllRulesets struct {
	Iface uint8
}

// Op implements Request.
func (r *RemoveAllRulesets) Op() Op { return OpRemoveAllRulesets }

// Entries implements Request.
func (r *RemoveAllRulesets) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *RemoveAllRulesets) MarshalBinary() ([]byte, error) {
	return []byte{r.Iface, 0, 0, 0}, nil
}

// UnmarshalBinary implements Request.
func (r *RemoveAllRulesets) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 4); err != nil {
		return err
	}
	r.Iface = b[0]
	return nil
}

// DuplicateIPFilter copies a rule instance, without its port filters, under
// a new unique id.
type DuplicateIPFilter struct {
	Ruleset     uint16
	UniqueID    uint32
	NewUniqueID uint32
}

// Op implements Request.
func (r *DuplicateIPFilter) Op() Op { return OpDuplicateIPFilter }

// Entries implements Request.
func (r *DuplicateIPFilter) Entries() int { return 0 }

// MarshalBinary implements Request.
func (r *DuplicateIPFilter) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	le.PutUint16(b[0:], r.Ruleset)
	le.PutUint32(b[4:], r.UniqueID)
	le.PutUint32(b[8:], r.NewUniqueID)
	return b, nil
}

// UnmarshalBinary implements Request.
func (r *DuplicateIPFilter) UnmarshalBinary(b []byte) error {
	if err := checkLength(r.Op(), b, 12); err != nil {
		return err
	}
	r.Ruleset = le.Uint16(b[0:])
	r.UniqueID = le.Uint32(b[4:])
	r.NewUniqueID = le.Uint32(b[8:])
	return nil
}

// NewRequest returns an empty request of the operation, ready to be
// unmarshalled.
func NewRequest(op Op) (Request, error) {

	switch op {
	case OpCreateRuleset:
		return &CreateRuleset{}, nil
	case OpDeleteRuleset, OpResetRuleset:
		return &RulesetRequest{op: op}, nil
	case OpActivateRuleset:
		return &ActivateRuleset{}, nil
	case OpAddIPFilter:
		return &AddIPFilter{}, nil
	case OpRemoveIPFilter, OpClearPortFilters, OpResetStatistics:
		return &InstanceRequest{op: op}, nil
	case OpSetPortFilterRange:
		return &SetPortFilterRange{}, nil
	case OpSetPortFilterBitmask:
		return &SetPortFilterBitmask{}, nil
	case OpGetStatistics:
		return &GetStatistics{}, nil
	case OpRemoveAllRulesets:
		return &RemoveAllRulesets{}, nil
	case OpDuplicateIPFilter:
		return &DuplicateIPFilter{}, nil
	default:
		return nil, common.ErrInvalidArgument("unknown operation %d", op)
	}
}

// Completion is a decoded completion record.
type Completion struct {
	Result uint32

	// RulesetID is set by CreateRuleset.
	RulesetID uint16

	// Statistic is set by GetStatistics.
	Statistic uint64
}

// CompletionLength returns the size of the completion record of op.
func CompletionLength(op Op) int {

	switch op {
	case OpCreateRuleset:
		return 8
	case OpGetStatistics:
		return 12
	default:
		return 4
	}
}

// EncodeCompletion builds the completion record of op.
func EncodeCompletion(op Op, c Completion) []byte {

	b := make([]byte, CompletionLength(op))

	switch op {
	case OpCreateRuleset:
		le.PutUint16(b[0:], c.RulesetID)
		le.PutUint32(b[4:], c.Result)
	case OpGetStatistics:
		le.PutUint32(b[0:], c.Result)
		le.PutUint32(b[4:], uint32(c.Statistic>>32))
		le.PutUint32(b[8:], uint32(c.Statistic))
	default:
		le.PutUint32(b[0:], c.Result)
	}

	return b
}

// DecodeCompletion parses the completion record of op.
func DecodeCompletion(op Op, b []byte) (Completion, error) {

	var c Completion

	if err := checkLength(op, b, CompletionLength(op)); err != nil {
		return c, err
	}

	switch op {
	case OpCreateRuleset:
		c.RulesetID = le.Uint16(b[0:])
		c.Result = le.Uint32(b[4:])
	case OpGetStatistics:
		c.Result = le.Uint32(b[0:])
		c.Statistic = uint64(le.Uint32(b[4:]))<<32 | uint64(le.Uint32(b[8:]))
	default:
		c.Result = le.Uint32(b[0:])
	}

	return c, nil
}
