package controller

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
	"go.uber.org/zap"
)

const snapshotVersion = 1

type snapshotEntry struct {
	Handle      string   `codec:"handle"`
	DeviceID    uint16   `codec:"deviceID"`
	Iface       uint8    `codec:"iface"`
	State       State    `codec:"state"`
	Fingerprint uint64   `codec:"fingerprint"`
	UniqueIDs   []uint32 `codec:"uniqueIDs"`
}

type snapshot struct {
	Version      int             `codec:"version"`
	NextUniqueID uint64          `codec:"nextUniqueID"`
	Entries      []snapshotEntry `codec:"entries"`
}

func newMsgpackHandle() *codec.MsgpackHandle {

	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.Canonical = true
	h.MapType = reflect.ValueOf(map[string]interface{}{}).Type()

	return h
}

// Snapshot serializes the device mappings of the rulesets downloaded or
// active on the device. A later process can restore it to free what this one
// left on the device.
func (m *Manager) Snapshot() ([]byte, error) {

	m.op.Lock()
	defer m.op.Unlock()

	s := snapshot{
		Version:      snapshotVersion,
		NextUniqueID: m.nextUniqueID,
		Entries:      []snapshotEntry{},
	}

	for _, e := range m.table.list(func(e *entry) bool { return e.mapped() }) {
		s.Entries = append(s.Entries, snapshotEntry{
			Handle:      e.handle,
			DeviceID:    e.deviceID,
			Iface:       e.iface,
			State:       e.state,
			Fingerprint: e.fingerprint,
			UniqueIDs:   append([]uint32(nil), e.uniqueIDs...),
		})
	}

	sort.Slice(s.Entries, func(i, j int) bool {
		return s.Entries[i].DeviceID < s.Entries[j].DeviceID
	})

	var b []byte
	if err := encodeSnapshot(&b, s); err != nil {
		return nil, err
	}

	return b, nil
}

func encodeSnapshot(b *[]byte, s snapshot) error {

	if err := codec.NewEncoderBytes(b, newMsgpackHandle()).Encode(&s); err != nil {
		return errors.Wrap(err, "unable to encode snapshot")
	}

	return nil
}

// Restore loads the mappings of a snapshot as restored entries. Restored
// entries are only used to free the device rulesets with PurgeRestored. Rule
// instance ids allocated afterwards do not collide with the restored ones.
func (m *Manager) Restore(data []byte) error {

	var s snapshot
	if err := codec.NewDecoderBytes(data, newMsgpackHandle()).Decode(&s); err != nil {
		return common.ErrInvalidArgument("unable to decode snapshot: %s", err)
	}

	if s.Version != snapshotVersion {
		return common.ErrInvalidArgument("snapshot version %d, expected %d", s.Version, snapshotVersion)
	}

	m.op.Lock()
	defer m.op.Unlock()

	for _, se := range s.Entries {

		if se.State != Downloaded && se.State != Active {
			return common.ErrInvalidArgument("snapshot entry %s in state %s", se.Handle, se.State)
		}

		if e, ok := m.table.get(se.Handle); ok && e.mapped() {
			zap.L().Warn("Ignoring snapshot entry of a ruleset already downloaded", zap.String("ruleset", se.Handle))
			continue
		}

		m.table.put(&entry{
			handle:      se.Handle,
			deviceID:    se.DeviceID,
			iface:       se.Iface,
			fingerprint: se.Fingerprint,
			state:       se.State,
			instances:   map[*ruleset.Rule][]uint32{},
			uniqueIDs:   se.UniqueIDs,
			restored:    true,
		})
	}

	if s.NextUniqueID > m.nextUniqueID {
		m.nextUniqueID = s.NextUniqueID
	}

	zap.L().Info("Snapshot restored", zap.Int("rulesets", len(s.Entries)))

	return nil
}

// PurgeRestored frees the device rulesets of every restored entry. It goes
// on after a failure and returns the first error.
func (m *Manager) PurgeRestored() error {

	m.op.Lock()
	defer m.op.Unlock()

	var first error

	for _, e := range m.table.list(func(e *entry) bool { return e.restored && e.mapped() }) {

		if _, err := m.transport.Send(transport.NewDeleteRuleset(e.deviceID)); err != nil {
			zap.L().Warn("Unable to purge restored ruleset",
				zap.String("ruleset", e.handle),
				zap.Uint16("deviceID", e.deviceID),
				zap.Error(err),
			)
			m.cfg.counters.IncrementCounter(counters.ErrCleanupFailed)
			if first == nil {
				first = err
			}
			continue
		}

		m.table.setState(e, Removed)
		m.cfg.counters.IncrementCounter(counters.RulesetsRemoved)
	}

	return first
}
