package controller

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/smartystreets/goconvey/convey"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.aporeto.io/capfilter/controller/pkg/device/emulator"
	"go.aporeto.io/capfilter/controller/pkg/device/mockdevice"
	"go.aporeto.io/capfilter/controller/pkg/device/streamchannel"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newManager(d *emulator.Device, opts ...Option) (*Manager, *counters.Counters) {

	ctrs := counters.NewCounters()
	opts = append([]Option{
		OptionRequestTimeout(100 * time.Millisecond),
		OptionCounters(ctrs),
	}, opts...)

	m, err := New(emulator.NewChannel(d, device.KindIPF), opts...)
	So(err, ShouldBeNil)

	return m, ctrs
}

// webRuleset is a TCP rule with one source range and one destination
// bitmask.
func webRuleset() (*ruleset.Ruleset, *ruleset.Rule) {

	rs := ruleset.New("web")
	r := rs.AddIPv4Rule(ruleset.Accept, 7, 10)
	So(r.SetProtocol(ruleset.ProtocolTCP), ShouldBeNil)
	So(r.AddPortRange(ruleset.Source, 80, 80), ShouldBeNil)
	So(r.AddPortBitmask(ruleset.Destination, 443, 0xffff), ShouldBeNil)

	return rs, r
}

func TestNew(t *testing.T) {
	Convey("Given channels to devices of both kinds", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		Convey("A legacy device should be unsupported", func() {
			ch := mockdevice.NewMockChannel(ctrl)
			ch.EXPECT().Kind().Return(device.KindLegacy).AnyTimes()
			_, err := New(ch)
			So(common.IsErrUnsupportedDevice(err), ShouldBeTrue)
		})

		Convey("A capacity below one should be invalid", func() {
			_, err := New(emulator.NewChannel(emulator.New(), device.KindIPF), OptionMaxRangeFilters(0))
			So(common.IsErrInvalidArgument(err), ShouldBeTrue)
		})

		Convey("Closing the manager should close the channel", func() {
			ch := mockdevice.NewMockChannel(ctrl)
			ch.EXPECT().Kind().Return(device.KindIPF).AnyTimes()
			ch.EXPECT().Close().Return(nil)
			m, err := New(ch)
			So(err, ShouldBeNil)
			So(m.Close(), ShouldBeNil)
		})
	})
}

func TestDownload(t *testing.T) {
	Convey("Given a manager on an emulated device", t, func() {
		d := emulator.New()
		m, ctrs := newManager(d)

		Convey("When I download the web ruleset", func() {
			rs, r := webRuleset()
			id, err := m.Download(rs, 1)
			So(err, ShouldBeNil)

			Convey("One instance should carry both filter sets without duplicate", func() {
				So(d.Log(), ShouldResemble, []transport.Op{
					transport.OpCreateRuleset,
					transport.OpAddIPFilter,
					transport.OpSetPortFilterRange,
					transport.OpSetPortFilterBitmask,
				})

				iface, filters, ok := d.Ruleset(id)
				So(ok, ShouldBeTrue)
				So(iface, ShouldEqual, 1)
				So(len(filters), ShouldEqual, 1)
				So(filters[0].Header.Tag(), ShouldEqual, 7)
				So(filters[0].Source.Ranges, ShouldResemble, []transport.PortRange{{Min: 80, Max: 80}})
				So(filters[0].Destination.Value, ShouldEqual, 443)
				So(ctrs.Value(counters.FilterDuplicates), ShouldEqual, 0)
				So(ctrs.Value(counters.RulesetsDownloaded), ShouldEqual, 1)

				ids, err := m.Instances(rs, r)
				So(err, ShouldBeNil)
				So(ids, ShouldResemble, []uint32{1})
			})

			Convey("The ruleset should be downloaded but not active", func() {
				So(m.State(rs), ShouldEqual, Downloaded)
				got, err := m.DeviceID(rs)
				So(err, ShouldBeNil)
				So(got, ShouldEqual, id)
				_, active := d.Active(1)
				So(active, ShouldBeFalse)
			})

			Convey("When I download it again, it should be removed before being created", func() {
				d.ResetLog()
				id2, err := m.Download(rs, 1)
				So(err, ShouldBeNil)
				So(id2, ShouldNotEqual, id)

				log := d.Log()
				So(log[0], ShouldEqual, transport.OpDeleteRuleset)
				So(log[1], ShouldEqual, transport.OpCreateRuleset)

				mapped := m.table.list(func(e *entry) bool { return e.handle == rs.ID() })
				So(len(mapped), ShouldEqual, 1)
				So(mapped[0].deviceID, ShouldEqual, id2)
				So(d.RulesetCount(), ShouldEqual, 1)

				ids, _ := m.Instances(rs, r)
				So(ids, ShouldResemble, []uint32{2})
			})
		})

		Convey("When a rule needs several instances", func() {
			m, ctrs := newManager(d, OptionMaxRangeFilters(1))
			rs := ruleset.New("")
			r := rs.AddIPv4Rule(ruleset.Accept, 0, 0)
			So(r.SetProtocol(ruleset.ProtocolUDP), ShouldBeNil)
			So(r.AddPortBitmask(ruleset.Source, 53, 0xffff), ShouldBeNil)
			So(r.AddPortRange(ruleset.Destination, 1000, 2000), ShouldBeNil)
			So(r.AddPortRange(ruleset.Destination, 3000, 4000), ShouldBeNil)

			id, err := m.Download(rs, 0)
			So(err, ShouldBeNil)

			Convey("Every combination should be an instance duplicated from the base", func() {
				ids, err := m.Instances(rs, r)
				So(err, ShouldBeNil)
				So(len(ids), ShouldEqual, 2)
				So(ctrs.Value(counters.FilterDuplicates), ShouldEqual, 1)

				_, filters, _ := d.Ruleset(id)
				So(len(filters), ShouldEqual, 2)
				So(filters[1].Header.UniqueID, ShouldEqual, ids[1])
				So(filters[1].Source.Value, ShouldEqual, 53)
				So(filters[1].Destination.Ranges, ShouldResemble, []transport.PortRange{{Min: 3000, Max: 4000}})
			})
		})

		Convey("When a direction cannot be partitioned, nothing should be sent", func() {
			m, _ := newManager(d, OptionMaxRangeFilters(1))
			rs := ruleset.New("")
			r := rs.AddIPv4Rule(ruleset.Accept, 0, 0)
			So(r.SetProtocol(ruleset.ProtocolTCP), ShouldBeNil)
			So(r.AddPortBitmask(ruleset.Destination, 1, 0xffff), ShouldBeNil)
			So(r.AddPortBitmask(ruleset.Destination, 2, 0xffff), ShouldBeNil)

			_, err := m.Download(rs, 0)
			So(common.IsErrInvalidArgument(err), ShouldBeTrue)
			So(d.Log(), ShouldBeEmpty)
			So(m.State(rs), ShouldEqual, Unregistered)
		})

		Convey("When the unique ids would run out, it should fail before any request", func() {
			m, _ := newManager(d, OptionFirstUniqueID(0xffffffff))
			rs := ruleset.New("")
			rs.AddIPv4Rule(ruleset.Accept, 0, 0)
			rs.AddIPv4Rule(ruleset.Accept, 0, 1)

			_, err := m.Download(rs, 0)
			So(common.IsErrOutOfMemory(err), ShouldBeTrue)
			So(d.Log(), ShouldBeEmpty)

			rs.Release()
			rs.AddIPv4Rule(ruleset.Accept, 0, 0)
			_, err = m.Download(rs, 0)
			So(err, ShouldBeNil)
		})

		Convey("When a ruleset has more rules than filter ids, it should fail before any request", func() {
			So(common.IsErrInvalidArgument(m.reserve(constants.MaxRulesPerRuleset+1, 1)), ShouldBeTrue)
			So(m.reserve(constants.MaxRulesPerRuleset, 1), ShouldBeNil)
			So(d.Log(), ShouldBeEmpty)
		})

		Convey("When the device fails mid download, the partial ruleset should stay mapped", func() {
			rs, _ := webRuleset()
			d.InjectFault(transport.OpSetPortFilterBitmask, emulator.Fault{Result: emulator.ResultNoResources})

			_, err := m.Download(rs, 0)
			code, ok := common.DeviceErrorCode(err)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, emulator.ResultNoResources)
			So(m.State(rs), ShouldEqual, Downloaded)
			So(d.RulesetCount(), ShouldEqual, 1)

			Convey("Removing it should free the device", func() {
				So(m.Remove(rs), ShouldBeNil)
				So(d.RulesetCount(), ShouldEqual, 0)
			})

			Convey("Activating it should download it again before activation", func() {
				core, logs := observer.New(zap.WarnLevel)
				defer zap.ReplaceGlobals(zap.New(core))()

				d.ClearFaults()
				d.ResetLog()
				So(m.Activate(rs), ShouldBeNil)

				log := d.Log()
				So(log[0], ShouldEqual, transport.OpDeleteRuleset)
				So(log[1], ShouldEqual, transport.OpCreateRuleset)
				So(log[len(log)-1], ShouldEqual, transport.OpActivateRuleset)
				So(m.State(rs), ShouldEqual, Active)
				So(d.RulesetCount(), ShouldEqual, 1)
				So(ctrs.Value(counters.ErrStaleRuleset), ShouldEqual, 1)
				So(logs.FilterMessage("Ruleset download did not complete, downloading again").Len(), ShouldEqual, 1)

				id, err := m.DeviceID(rs)
				So(err, ShouldBeNil)
				_, filters, _ := d.Ruleset(id)
				So(len(filters), ShouldEqual, 1)
				So(filters[0].Destination, ShouldNotBeNil)
				So(filters[0].Destination.Value, ShouldEqual, 443)
			})
		})

		Convey("When I download a nil ruleset it should fail", func() {
			_, err := m.Download(nil, 0)
			So(common.IsErrInvalidArgument(err), ShouldBeTrue)
		})

		Convey("When rules use icmp types, the icmp sets should be written", func() {
			rs := ruleset.New("")
			r := rs.AddIPv6Rule(ruleset.Reject, 0, 0)
			So(r.SetProtocol(ruleset.ProtocolICMPv6), ShouldBeNil)
			So(r.AddICMPTypeBitmask(128, 0xff), ShouldBeNil)
			So(r.AddICMPTypeBitmask(129, 0xff), ShouldBeNil)

			id, err := m.Download(rs, 0)
			So(err, ShouldBeNil)

			_, filters, _ := d.Ruleset(id)
			So(len(filters), ShouldEqual, 2)
			So(filters[0].ICMPType.Value, ShouldEqual, 128)
			So(filters[1].ICMPType.Value, ShouldEqual, 129)
			So(filters[1].Header.Flags&transport.FlagIPv6, ShouldNotEqual, 0)
		})
	})
}

func TestTimeout(t *testing.T) {
	Convey("Given a manager with a zero timeout on a device that never answers", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ch := mockdevice.NewMockChannel(ctrl)
		ch.EXPECT().Kind().Return(device.KindIPF).AnyTimes()

		m, err := New(ch, OptionRequestTimeout(0), OptionCounters(counters.NewCounters()))
		So(err, ShouldBeNil)

		Convey("Every download should time out after its first request", func() {
			ch.EXPECT().Send(transport.OpCreateRuleset.MessageID(), gomock.Any()).Return(nil).Times(2)
			ch.EXPECT().Receive(time.Duration(0)).Return(uint32(0), nil, device.ErrTimeout).Times(3)

			rs, _ := webRuleset()
			_, err := m.Download(rs, 0)
			So(common.IsErrTimeout(err), ShouldBeTrue)
			_, err = m.Download(rs, 0)
			So(common.IsErrTimeout(err), ShouldBeTrue)
			So(m.State(rs), ShouldEqual, Unregistered)
		})
	})

	Convey("Given a manager with a zero timeout on a silent stream", t, func() {
		host, dev := net.Pipe()
		defer dev.Close() // nolint
		go func() {
			buf := make([]byte, 256)
			for {
				if _, err := dev.Read(buf); err != nil {
					return
				}
			}
		}()

		m, err := New(streamchannel.New(host, device.KindIPF), OptionRequestTimeout(0), OptionCounters(counters.NewCounters()))
		So(err, ShouldBeNil)
		defer m.Close() // nolint

		Convey("Removing every ruleset of an interface should time out", func() {
			So(common.IsErrTimeout(m.RemoveAll(0)), ShouldBeTrue)
		})
	})
}

func TestActivate(t *testing.T) {
	Convey("Given a manager on an emulated device", t, func() {
		d := emulator.New()
		m, ctrs := newManager(d)

		a, _ := webRuleset()
		b, _ := webRuleset()

		Convey("Activating a ruleset never downloaded should fail", func() {
			So(common.IsErrInvalidArgument(m.Activate(a)), ShouldBeTrue)
			So(common.IsErrInvalidArgument(m.Activate(nil)), ShouldBeTrue)
			So(d.Log(), ShouldBeEmpty)
		})

		Convey("When I download and activate two rulesets on one interface", func() {
			ida, err := m.Download(a, 0)
			So(err, ShouldBeNil)
			idb, err := m.Download(b, 0)
			So(err, ShouldBeNil)

			So(m.Activate(a), ShouldBeNil)
			So(m.State(a), ShouldEqual, Active)
			active, _ := d.Active(0)
			So(active, ShouldEqual, ida)

			So(m.Activate(b), ShouldBeNil)

			Convey("Only the last one should be active", func() {
				So(m.State(a), ShouldEqual, Downloaded)
				So(m.State(b), ShouldEqual, Active)
				active, _ := d.Active(0)
				So(active, ShouldEqual, idb)
				So(ctrs.Value(counters.RulesetsActivated), ShouldEqual, 2)
			})

			Convey("Removing the active one should leave the interface unfiltered", func() {
				So(m.Remove(b), ShouldBeNil)
				So(m.State(b), ShouldEqual, Removed)
				_, ok := d.Active(0)
				So(ok, ShouldBeFalse)

				So(common.IsErrNotFound(m.Remove(b)), ShouldBeTrue)
				_, err := m.DeviceID(b)
				So(common.IsErrNotFound(err), ShouldBeTrue)
				So(common.IsErrInvalidArgument(m.Activate(b)), ShouldBeTrue)
			})
		})

		Convey("When a ruleset changed after its download", func() {
			core, logs := observer.New(zap.WarnLevel)
			defer zap.ReplaceGlobals(zap.New(core))()

			id, err := m.Download(a, 0)
			So(err, ShouldBeNil)

			r := a.AddIPv4Rule(ruleset.Reject, 1, 100)
			So(r, ShouldNotBeNil)
			d.ResetLog()

			So(m.Activate(a), ShouldBeNil)

			Convey("It should be downloaded again before activation", func() {
				newID, err := m.DeviceID(a)
				So(err, ShouldBeNil)
				So(newID, ShouldNotEqual, id)

				log := d.Log()
				So(log[0], ShouldEqual, transport.OpDeleteRuleset)
				So(log[1], ShouldEqual, transport.OpCreateRuleset)
				So(log[len(log)-1], ShouldEqual, transport.OpActivateRuleset)

				_, filters, _ := d.Ruleset(newID)
				So(len(filters), ShouldEqual, 2)
				So(ctrs.Value(counters.ErrStaleRuleset), ShouldEqual, 1)
				So(logs.FilterMessage("Ruleset changed since its download, downloading again").Len(), ShouldEqual, 1)
			})
		})

		Convey("When activation fails on the device, the state should not change", func() {
			_, err := m.Download(a, 0)
			So(err, ShouldBeNil)
			d.InjectFault(transport.OpActivateRuleset, emulator.Fault{Result: 9})

			So(common.IsErrDeviceError(m.Activate(a)), ShouldBeTrue)
			So(m.State(a), ShouldEqual, Downloaded)
		})
	})
}

func TestRemoveAll(t *testing.T) {
	Convey("Given rulesets on two interfaces", t, func() {
		d := emulator.New()
		m, _ := newManager(d)

		a, _ := webRuleset()
		b, _ := webRuleset()
		c, _ := webRuleset()
		_, err := m.Download(a, 0)
		So(err, ShouldBeNil)
		_, err = m.Download(b, 0)
		So(err, ShouldBeNil)
		_, err = m.Download(c, 1)
		So(err, ShouldBeNil)
		So(m.Activate(a), ShouldBeNil)

		Convey("When I clear the first interface only its rulesets should be removed", func() {
			So(m.RemoveAll(0), ShouldBeNil)
			So(m.State(a), ShouldEqual, Removed)
			So(m.State(b), ShouldEqual, Removed)
			So(m.State(c), ShouldEqual, Downloaded)
			So(d.RulesetCount(), ShouldEqual, 1)
			_, ok := d.Active(0)
			So(ok, ShouldBeFalse)

			Convey("A removed ruleset should download again", func() {
				_, err := m.Download(a, 0)
				So(err, ShouldBeNil)
				So(m.State(a), ShouldEqual, Downloaded)
			})
		})

		Convey("When the device refuses, nothing should change", func() {
			d.InjectFault(transport.OpRemoveAllRulesets, emulator.Fault{Result: 1})
			So(common.IsErrDeviceError(m.RemoveAll(0)), ShouldBeTrue)
			So(m.State(a), ShouldEqual, Active)
		})
	})
}

func TestStatistics(t *testing.T) {
	Convey("Given a downloaded rule with two instances", t, func() {
		d := emulator.New()
		m, _ := newManager(d)

		rs := ruleset.New("")
		r := rs.AddIPv4Rule(ruleset.Accept, 0, 0)
		So(r.SetProtocol(ruleset.ProtocolTCP), ShouldBeNil)
		So(r.AddPortBitmask(ruleset.Destination, 80, 0xffff), ShouldBeNil)
		So(r.AddPortBitmask(ruleset.Destination, 8080, 0xffff), ShouldBeNil)
		other := ruleset.New("")

		id, err := m.Download(rs, 0)
		So(err, ShouldBeNil)
		ids, err := m.Instances(rs, r)
		So(err, ShouldBeNil)
		So(len(ids), ShouldEqual, 2)

		So(d.Hit(id, ids[0], 2, 200), ShouldBeTrue)
		So(d.Hit(id, ids[1], 3, 300), ShouldBeTrue)

		Convey("The statistics of the rule should sum its instances", func() {
			stats, err := m.RuleStatistics(rs, r)
			So(err, ShouldBeNil)
			So(stats, ShouldResemble, Statistics{Packets: 5, Bytes: 500})
		})

		Convey("Resetting the statistics should zero them", func() {
			So(m.ResetStatistics(rs), ShouldBeNil)
			stats, err := m.RuleStatistics(rs, r)
			So(err, ShouldBeNil)
			So(stats, ShouldResemble, Statistics{})
		})

		Convey("A rule added after the download should not be found", func() {
			late := rs.AddIPv4Rule(ruleset.Accept, 0, 9)
			_, err := m.RuleStatistics(rs, late)
			So(common.IsErrNotFound(err), ShouldBeTrue)
		})

		Convey("A ruleset never downloaded should not be found", func() {
			So(common.IsErrNotFound(m.ResetStatistics(other)), ShouldBeTrue)
		})

		Convey("Statistics read while the ruleset is downloaded again should use the current instances", func() {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					m.Download(rs, 0) // nolint errcheck
				}
			}()

			failures := 0
			for i := 0; i < 20; i++ {
				if _, err := m.RuleStatistics(rs, r); err != nil {
					failures++
				}
			}
			wg.Wait()

			So(failures, ShouldEqual, 0)
		})

		Convey("When I reset the ruleset its rules should be gone from the device", func() {
			So(m.Reset(rs), ShouldBeNil)
			_, filters, _ := d.Ruleset(id)
			So(filters, ShouldBeEmpty)
			So(m.State(rs), ShouldEqual, Downloaded)

			_, err := m.Instances(rs, r)
			So(common.IsErrNotFound(err), ShouldBeTrue)

			Convey("Activating it should download it again", func() {
				d.ResetLog()
				So(m.Activate(rs), ShouldBeNil)
				So(d.Log()[0], ShouldEqual, transport.OpDeleteRuleset)
				newID, _ := m.DeviceID(rs)
				_, filters, _ := d.Ruleset(newID)
				So(len(filters), ShouldEqual, 2)
			})
		})
	})
}

func TestStream(t *testing.T) {
	Convey("Given a manager on an emulated device behind a stream", t, func() {
		host, dev := net.Pipe()
		d := emulator.New()
		go d.Serve(streamchannel.New(dev, device.KindIPF)) // nolint

		m, err := New(streamchannel.New(host, device.KindIPF), OptionCounters(counters.NewCounters()))
		So(err, ShouldBeNil)
		defer m.Close() // nolint

		Convey("Download and activation should go through", func() {
			rs, _ := webRuleset()
			id, err := m.Download(rs, 2)
			So(err, ShouldBeNil)
			So(m.Activate(rs), ShouldBeNil)

			active, ok := d.Active(2)
			So(ok, ShouldBeTrue)
			So(active, ShouldEqual, id)
		})
	})
}
