package controller

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
	"go.aporeto.io/capfilter/common"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/device/emulator"
	"go.aporeto.io/capfilter/controller/pkg/metrics"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/transport"
)

func TestSnapshot(t *testing.T) {
	Convey("Given a manager with two downloaded rulesets", t, func() {
		d := emulator.New()
		m, _ := newManager(d)

		a, _ := webRuleset()
		b, _ := webRuleset()
		removed, _ := webRuleset()
		_, err := m.Download(a, 0)
		So(err, ShouldBeNil)
		_, err = m.Download(b, 1)
		So(err, ShouldBeNil)
		_, err = m.Download(removed, 1)
		So(err, ShouldBeNil)
		So(m.Remove(removed), ShouldBeNil)
		So(m.Activate(a), ShouldBeNil)

		data, err := m.Snapshot()
		So(err, ShouldBeNil)

		Convey("When another manager restores the snapshot", func() {
			m2, ctrs := newManager(d)
			So(m2.Restore(data), ShouldBeNil)

			Convey("It should track the mapped rulesets only", func() {
				So(m2.State(a), ShouldEqual, Active)
				So(m2.State(b), ShouldEqual, Downloaded)
				So(m2.State(removed), ShouldEqual, Unregistered)
				So(m2.nextUniqueID, ShouldEqual, m.nextUniqueID)
			})

			Convey("Purging should free the device rulesets", func() {
				So(m2.PurgeRestored(), ShouldBeNil)
				So(d.RulesetCount(), ShouldEqual, 0)
				So(m2.State(a), ShouldEqual, Removed)
				So(ctrs.Value(counters.RulesetsRemoved), ShouldEqual, 2)

				Convey("Purging again should do nothing", func() {
					d.ResetLog()
					So(m2.PurgeRestored(), ShouldBeNil)
					So(d.Log(), ShouldBeEmpty)
				})
			})

			Convey("A restored ruleset reset before the purge should still be purged", func() {
				So(m2.Reset(a), ShouldBeNil)
				So(m2.PurgeRestored(), ShouldBeNil)
				So(d.RulesetCount(), ShouldEqual, 0)
				So(m2.State(a), ShouldEqual, Removed)
			})

			Convey("A failed purge should go on and report the first error", func() {
				d.InjectFault(transport.OpDeleteRuleset, emulator.Fault{Result: 3})
				err := m2.PurgeRestored()
				So(common.IsErrDeviceError(err), ShouldBeTrue)
				So(ctrs.Value(counters.ErrCleanupFailed), ShouldEqual, 2)
				So(m2.State(a), ShouldEqual, Active)
			})

			Convey("Restoring into the manager that downloaded should keep its own mappings", func() {
				So(m.Restore(data), ShouldBeNil)
				So(m.PurgeRestored(), ShouldBeNil)
				So(d.RulesetCount(), ShouldEqual, 2)
			})
		})

		Convey("Restoring garbage should fail", func() {
			m2, _ := newManager(d)
			So(common.IsErrInvalidArgument(m2.Restore([]byte{0xc1})), ShouldBeTrue)
		})

		Convey("Restoring a snapshot of another version should fail", func() {
			var bad []byte
			So(encodeSnapshot(&bad, snapshot{Version: 99}), ShouldBeNil)
			m2, _ := newManager(d)
			So(common.IsErrInvalidArgument(m2.Restore(bad)), ShouldBeTrue)
		})
	})
}

func TestObserver(t *testing.T) {
	Convey("Given a manager reporting to a metrics collector", t, func() {
		ctrs := counters.NewCounters()
		collector := metrics.NewCollector("emulator", ctrs)
		reg := prometheus.NewRegistry()
		So(reg.Register(collector), ShouldBeNil)

		m, _ := newManager(emulator.New(), OptionCounters(ctrs), OptionObserver(collector))

		Convey("Every request should be observed", func() {
			rs := ruleset.New("")
			rs.AddIPv4Rule(ruleset.Accept, 0, 0)
			_, err := m.Download(rs, 0)
			So(err, ShouldBeNil)

			mfs, err := reg.Gather()
			So(err, ShouldBeNil)

			var observed uint64
			for _, mf := range mfs {
				if mf.GetName() == "capfilter_request_duration_seconds" {
					for _, metric := range mf.GetMetric() {
						observed += metric.GetHistogram().GetSampleCount()
					}
				}
			}
			So(observed, ShouldEqual, 2)
		})
	})
}
