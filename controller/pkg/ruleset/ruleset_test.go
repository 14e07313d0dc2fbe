package ruleset

import (
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.aporeto.io/capfilter/common"
)

func priorities(rs *Ruleset) []uint16 {
	p := []uint16{}
	for _, r := range rs.Rules() {
		p = append(p, r.Priority())
	}
	return p
}

func tags(rs *Ruleset) []uint16 {
	t := []uint16{}
	for _, r := range rs.Rules() {
		t = append(t, r.Tag())
	}
	return t
}

func TestNew(t *testing.T) {
	Convey("When I create a new ruleset", t, func() {
		rs := New("web")

		Convey("It should be empty and carry an identity", func() {
			So(rs.Len(), ShouldEqual, 0)
			So(rs.Name(), ShouldEqual, "web")
			So(rs.ID(), ShouldNotBeEmpty)
			So(New("web").ID(), ShouldNotEqual, rs.ID())
		})

		Convey("Getting a rule by index should fail", func() {
			_, err := rs.Rule(0)
			So(common.IsErrInvalidArgument(err), ShouldBeTrue)
		})
	})
}

func TestInsertOrder(t *testing.T) {
	Convey("Given an empty ruleset", t, func() {
		rs := New("")

		Convey("When I add rules out of priority order", func() {
			rs.AddIPv4Rule(Accept, 1, 30)
			rs.AddIPv6Rule(Accept, 2, 10)
			rs.AddIPv4Rule(Reject, 3, 20)
			rs.AddIPv4Rule(Accept, 4, 10)

			Convey("They should be sorted with ties in insertion order", func() {
				So(priorities(rs), ShouldResemble, []uint16{10, 10, 20, 30})
				So(tags(rs), ShouldResemble, []uint16{2, 4, 3, 1})

				r, err := rs.Rule(0)
				So(err, ShouldBeNil)
				So(r.Family(), ShouldEqual, IPv6)
				So(r.Ruleset(), ShouldEqual, rs)
			})
		})
	})
}

func TestRemove(t *testing.T) {
	Convey("Given a ruleset with rules", t, func() {
		rs := New("")
		a := rs.AddIPv4Rule(Accept, 1, 1)
		b := rs.AddIPv4Rule(Accept, 2, 2)
		gen := rs.Generation()

		Convey("When I remove a member rule", func() {
			So(rs.Remove(a), ShouldBeNil)

			Convey("It should be gone and its handle invalid", func() {
				So(rs.Len(), ShouldEqual, 1)
				So(a.Ruleset(), ShouldBeNil)
				So(common.IsErrInvalidArgument(a.SetTag(3)), ShouldBeTrue)
				So(rs.Generation(), ShouldBeGreaterThan, gen)
			})

			Convey("Removing it again should fail with not found", func() {
				So(common.IsErrNotFound(rs.Remove(a)), ShouldBeTrue)
			})
		})

		Convey("When I remove a rule of another ruleset it should fail with not found", func() {
			other := New("")
			o := other.AddIPv4Rule(Accept, 1, 1)
			So(common.IsErrNotFound(rs.Remove(o)), ShouldBeTrue)
			So(common.IsErrNotFound(rs.Remove(nil)), ShouldBeTrue)
			So(rs.Len(), ShouldEqual, 2)
		})

		Convey("When I release the ruleset every handle should be invalid", func() {
			rs.Release()
			So(rs.Len(), ShouldEqual, 0)
			So(b.Ruleset(), ShouldBeNil)
			So(common.IsErrInvalidArgument(b.SetPriority(5)), ShouldBeTrue)
		})
	})
}

func TestSetPriority(t *testing.T) {
	Convey("Given a ruleset with five rules", t, func() {
		rs := New("")
		r := []*Rule{}
		for i, p := range []uint16{10, 20, 30, 40, 50} {
			r = append(r, rs.AddIPv4Rule(Accept, uint16(i), p))
		}

		Convey("When I move the first rule to the end", func() {
			So(r[0].SetPriority(60), ShouldBeNil)
			So(tags(rs), ShouldResemble, []uint16{1, 2, 3, 4, 0})
		})

		Convey("When I move the last rule to the front", func() {
			So(r[4].SetPriority(5), ShouldBeNil)
			So(tags(rs), ShouldResemble, []uint16{4, 0, 1, 2, 3})
		})

		Convey("When I give a rule the priority of another, it should go after it", func() {
			So(r[0].SetPriority(30), ShouldBeNil)
			So(tags(rs), ShouldResemble, []uint16{1, 2, 0, 3, 4})
			So(priorities(rs), ShouldResemble, []uint16{20, 30, 30, 40, 50})
		})

		Convey("When the target slot is the current slot, nothing should move", func() {
			So(r[2].SetPriority(35), ShouldBeNil)
			So(tags(rs), ShouldResemble, []uint16{0, 1, 2, 3, 4})
		})
	})
}

func TestPriorityInvariant(t *testing.T) {
	Convey("Given random sequences of insertions and priority changes", t, func() {
		rnd := rand.New(rand.NewSource(42))

		for round := 0; round < 50; round++ {
			rs := New("")
			seq := map[*Rule]int{}
			next := 0

			for op := 0; op < 60; op++ {
				if rs.Len() == 0 || rnd.Intn(3) > 0 {
					r := rs.AddIPv4Rule(Accept, 0, uint16(rnd.Intn(8)))
					seq[r] = next
					next++
					continue
				}
				r, _ := rs.Rule(rnd.Intn(rs.Len()))
				So(r.SetPriority(uint16(rnd.Intn(8))), ShouldBeNil)
				seq[r] = next
				next++
			}

			rules := rs.Rules()
			for i := 1; i < len(rules); i++ {
				So(rules[i-1].Priority(), ShouldBeLessThanOrEqualTo, rules[i].Priority())
				if rules[i-1].Priority() == rules[i].Priority() {
					So(seq[rules[i-1]], ShouldBeLessThan, seq[rules[i]])
				}
			}
		}
	})
}

func TestFingerprint(t *testing.T) {
	Convey("Given two rulesets with the same content", t, func() {
		build := func() (*Ruleset, *Rule) {
			rs := New("")
			r := rs.AddIPv4Rule(Accept, 7, 10)
			So(r.SetProtocol(ProtocolTCP), ShouldBeNil)
			So(r.AddPortRange(Source, 80, 80), ShouldBeNil)
			return rs, r
		}
		a, ra := build()
		b, _ := build()

		fa, err := a.Fingerprint()
		So(err, ShouldBeNil)
		fb, err := b.Fingerprint()
		So(err, ShouldBeNil)

		Convey("The fingerprints should be equal", func() {
			So(fa, ShouldEqual, fb)
		})

		Convey("When I change one rule the fingerprint should change", func() {
			So(ra.AddPortBitmask(Destination, 443, 0xffff), ShouldBeNil)
			fc, err := a.Fingerprint()
			So(err, ShouldBeNil)
			So(fc, ShouldNotEqual, fb)
		})
	})
}
