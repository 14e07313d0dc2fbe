package common

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestErrors(t *testing.T) {
	Convey("Creating error objects using their initializers for", t, func() {
		failure := fmt.Errorf("failure")

		Convey("ErrInvalidArgument", func() {
			err := ErrInvalidArgument("index %d", 4)
			So(err.Error(), ShouldEqual, "InvalidArgument: invalid argument: index 4")
			So(IsErrInvalidArgument(err), ShouldBeTrue)
			So(IsErrNotFound(err), ShouldBeFalse)
			So(IsErrInvalidArgument(failure), ShouldBeFalse)
		})

		Convey("ErrNotFound", func() {
			err := ErrNotFound("rule")
			So(IsErrNotFound(err), ShouldBeTrue)
			So(IsErrTimeout(err), ShouldBeFalse)
		})

		Convey("ErrTimeout", func() {
			err := ErrTimeout("AddIpFilter", failure)
			So(IsErrTimeout(err), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "Timeout: no completion received before the deadline: AddIpFilter: failure")
			So(errors.Is(err, failure), ShouldBeTrue)
		})

		Convey("ErrDeviceError", func() {
			err := ErrDeviceError("CreateRuleset", 0x17)
			So(IsErrDeviceError(err), ShouldBeTrue)
			code, ok := DeviceErrorCode(err)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, 0x17)
			So(err.Error(), ShouldEqual, "DeviceError (code: 23): device reported an error: CreateRuleset")
		})

		Convey("ErrProtocolMismatch, ErrUnsupportedDevice and ErrOutOfMemory", func() {
			So(IsErrProtocolMismatch(ErrProtocolMismatch("id %x", 1)), ShouldBeTrue)
			So(IsErrUnsupportedDevice(ErrUnsupportedDevice("kind %d", 9)), ShouldBeTrue)
			So(IsErrOutOfMemory(ErrOutOfMemory("")), ShouldBeTrue)
			So(ErrOutOfMemory("").Error(), ShouldEqual, "OutOfMemory: out of device resources")
		})
	})

	Convey("Given a typed error wrapped with context", t, func() {
		err := errors.Wrapf(ErrDeviceError("ActivateRuleset", 5), "activate ruleset %s", "web")

		Convey("The predicates should see through the wrapping", func() {
			So(IsErrDeviceError(err), ShouldBeTrue)
			code, ok := DeviceErrorCode(err)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, 5)
		})

		Convey("Non typed errors should never match", func() {
			_, ok := DeviceErrorCode(fmt.Errorf("plain"))
			So(ok, ShouldBeFalse)
			_, ok = DeviceErrorCode(nil)
			So(ok, ShouldBeFalse)
			So(IsErrDeviceError(nil), ShouldBeFalse)
		})
	})
}
