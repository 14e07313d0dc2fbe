// +build linux

package main

import (
	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.aporeto.io/capfilter/controller/pkg/device/fdchannel"
)

func openDevice(path string) (device.Channel, error) {
	return fdchannel.Open(path, device.KindIPF)
}
