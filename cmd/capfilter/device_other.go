// +build !linux

package main

import (
	"fmt"

	"go.aporeto.io/capfilter/controller/pkg/device"
)

func openDevice(path string) (device.Channel, error) {
	return nil, fmt.Errorf("adapter control nodes are only supported on linux, use %s<path>", unixPrefix)
}
