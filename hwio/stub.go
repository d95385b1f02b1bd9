//go:build !linux

package hwio

import "errors"

var errLinuxOnly = errors.New("hwio: gpio drivers require linux")

func newCdevPort(chipName string) (Port, error) { return nil, errLinuxOnly }

func newRPiPort() (Port, error) { return nil, errLinuxOnly }

func newMemPort() (Port, error) { return nil, errLinuxOnly }
