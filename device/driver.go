// Package device defines the driver interfaces implemented by the device
// drivers the kernel carries, together with the registry the HAL probes at
// boot.
package device

import (
	"io"

	"github.com/tristanseifert/kush-os-sub003/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Drivers may log
	// initialization output to the supplied writer.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn checks for the presence of a particular piece of hardware and
// returns a driver for it, or nil if the hardware is not present.
type ProbeFn func() Driver

// DriverInfo describes a driver registered with the kernel.
type DriverInfo struct {
	// Order defines the priority with which the probe runs; lower runs
	// first.
	Order int

	// Probe checks for the hardware this driver supports.
	Probe ProbeFn
}

// registeredDrivers tracks the probe functions registered by driver
// packages via their init blocks.
var registeredDrivers []*DriverInfo

// RegisterDriver adds a driver to the probe registry.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers sorted by probe order.
func DriverList() []*DriverInfo {
	list := append([]*DriverInfo(nil), registeredDrivers...)
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j-1].Order > list[j].Order; j-- {
			list[j-1], list[j] = list[j], list[j-1]
		}
	}
	return list
}
