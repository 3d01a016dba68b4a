package console

import (
	"github.com/tristanseifert/kush-os-sub003/device"
	"github.com/tristanseifert/kush-os-sub003/kernel/hal/stivale2"
)

// getFramebufferInfoFn is mocked by tests.
var getFramebufferInfoFn = stivale2.GetFramebufferInfo

// probeForFbConsole checks the boot info block for a 32bpp linear
// framebuffer and returns a console driver for it.
func probeForFbConsole() device.Driver {
	fbInfo := getFramebufferInfoFn()
	if fbInfo == nil || fbInfo.Bpp != 32 {
		return nil
	}

	order := OrderRGBA
	if fbInfo.RedShift == 8 {
		order = OrderARGB
	}

	cons, err := NewFbConsole(uint32(fbInfo.Width), uint32(fbInfo.Height),
		uint32(fbInfo.Pitch), order, uintptr(fbInfo.PhysAddr))
	if err != nil {
		return nil
	}

	return cons
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: 0,
		Probe: probeForFbConsole,
	})
}
