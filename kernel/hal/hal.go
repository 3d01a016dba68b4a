// Package hal probes for the hardware the kernel drives directly (the
// console output devices) and wires it to the kernel output paths. The boot
// command line selects where kernel messages go: a framebuffer console is
// used when the boot loader provides one and its driver initializes,
// optionally multiplexed with a debugcon port or a serial port.
package hal

import (
	"bytes"
	"io"

	"github.com/tristanseifert/kush-os-sub003/device"
	"github.com/tristanseifert/kush-os-sub003/device/tty"
	"github.com/tristanseifert/kush-os-sub003/device/video/console"
	"github.com/tristanseifert/kush-os-sub003/kernel/hal/stivale2"
	"github.com/tristanseifert/kush-os-sub003/kernel/kfmt"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

// ConsoleType selects the configured kernel console output.
type ConsoleType uint8

const (
	// ConsoleNone routes output to the framebuffer console only.
	ConsoleNone ConsoleType = iota

	// ConsoleDebugcon also writes to a debugcon-style IO port.
	ConsoleDebugcon

	// ConsoleSerial also writes to a 16550 serial port.
	ConsoleSerial
)

// ConsoleConfig is the console selection parsed off the boot command line.
type ConsoleConfig struct {
	Type ConsoleType

	// DebugconPort is the IO port of the debugcon device.
	DebugconPort uint16

	// SerialPort and SerialBaud configure the serial output.
	SerialPort uint16
	SerialBaud uint32
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole console.Device
	activeTTY     tty.Device

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices       managedDevices
	consoleConfig ConsoleConfig
	strBuf        bytes.Buffer
)

// ActiveTTY returns the currently active TTY.
func ActiveTTY() tty.Device {
	return devices.activeTTY
}

// ConsoleSettings returns the console configuration parsed off the boot
// command line.
func ConsoleSettings() ConsoleConfig {
	return consoleConfig
}

// DetectHardware parses the console selection off the boot command line,
// probes for hardware devices and initializes the appropriate drivers.
func DetectHardware() {
	parseConsoleSettings()
	probe(device.DriverList())

	// hand the kernel output to the configured sinks
	if w := outputSink(); w != nil {
		kfmt.SetOutputSink(w)
	}
}

// parseConsoleSettings scans the boot command line for the -console token.
// Unknown keys are ignored silently.
func parseConsoleSettings() {
	stivale2.VisitCmdLine(stivale2.GetBootCmdLine(), func(key, value string) bool {
		if key != "console" {
			return true
		}

		parseConsoleSpec(value)
		return true
	})
}

// parseConsoleSpec interprets the comma separated console specification. The
// first element selects the console type: debugcon carries the IO port
// number, serial carries the port base and baud rate.
func parseConsoleSpec(spec string) {
	var fields [3]string
	numFields := splitComma(spec, fields[:])
	if numFields == 0 {
		return
	}

	switch fields[0] {
	case "debugcon":
		port := uint64(0xe9)
		if numFields > 1 {
			val, ok := stivale2.ParseUint(fields[1])
			if !ok || val > 0xffff {
				return
			}
			port = val
		}

		consoleConfig.Type = ConsoleDebugcon
		consoleConfig.DebugconPort = uint16(port)
	case "serial":
		port, baud := uint64(0x3f8), uint64(115200)
		if numFields > 1 {
			val, ok := stivale2.ParseUint(fields[1])
			if !ok || val > 0xffff {
				return
			}
			port = val
		}
		if numFields > 2 {
			val, ok := stivale2.ParseUint(fields[2])
			if !ok || val == 0 || val > 115200 {
				return
			}
			baud = val
		}

		consoleConfig.Type = ConsoleSerial
		consoleConfig.SerialPort = uint16(port)
		consoleConfig.SerialBaud = uint32(baud)
	}
}

// splitComma splits s on commas into out and returns the number of fields.
// Fields past len(out) are dropped.
func splitComma(s string, out []string) int {
	var fields int

	start := 0
	for i := 0; i <= len(s); i++ {
		if i != len(s) && s[i] != ',' {
			continue
		}

		if fields == len(out) {
			return fields
		}

		out[fields] = s[start:i]
		fields++
		start = i + 1
	}

	return fields
}

// sinkWriter resolves the kfmt output sink at write time so probe output
// lands in the early ring buffer until a real sink is registered.
type sinkWriter struct{}

// Write implements io.Writer.
func (sinkWriter) Write(p []byte) (int, error) {
	kfmt.Fprintf(kfmt.GetOutputSink(), "%s", p)
	return len(p), nil
}

// probe executes the probe function for each driver and invokes onDriverInit
// for each successfully initialized driver.
func probe(driverInfoList []*device.DriverInfo) {
	var w = kfmt.PrefixWriter{Sink: sinkWriter{}}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is
// detected and successfully initialized. The first console becomes the
// active console; the first TTY becomes the active TTY and is linked to the
// active console.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case console.Device:
		if devices.activeConsole != nil {
			return
		}

		devices.activeConsole = drvImpl
		if devices.activeTTY != nil {
			linkTTYToConsole()
		}
	case tty.Device:
		if devices.activeTTY != nil {
			return
		}

		devices.activeTTY = drvImpl
		if devices.activeConsole != nil {
			linkTTYToConsole()
		}
	}
}

// linkTTYToConsole attaches the active TTY to the active console and
// activates it.
func linkTTYToConsole() {
	devices.activeTTY.AttachTo(devices.activeConsole)
	devices.activeTTY.SetState(tty.StateActive)
}

// portWriter writes kernel output bytes to an IO port one at a time; it
// backs both the debugcon and the serial console outputs.
type portWriter struct {
	port uint16
}

// Write implements io.Writer.
func (pw *portWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		platform.OutByteFn(pw.port, b)
	}
	return len(p), nil
}

// multiWriter fans kernel output out to several sinks.
type multiWriter struct {
	sinks []io.Writer
}

// Write implements io.Writer.
func (mw *multiWriter) Write(p []byte) (int, error) {
	for _, w := range mw.sinks {
		w.Write(p)
	}
	return len(p), nil
}

// outputSink assembles the io.Writer that kernel messages are routed to,
// based on the detected devices and the console configuration.
func outputSink() io.Writer {
	var sinks []io.Writer

	if devices.activeTTY != nil && devices.activeConsole != nil {
		sinks = append(sinks, devices.activeTTY)
	}

	switch consoleConfig.Type {
	case ConsoleDebugcon:
		sinks = append(sinks, &portWriter{port: consoleConfig.DebugconPort})
	case ConsoleSerial:
		initSerial(consoleConfig.SerialPort, consoleConfig.SerialBaud)
		sinks = append(sinks, &portWriter{port: consoleConfig.SerialPort})
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return &multiWriter{sinks: sinks}
}

// initSerial programs a 16550-style UART: divisor for the requested baud
// rate, 8n1 framing, FIFOs enabled.
func initSerial(port uint16, baud uint32) {
	divisor := uint16(115200 / baud)

	platform.OutByteFn(port+1, 0x00)              // mask interrupts
	platform.OutByteFn(port+3, 0x80)              // DLAB on
	platform.OutByteFn(port+0, uint8(divisor))    // divisor low
	platform.OutByteFn(port+1, uint8(divisor>>8)) // divisor high
	platform.OutByteFn(port+3, 0x03)              // 8n1, DLAB off
	platform.OutByteFn(port+2, 0xc7)              // enable + clear FIFOs
	platform.OutByteFn(port+4, 0x0b)              // DTR/RTS/OUT2
}
