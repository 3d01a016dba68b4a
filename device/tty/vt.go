package tty

import (
	"io"

	"github.com/tristanseifert/kush-os-sub003/device"
	"github.com/tristanseifert/kush-os-sub003/device/video/console"
	"github.com/tristanseifert/kush-os-sub003/kernel"
)

// escState tracks the progress of the VT through an ANSI escape sequence.
type escState uint8

const (
	escNone escState = iota
	// escSeen: an ESC byte has been consumed.
	escSeen
	// escCSI: inside a control sequence; parameters are accumulating.
	escCSI
)

// maxCSIParams bounds the parameters of a control sequence; sequences with
// more parameters are discarded.
const maxCSIParams = 8

// VT implements a terminal supporting scrollback. The terminal interprets
// carriage-return, line-feed, backspace and tab (expanded to tabWidth
// spaces), plus the CSI subset used by the kernel console: SGR color
// selection (indexed foreground/background) and CUP cursor positioning.
type VT struct {
	cons console.Device

	// Terminal dimensions
	termWidth      uint32
	termHeight     uint32
	viewportWidth  uint32
	viewportHeight uint32

	// The number of additional lines of output that are buffered by the
	// terminal to support scrolling up.
	scrollback uint32

	// The terminal contents. Each character occupies 3 bytes and uses
	// the format: (ASCII char, fg, bg)
	data []uint8

	// Terminal state.
	tabWidth         uint8
	defaultFg, curFg uint8
	defaultBg, curBg uint8
	cursorX          uint32
	cursorY          uint32
	viewportY        uint32
	dataOffset       uint
	state            State

	// Escape sequence state.
	esc       escState
	csiParams [maxCSIParams]uint32
	csiCount  int
}

// NewVT creates a new virtual terminal device. The tabWidth parameter
// controls tab expansion whereas the scrollback parameter defines the line
// count that gets buffered by the terminal to provide scrolling beyond the
// console height.
func NewVT(tabWidth uint8, scrollback uint32) *VT {
	return &VT{
		tabWidth:   tabWidth,
		scrollback: scrollback,
		cursorX:    1,
		cursorY:    1,
	}
}

// AttachTo connects a TTY to a console instance.
func (t *VT) AttachTo(cons console.Device) {
	if cons == nil {
		return
	}

	t.cons = cons
	t.viewportWidth, t.viewportHeight = cons.Dimensions(console.Characters)
	t.viewportY = 0
	t.defaultFg, t.defaultBg = cons.DefaultColors()
	t.curFg, t.curBg = t.defaultFg, t.defaultBg
	t.termWidth, t.termHeight = t.viewportWidth, t.viewportHeight+t.scrollback
	t.cursorX, t.cursorY = 1, 1

	// Allocate space for the contents and fill it with empty characters
	// using the default fg/bg colors for the attached console.
	t.data = make([]uint8, t.termWidth*t.termHeight*3)
	for i := 0; i < len(t.data); i += 3 {
		t.data[i] = ' '
		t.data[i+1] = t.defaultFg
		t.data[i+2] = t.defaultBg
	}
}

// State returns the TTY's state.
func (t *VT) State() State {
	return t.state
}

// SetState updates the TTY's state.
func (t *VT) SetState(newState State) {
	if t.state == newState {
		return
	}

	t.state = newState

	// If the terminal became active, update the console with its contents
	if t.state == StateActive && t.cons != nil {
		for y := uint32(1); y <= t.viewportHeight; y++ {
			offset := (y - 1 + t.viewportY) * (t.viewportWidth * 3)
			for x := uint32(1); x <= t.viewportWidth; x, offset = x+1, offset+3 {
				t.cons.Write(t.data[offset], t.data[offset+1], t.data[offset+2], x, y)
			}
		}
	}
}

// CursorPosition returns the current cursor position.
func (t *VT) CursorPosition() (uint32, uint32) {
	return t.cursorX, t.cursorY
}

// SetCursorPosition sets the current cursor position to (x,y).
func (t *VT) SetCursorPosition(x, y uint32) {
	if t.cons == nil {
		return
	}

	if x < 1 {
		x = 1
	} else if x > t.viewportWidth {
		x = t.viewportWidth
	}

	if y < 1 {
		y = 1
	} else if y > t.viewportHeight {
		y = t.viewportHeight
	}

	t.cursorX, t.cursorY = x, y
	t.updateDataOffset()
}

// Write implements io.Writer.
func (t *VT) Write(data []byte) (int, error) {
	for count, b := range data {
		err := t.WriteByte(b)
		if err != nil {
			return count, err
		}
	}

	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *VT) WriteByte(b byte) error {
	if t.cons == nil {
		return io.ErrClosedPipe
	}

	switch t.esc {
	case escSeen:
		if b == '[' {
			t.esc = escCSI
			t.csiCount = 0
			t.csiParams = [maxCSIParams]uint32{}
		} else {
			// not a sequence the terminal understands; drop it
			t.esc = escNone
		}
		return nil
	case escCSI:
		t.csiByte(b)
		return nil
	}

	switch b {
	case 0x1b:
		t.esc = escSeen
	case '\r':
		t.cr()
	case '\n':
		t.lf(true)
	case '\b':
		if t.cursorX > 1 {
			t.SetCursorPosition(t.cursorX-1, t.cursorY)
			t.doWrite(' ', false)
		}
	case '\t':
		for i := uint8(0); i < t.tabWidth; i++ {
			t.doWrite(' ', true)
		}
	default:
		t.doWrite(b, true)
	}

	return nil
}

// csiByte consumes one byte of a control sequence: digits and separators
// accumulate parameters, the final byte executes the sequence.
func (t *VT) csiByte(b byte) {
	switch {
	case b >= '0' && b <= '9':
		if t.csiCount == 0 {
			t.csiCount = 1
		}
		if t.csiCount <= maxCSIParams {
			t.csiParams[t.csiCount-1] = t.csiParams[t.csiCount-1]*10 + uint32(b-'0')
		}
	case b == ';':
		t.csiCount++
	default:
		if t.csiCount > maxCSIParams {
			t.csiCount = maxCSIParams
		}

		switch b {
		case 'm':
			t.sgr()
		case 'H', 'f':
			t.cup()
		}

		t.esc = escNone
	}
}

// sgr applies the accumulated select-graphic-rendition parameters: attribute
// reset plus indexed foreground and background color selection.
func (t *VT) sgr() {
	if t.csiCount == 0 {
		// CSI m is treated as a reset
		t.curFg, t.curBg = t.defaultFg, t.defaultBg
		return
	}

	for i := 0; i < t.csiCount; i++ {
		param := t.csiParams[i]
		switch {
		case param == 0:
			t.curFg, t.curBg = t.defaultFg, t.defaultBg
		case param >= 30 && param <= 37:
			t.curFg = uint8(param - 30)
		case param >= 40 && param <= 47:
			t.curBg = uint8(param - 40)
		case param >= 90 && param <= 97:
			t.curFg = uint8(param-90) + 8
		case param >= 100 && param <= 107:
			t.curBg = uint8(param-100) + 8
		}
	}
}

// cup moves the cursor to the accumulated (row, column) parameters; both
// default to 1 when omitted.
func (t *VT) cup() {
	row, col := uint32(1), uint32(1)
	if t.csiCount >= 1 && t.csiParams[0] > 0 {
		row = t.csiParams[0]
	}
	if t.csiCount >= 2 && t.csiParams[1] > 0 {
		col = t.csiParams[1]
	}

	t.SetCursorPosition(col, row)
}

// doWrite writes the specified character together with the current fg/bg
// attributes at the current data offset advancing the cursor position if
// advanceCursor is true. If the terminal is active, then doWrite also writes
// the character to the attached console.
func (t *VT) doWrite(b byte, advanceCursor bool) {
	if t.state == StateActive {
		t.cons.Write(b, t.curFg, t.curBg, t.cursorX, t.cursorY)
	}

	t.data[t.dataOffset] = b
	t.data[t.dataOffset+1] = t.curFg
	t.data[t.dataOffset+2] = t.curBg

	if advanceCursor {
		// Advance x position and handle wrapping when the cursor
		// reaches the end of the current line
		t.dataOffset += 3
		t.cursorX++
		if t.cursorX > t.viewportWidth {
			t.lf(true)
		}
	}
}

// cr resets the x coordinate of the terminal cursor to the line start.
func (t *VT) cr() {
	t.cursorX = 1
	t.updateDataOffset()
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *VT) lf(withCR bool) {
	if withCR {
		t.cursorX = 1
	}

	switch {
	// Cursor has not reached the end of the viewport
	case t.cursorY+1 <= t.viewportHeight:
		t.cursorY++
	default:
		// Check if the viewport can be scrolled down
		if t.viewportY+t.viewportHeight < t.termHeight {
			t.viewportY++
		} else {
			// We have reached the bottom of the terminal buffer.
			// We need to scroll its contents up and clear the
			// last line
			var stride = int(t.viewportWidth * 3)
			var startOffset = int(t.viewportY) * stride
			var endOffset = int(t.viewportY+t.viewportHeight-1) * stride

			for offset := startOffset; offset < endOffset; offset++ {
				t.data[offset] = t.data[offset+stride]
			}

			for offset := endOffset; offset < endOffset+stride; offset += 3 {
				t.data[offset+0] = ' '
				t.data[offset+1] = t.defaultFg
				t.data[offset+2] = t.defaultBg
			}
		}

		// Sync console
		if t.state == StateActive {
			t.cons.Scroll(console.ScrollDirUp, 1)
			t.cons.Fill(1, t.cursorY, t.termWidth, 1, t.defaultFg, t.defaultBg)
		}
	}

	t.updateDataOffset()
}

// updateDataOffset calculates the offset in the data buffer taking into
// account the cursor position and the viewportY value.
func (t *VT) updateDataOffset() {
	t.dataOffset = uint((t.viewportY+(t.cursorY-1))*(t.viewportWidth*3) + ((t.cursorX - 1) * 3))
}

// DriverName returns the name of this driver.
func (t *VT) DriverName() string {
	return "vt"
}

// DriverVersion returns the version of this driver.
func (t *VT) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (t *VT) DriverInit(_ io.Writer) *kernel.Error {
	return nil
}

func init() {
	// The VT depends on no hardware; probing always succeeds.
	device.RegisterDriver(&device.DriverInfo{
		Order: 1,
		Probe: func() device.Driver { return NewVT(DefaultTabWidth, DefaultScrollback) },
	})
}
