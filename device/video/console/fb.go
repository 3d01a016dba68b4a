package console

import (
	"image/color"
	"io"
	"unsafe"

	"github.com/tristanseifert/kush-os-sub003/device/video/console/font"
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/kfmt"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/vmm"
)

// PixelOrder selects the byte order of a 32-bit framebuffer pixel.
type PixelOrder uint8

const (
	// OrderRGBA stores the red component in the first byte of a pixel.
	OrderRGBA PixelOrder = iota

	// OrderARGB stores the alpha component in the first byte of a pixel.
	OrderARGB
)

// paletteSize is the number of indexed colors the console supports.
const paletteSize = 16

// bytesPerPixel is fixed; the console only drives 32bpp framebuffers.
const bytesPerPixel = 4

var errFbBadGeometry = &kernel.Error{Module: "fbcons", Message: "framebuffer geometry does not fit the backing buffer"}

// FbConsole implements a character-cell console on top of a 32-bit linear
// framebuffer in RGBA or ARGB byte order.
type FbConsole struct {
	order PixelOrder

	// Console dimensions in pixels.
	width  uint32
	height uint32

	// pitch is the size of a framebuffer row in bytes.
	pitch uint32

	// fbPhysAddr is the physical address of the framebuffer as reported
	// by the boot loader.
	fbPhysAddr uintptr

	// fb is the mapped framebuffer memory; established by DriverInit.
	fb []uint8

	// Console dimensions in characters.
	font          *font.Font
	widthInChars  uint32
	heightInChars uint32

	palette   color.Palette
	defaultFg uint8
	defaultBg uint8
}

// NewFbConsole creates a framebuffer console with the given geometry. The
// framebuffer memory is mapped when the driver initializes.
func NewFbConsole(width, height, pitch uint32, order PixelOrder, fbPhysAddr uintptr) (*FbConsole, *kernel.Error) {
	if pitch < width*bytesPerPixel {
		return nil, errFbBadGeometry
	}

	return &FbConsole{
		order:      order,
		width:      width,
		height:     height,
		pitch:      pitch,
		fbPhysAddr: fbPhysAddr,
		// light gray text on black background
		defaultFg: 7,
		defaultBg: 0,
		palette:   defaultPalette(),
	}, nil
}

// defaultPalette returns the fixed 16-entry indexed palette in ANSI order:
// the eight standard colors followed by their bright variants, matching the
// SGR color indices emitted by the terminal layer.
func defaultPalette() color.Palette {
	return color.Palette{
		color.RGBA{R: 0, G: 0, B: 0},       // black
		color.RGBA{R: 170, G: 0, B: 0},     // red
		color.RGBA{R: 0, G: 170, B: 0},     // green
		color.RGBA{R: 170, G: 85, B: 0},    // yellow
		color.RGBA{R: 0, G: 0, B: 170},     // blue
		color.RGBA{R: 170, G: 0, B: 170},   // magenta
		color.RGBA{R: 0, G: 170, B: 170},   // cyan
		color.RGBA{R: 170, G: 170, B: 170}, // white
		color.RGBA{R: 85, G: 85, B: 85},    // bright black
		color.RGBA{R: 255, G: 85, B: 85},   // bright red
		color.RGBA{R: 85, G: 255, B: 85},   // bright green
		color.RGBA{R: 255, G: 255, B: 85},  // bright yellow
		color.RGBA{R: 85, G: 85, B: 255},   // bright blue
		color.RGBA{R: 255, G: 85, B: 255},  // bright magenta
		color.RGBA{R: 85, G: 255, B: 255},  // bright cyan
		color.RGBA{R: 255, G: 255, B: 255}, // bright white
	}
}

// SetFont selects a bitmap font to be used by the console.
func (cons *FbConsole) SetFont(f *font.Font) {
	if f == nil {
		return
	}

	cons.font = f
	cons.widthInChars = cons.width / f.GlyphWidth
	cons.heightInChars = cons.height / f.GlyphHeight
}

// Dimensions returns the console width and height in the specified dimension.
func (cons *FbConsole) Dimensions(dim Dimension) (uint32, uint32) {
	switch dim {
	case Characters:
		return cons.widthInChars, cons.heightInChars
	default:
		return cons.width, cons.height
	}
}

// DefaultColors returns the default foreground and background colors used by
// this console.
func (cons *FbConsole) DefaultColors() (fg uint8, bg uint8) {
	return cons.defaultFg, cons.defaultBg
}

// packColor encodes a palette color into a framebuffer pixel.
func (cons *FbConsole) packColor(colorIndex uint8) [bytesPerPixel]uint8 {
	c := cons.palette[colorIndex].(color.RGBA)

	switch cons.order {
	case OrderARGB:
		return [bytesPerPixel]uint8{0xff, c.R, c.G, c.B}
	default:
		return [bytesPerPixel]uint8{c.R, c.G, c.B, 0xff}
	}
}

// fbOffset returns the linear offset into the framebuffer that corresponds
// to the pixel at (x,y).
func (cons *FbConsole) fbOffset(x, y uint32) uint32 {
	return (y * cons.pitch) + (x * bytesPerPixel)
}

// Fill sets the contents of the specified rectangular region to the
// requested background color. Both x and y coordinates are 1-based.
func (cons *FbConsole) Fill(x, y, width, height uint32, _, bg uint8) {
	if cons.font == nil {
		return
	}

	// clip the rectangle to the character grid
	if x == 0 {
		x = 1
	} else if x > cons.widthInChars {
		x = cons.widthInChars
	}

	if y == 0 {
		y = 1
	} else if y > cons.heightInChars {
		y = cons.heightInChars
	}

	if x+width-1 > cons.widthInChars {
		width = cons.widthInChars - x + 1
	}

	if y+height-1 > cons.heightInChars {
		height = cons.heightInChars - y + 1
	}

	var (
		comp = cons.packColor(bg)
		pX   = (x - 1) * cons.font.GlyphWidth
		pY   = (y - 1) * cons.font.GlyphHeight
		pW   = width * cons.font.GlyphWidth
		pH   = height * cons.font.GlyphHeight
	)

	fbRowOffset := cons.fbOffset(pX, pY)
	for ; pH > 0; pH, fbRowOffset = pH-1, fbRowOffset+cons.pitch {
		for fbOffset := fbRowOffset; fbOffset < fbRowOffset+pW*bytesPerPixel; fbOffset += bytesPerPixel {
			copy(cons.fb[fbOffset:], comp[:])
		}
	}
}

// Scroll the console contents to the specified direction. The caller is
// responsible for updating the contents of the region that was scrolled.
func (cons *FbConsole) Scroll(dir ScrollDir, lines uint32) {
	if cons.font == nil || lines == 0 || lines > cons.heightInChars {
		return
	}

	offset := lines * cons.font.GlyphHeight * cons.pitch

	switch dir {
	case ScrollDirUp:
		endOffset := (cons.height - lines*cons.font.GlyphHeight) * cons.pitch
		for i := uint32(0); i < endOffset; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case ScrollDirDown:
		startOffset := offset
		for i := cons.height*cons.pitch - 1; i >= startOffset; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write a char to the specified location. If fg or bg exceed the supported
// colors they are replaced with the default colors. Both x and y coordinates
// are 1-based.
func (cons *FbConsole) Write(ch byte, fg, bg uint8, x, y uint32) {
	if x < 1 || x > cons.widthInChars || y < 1 || y > cons.heightInChars || cons.font == nil {
		return
	}

	if fg >= paletteSize {
		fg = cons.defaultFg
	}
	if bg >= paletteSize {
		bg = cons.defaultBg
	}

	var (
		fgComp      = cons.packColor(fg)
		bgComp      = cons.packColor(bg)
		fontOffset  = uint32(ch) * cons.font.BytesPerRow * cons.font.GlyphHeight
		fbRowOffset = cons.fbOffset((x-1)*cons.font.GlyphWidth, (y-1)*cons.font.GlyphHeight)
	)

	for row := uint32(0); row < cons.font.GlyphHeight; row, fbRowOffset, fontOffset = row+1, fbRowOffset+cons.pitch, fontOffset+1 {
		fbOffset := fbRowOffset
		fontRowData := cons.font.Data[fontOffset]
		mask := uint8(1 << 7)

		for col := uint32(0); col < cons.font.GlyphWidth; col, fbOffset, mask = col+1, fbOffset+bytesPerPixel, mask>>1 {
			// fonts wider than 8 pixels store multiple bytes per row
			if mask == 0 {
				fontOffset++
				fontRowData = cons.font.Data[fontOffset]
				mask = 1 << 7
			}

			if fontRowData&mask != 0 {
				copy(cons.fb[fbOffset:], fgComp[:])
			} else {
				copy(cons.fb[fbOffset:], bgComp[:])
			}
		}
	}
}

// Palette returns the active color palette for this console.
func (cons *FbConsole) Palette() color.Palette {
	return cons.palette
}

// SetPaletteColor updates the color definition for the specified palette
// index. Passing a color index greater than the number of supported colors
// is a no-op. Previously drawn cells keep their old color.
func (cons *FbConsole) SetPaletteColor(index uint8, rgba color.RGBA) {
	if index >= paletteSize {
		return
	}

	cons.palette[index] = rgba
}

// DriverName returns the name of this driver.
func (cons *FbConsole) DriverName() string {
	return "fbcons"
}

// DriverVersion returns the version of this driver.
func (cons *FbConsole) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver: the framebuffer is mapped into the
// kernel address space as write-through device memory, the default font is
// loaded and the screen cleared.
func (cons *FbConsole) DriverInit(w io.Writer) *kernel.Error {
	if cons.font == nil {
		cons.SetFont(font.BestFit(cons.width, cons.height))
	}

	if cons.font == nil {
		return errFbNoFont
	}

	if cons.fb == nil {
		if err := cons.mapFramebuffer(); err != nil {
			return err
		}
	}

	cons.Fill(1, 1, cons.widthInChars, cons.heightInChars, cons.defaultFg, cons.defaultBg)
	kfmt.Fprintf(w, "framebuffer console: %dx%d (%dx%d chars)\n",
		cons.width, cons.height, cons.widthInChars, cons.heightInChars)
	return nil
}

// mapFramebuffer installs the framebuffer physical range into the kernel
// address space and hands the console its pixel window.
func (cons *FbConsole) mapFramebuffer() *kernel.Error {
	fbSize := uintptr(cons.pitch) * uintptr(cons.height)
	fbSize = (fbSize + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	entry, err := vmm.NewPhysicalMapEntry(cons.fbPhysAddr&^(mm.PageSize-1), fbSize,
		mm.KernelRW|mm.CacheWriteThrough)
	if err != nil {
		return err
	}

	base, err := vmm.EarlyReserveRegion(fbSize)
	if err != nil {
		return err
	}

	if err := vmm.KernelMap().Add(base, entry); err != nil {
		return err
	}
	vmm.ReleaseEntry(entry)

	cons.fb = fbWindowFn(base, int(fbSize))
	return nil
}

// fbWindowFn turns the mapped framebuffer region into a byte slice; mocked
// by tests which have no framebuffer to point at.
var fbWindowFn = func(base uintptr, size int) []uint8 {
	return unsafe.Slice((*uint8)(unsafe.Pointer(base)), size)
}

var errFbNoFont = &kernel.Error{Module: "fbcons", Message: "no bitmap font available"}
