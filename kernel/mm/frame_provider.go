package mm

import "github.com/tristanseifert/kush-os-sub003/kernel"

// FrameAllocFn is a function that can allocate physical frames.
type FrameAllocFn func() (Frame, *kernel.Error)

// FrameFreeFn is a function that returns a physical frame to its allocator.
type FrameFreeFn func(Frame) *kernel.Error

var (
	// frameAllocator and frameReclaimer point to the provider functions
	// registered by the physical allocator via SetFrameProvider.
	frameAllocator FrameAllocFn
	frameReclaimer FrameFreeFn

	errNoFrameProvider = &kernel.Error{Module: "mm", Message: "no frame provider registered"}
)

// SetFrameProvider registers the functions used by the virtual memory code
// when physical frames need to be allocated or released.
func SetFrameProvider(allocFn FrameAllocFn, freeFn FrameFreeFn) {
	frameAllocator = allocFn
	frameReclaimer = freeFn
}

// AllocFrame allocates a new physical frame using the currently registered
// frame provider.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameProvider
	}
	return frameAllocator()
}

// FreeFrame returns a physical frame to the currently registered provider.
func FreeFrame(frame Frame) *kernel.Error {
	if frameReclaimer == nil {
		return errNoFrameProvider
	}
	return frameReclaimer(frame)
}

// ContigAllocFn allocates a run of physically contiguous frames and returns
// the first one.
type ContigAllocFn func(frameCount int) (Frame, *kernel.Error)

// ContigFreeFn releases a run of physically contiguous frames.
type ContigFreeFn func(first Frame, frameCount int) *kernel.Error

var (
	contigAllocator ContigAllocFn
	contigReclaimer ContigFreeFn
)

// SetContiguousProvider registers the functions used when physically
// contiguous frame runs need to be allocated or released.
func SetContiguousProvider(allocFn ContigAllocFn, freeFn ContigFreeFn) {
	contigAllocator = allocFn
	contigReclaimer = freeFn
}

// AllocContiguousFrames allocates frameCount physically contiguous frames
// and returns the first one.
func AllocContiguousFrames(frameCount int) (Frame, *kernel.Error) {
	if contigAllocator == nil {
		return InvalidFrame, errNoFrameProvider
	}
	return contigAllocator(frameCount)
}

// FreeContiguousFrames releases a run of physically contiguous frames.
func FreeContiguousFrames(first Frame, frameCount int) *kernel.Error {
	if contigReclaimer == nil {
		return errNoFrameProvider
	}
	return contigReclaimer(first, frameCount)
}
