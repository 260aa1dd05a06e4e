// Package camera owns the exclusive camera device and hands out frames on demand.
package camera

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrDeviceBusy is returned when the camera is already held by another owner.
	ErrDeviceBusy = errors.New("camera device busy")
	// ErrDeviceUnavailable is returned when the requested index cannot be opened.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrDeviceLost means the device went away or was stopped. The caller must Stop().
	ErrDeviceLost = errors.New("camera device lost")
	// ErrNoFrame is a transient read failure. The caller may retry.
	ErrNoFrame = errors.New("no frame available")
)

// Device is an opened camera. Read blocks until the next frame is available.
// Implementations return ErrDeviceLost (wrapped or bare) when the hardware disappears;
// any other read error is treated as transient. Every Read must return a fresh image:
// frames are immutable once captured, so buffers must not be reused.
type Device interface {
	Read() (image.Image, error)
	Resolution() (width, height int)
	FPS() float64
	Close() error
}

// Interrupter is implemented by devices whose blocking Read can be aborted from
// another goroutine. Stop uses it so it never waits on a hung read.
type Interrupter interface {
	Interrupt()
}

// Opener opens a camera by index.
type Opener interface {
	Open(index int) (Device, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(index int) (Device, error)

// Open calls f(index).
func (f OpenerFunc) Open(index int) (Device, error) { return f(index) }

// Status describes the camera handle.
type Status struct {
	Opened         bool
	Index          int
	Width          int
	Height         int
	FPS            float64
	FramesCaptured uint64
	FramesDropped  uint64
}

// Resolution formats the negotiated size, e.g. "1280x720".
func (s Status) Resolution() string {
	if s.Width == 0 || s.Height == 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

