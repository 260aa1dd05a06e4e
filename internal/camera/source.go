package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Only one live handle may exist per process, whichever Source opened it.
var (
	claimMu sync.Mutex
	claimer *Source
)

func claim(s *Source) bool {
	claimMu.Lock()
	defer claimMu.Unlock()
	if claimer != nil && claimer != s {
		return false
	}
	claimer = s
	return true
}

func release(s *Source) {
	claimMu.Lock()
	defer claimMu.Unlock()
	if claimer == s {
		claimer = nil
	}
}

// handle is one open/close cycle of the device.
type handle struct {
	dev    Device
	index  int
	width  int
	height int
	fps    float64

	closed    chan struct{}
	closeOnce sync.Once
}

func (h *handle) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

func (h *handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Source is the camera resource manager. Start/Stop transitions are serialized by
// one lock and device reads by another, so several consumers can Capture
// concurrently without reopening the device.
type Source struct {
	opener Opener
	logger *slog.Logger
	now    func() time.Time

	lifecycle sync.Mutex // Start/Stop
	grab      sync.Mutex // one device read at a time

	mu     sync.RWMutex
	handle *handle

	seq      atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64
}

// NewSource creates a closed source that opens devices through opener.
func NewSource(opener Opener, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		opener: opener,
		logger: logger.With("component", "camera"),
		now:    time.Now,
	}
}

// Start opens the camera at index. Starting the index that is already open is a no-op.
func (s *Source) Start(index int) (Status, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()

	if h != nil {
		if !h.isClosed() {
			if h.index == index {
				return s.Status(), nil
			}
			return s.Status(), fmt.Errorf("%w: device %d is open, requested %d", ErrDeviceBusy, h.index, index)
		}
		// The previous handle was lost but nobody called Stop. Release it first.
		s.logger.Warn("releasing lost camera handle before reopening", "index", h.index)
		s.releaseLocked()
	}

	if !claim(s) {
		return s.Status(), fmt.Errorf("%w: camera is held by another owner", ErrDeviceBusy)
	}

	dev, err := s.opener.Open(index)
	if err != nil {
		release(s)
		if errors.Is(err, ErrDeviceBusy) {
			return s.Status(), err
		}
		return s.Status(), fmt.Errorf("%w: device %d: %v", ErrDeviceUnavailable, index, err)
	}

	w, hgt := dev.Resolution()
	nh := &handle{
		dev:    dev,
		index:  index,
		width:  w,
		height: hgt,
		fps:    dev.FPS(),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	s.handle = nh
	s.mu.Unlock()

	s.logger.Info("camera started", "index", index, "resolution", fmt.Sprintf("%dx%d", w, hgt), "fps", nh.fps)
	return s.Status(), nil
}

// Stop releases the device. It is safe to call on a closed source.
func (s *Source) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.releaseLocked()
}

// releaseLocked must be called with the lifecycle lock held.
func (s *Source) releaseLocked() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}

	// Wake the stream first, then wait for any in-flight read before closing
	// the device underneath it.
	h.close()
	if in, ok := h.dev.(Interrupter); ok {
		in.Interrupt()
	}
	s.grab.Lock()
	err := h.dev.Close()
	s.grab.Unlock()
	release(s)

	if err != nil {
		s.logger.Warn("camera close reported an error", "index", h.index, "error", err)
		return fmt.Errorf("failed to close camera %d: %w", h.index, err)
	}
	s.logger.Info("camera stopped", "index", h.index)
	return nil
}

// Status reports the current handle. Safe to call at any time.
func (s *Source) Status() Status {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()

	st := Status{
		FramesCaptured: s.captured.Load(),
		FramesDropped:  s.dropped.Load(),
	}
	if h == nil {
		return st
	}
	st.Index = h.index
	st.Width = h.width
	st.Height = h.height
	st.FPS = h.fps
	st.Opened = !h.isClosed()
	return st
}

// Done returns a channel that is closed when the current handle closes, either by
// Stop or because the device was lost. If nothing is open the channel is already closed.
func (s *Source) Done() <-chan struct{} {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil || h.isClosed() {
		c := make(chan struct{})
		close(c)
		return c
	}
	return h.closed
}

// Capture blocks until the next frame is read. Reads from concurrent callers are
// serialized. A Stop during the read makes it fail with ErrDeviceLost.
func (s *Source) Capture(ctx context.Context) (types.Frame, error) {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil || h.isClosed() {
		return types.Frame{}, fmt.Errorf("%w: camera is not open", ErrDeviceLost)
	}

	s.grab.Lock()
	defer s.grab.Unlock()

	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if h.isClosed() {
		return types.Frame{}, fmt.Errorf("%w: camera stopped", ErrDeviceLost)
	}

	img, err := h.dev.Read()
	if h.isClosed() {
		return types.Frame{}, fmt.Errorf("%w: camera stopped during read", ErrDeviceLost)
	}
	if err != nil {
		if errors.Is(err, ErrDeviceLost) {
			s.logger.Error("camera device lost", "index", h.index, "error", err)
			h.close()
			return types.Frame{}, err
		}
		s.dropped.Add(1)
		return types.Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	if img == nil || img.Bounds().Empty() {
		s.dropped.Add(1)
		return types.Frame{}, fmt.Errorf("%w: empty image", ErrNoFrame)
	}

	rgba := types.ToRGBA(img)
	s.captured.Add(1)
	return types.Frame{
		Seq:        s.seq.Add(1),
		Image:      rgba,
		Width:      rgba.Rect.Dx(),
		Height:     rgba.Rect.Dy(),
		CapturedAt: s.now(),
	}, nil
}
