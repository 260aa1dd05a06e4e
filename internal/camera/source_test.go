package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/utils"
)

// fakeDevice serves solid frames unless a custom read function is installed.
type fakeDevice struct {
	read   func() (image.Image, error)
	closed atomic.Bool
}

func (d *fakeDevice) Read() (image.Image, error) {
	if d.read != nil {
		return d.read()
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 6)), nil
}

func (d *fakeDevice) Resolution() (int, int) { return 8, 6 }
func (d *fakeDevice) FPS() float64           { return 30 }
func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeOpener struct {
	opens   atomic.Int32
	missing map[int]bool
	device  func() *fakeDevice
}

func (o *fakeOpener) Open(index int) (Device, error) {
	if o.missing[index] {
		return nil, errors.New("no such device")
	}
	o.opens.Add(1)
	// Simulate the time a real driver needs to negotiate formats.
	time.Sleep(5 * time.Millisecond)
	if o.device != nil {
		return o.device(), nil
	}
	return &fakeDevice{}, nil
}

func newTestSource(t *testing.T, opener Opener) *Source {
	t.Helper()
	s := NewSource(opener, utils.Discard())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestStartIsIdempotentForSameIndex(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSource(t, opener)

	st, err := s.Start(0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !st.Opened || st.Index != 0 || st.Resolution() != "8x6" || st.FPS != 30 {
		t.Errorf("Unexpected status after start: %+v", st)
	}

	if _, err := s.Start(0); err != nil {
		t.Fatalf("Second Start with the same index should succeed, got %v", err)
	}
	if got := opener.opens.Load(); got != 1 {
		t.Errorf("Expected device to be opened once, got %d", got)
	}
}

func TestStartDifferentIndexIsBusy(t *testing.T) {
	s := newTestSource(t, &fakeOpener{})

	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}
	_, err := s.Start(1)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy, got %v", err)
	}
	if st := s.Status(); !st.Opened || st.Index != 0 {
		t.Errorf("Original handle should stay open on index 0, got %+v", st)
	}
}

func TestConcurrentStartOpensOnce(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSource(t, opener)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(2)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent Start returned error: %v", err)
		}
	}
	if got := opener.opens.Load(); got != 1 {
		t.Errorf("Expected exactly one open device handle, got %d", got)
	}
}

func TestStartUnavailable(t *testing.T) {
	opener := &fakeOpener{missing: map[int]bool{7: true}}
	s := newTestSource(t, opener)

	_, err := s.Start(7)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if s.Status().Opened {
		t.Error("Source should remain closed after a failed open")
	}

	// The failed open must not keep the process-wide claim.
	other := newTestSource(t, &fakeOpener{})
	if _, err := other.Start(0); err != nil {
		t.Errorf("Another source should be able to open after a failed start, got %v", err)
	}
}

func TestSecondSourceIsBusy(t *testing.T) {
	a := newTestSource(t, &fakeOpener{})
	b := newTestSource(t, &fakeOpener{})

	if _, err := a.Start(0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Start(0); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy from a second owner, got %v", err)
	}

	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Start(0); err != nil {
		t.Errorf("Second owner should open after the first stopped, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSource(t, &fakeOpener{device: func() *fakeDevice { return dev }})

	if err := s.Stop(); err != nil {
		t.Errorf("Stop on a never-started source returned %v", err)
	}
	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Second Stop returned %v", err)
	}
	if !dev.closed.Load() {
		t.Error("Device was not closed")
	}
	if s.Status().Opened {
		t.Error("Status still reports opened after Stop")
	}
}

func TestCaptureProducesSequencedFrames(t *testing.T) {
	s := newTestSource(t, &fakeOpener{})
	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}

	f1, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	f2, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if f1.Width != 8 || f1.Height != 6 || f1.CapturedAt.IsZero() {
		t.Errorf("Unexpected frame: %+v", f1)
	}
	if f2.Seq <= f1.Seq {
		t.Errorf("Frame sequence not increasing: %d then %d", f1.Seq, f2.Seq)
	}
	if got := s.Status().FramesCaptured; got != 2 {
		t.Errorf("Expected 2 captured frames, got %d", got)
	}
}

func TestCaptureWhenClosedIsDeviceLost(t *testing.T) {
	s := newTestSource(t, &fakeOpener{})
	if _, err := s.Capture(context.Background()); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Expected ErrDeviceLost before start, got %v", err)
	}

	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	if _, err := s.Capture(context.Background()); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Expected ErrDeviceLost after stop, got %v", err)
	}
}

func TestStopDuringCaptureFailsWithDeviceLost(t *testing.T) {
	reading := make(chan struct{})
	unblock := make(chan struct{})
	dev := &fakeDevice{read: func() (image.Image, error) {
		close(reading)
		<-unblock
		return image.NewRGBA(image.Rect(0, 0, 8, 6)), nil
	}}
	s := newTestSource(t, &fakeOpener{device: func() *fakeDevice { return dev }})
	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}
	done := s.Done()

	captureErr := make(chan error, 1)
	go func() {
		_, err := s.Capture(context.Background())
		captureErr <- err
	}()
	<-reading

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Done channel was not closed by Stop")
	}
	close(unblock)

	if err := <-captureErr; !errors.Is(err, ErrDeviceLost) {
		t.Errorf("In-flight capture should fail with ErrDeviceLost, got %v", err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop returned %v", err)
	}
	if !dev.closed.Load() {
		t.Error("Device should be closed once the in-flight read returned")
	}
}

func TestTransientReadIsNoFrame(t *testing.T) {
	calls := 0
	dev := &fakeDevice{read: func() (image.Image, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("select timeout")
		}
		return image.NewRGBA(image.Rect(0, 0, 8, 6)), nil
	}}
	s := newTestSource(t, &fakeOpener{device: func() *fakeDevice { return dev }})
	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Capture(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Expected ErrNoFrame, got %v", err)
	}
	if _, err := s.Capture(context.Background()); err != nil {
		t.Fatalf("Retry after a transient failure should succeed, got %v", err)
	}
	st := s.Status()
	if !st.Opened || st.FramesDropped != 1 || st.FramesCaptured != 1 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestDeviceLostClosesHandle(t *testing.T) {
	opener := &fakeOpener{device: func() *fakeDevice {
		return &fakeDevice{read: func() (image.Image, error) {
			return nil, ErrDeviceLost
		}}
	}}
	s := newTestSource(t, opener)
	if _, err := s.Start(0); err != nil {
		t.Fatal(err)
	}
	done := s.Done()

	if _, err := s.Capture(context.Background()); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost, got %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Done channel should be closed after the device was lost")
	}
	if s.Status().Opened {
		t.Error("Status should report closed after device loss")
	}

	// Starting again releases the lost handle and reopens.
	if _, err := s.Start(0); err != nil {
		t.Fatalf("Restart after loss failed: %v", err)
	}
	if got := opener.opens.Load(); got != 2 {
		t.Errorf("Expected a fresh open after loss, got %d opens", got)
	}
}
