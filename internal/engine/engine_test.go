package engine

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/encode"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	red   = color.RGBA{255, 0, 0, 255}
	red2  = color.RGBA{240, 12, 8, 255}
	blue  = color.RGBA{0, 0, 255, 255}
	green = color.RGBA{0, 255, 0, 255}
	black = color.RGBA{0, 0, 0, 255}
	// yellow frames hold one face too small to encode, white frames add one to a normal face.
	yellow = color.RGBA{255, 255, 0, 255}
	white  = color.RGBA{255, 255, 255, 255}
)

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// scriptedDevice plays back colours and reports device loss when it runs out.
type scriptedDevice struct {
	mu     sync.Mutex
	frames []color.RGBA
}

func (d *scriptedDevice) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil, camera.ErrDeviceLost
	}
	c := d.frames[0]
	d.frames = d.frames[1:]
	return solid(c), nil
}

func (d *scriptedDevice) Resolution() (int, int) { return 100, 100 }
func (d *scriptedDevice) FPS() float64 { return 30 }
func (d *scriptedDevice) Close() error { return nil }

// colourDetector sees no face on black, two faces on green, a tiny face on yellow,
// a normal and a tiny face on white and one face otherwise.
type colourDetector struct{}

func (colourDetector) Name() string { return "colour" }
func (colourDetector) Close() error { return nil }

func (colourDetector) Detect(_ context.Context, frame types.Frame) ([]types.DetectedFace, error) {
	c := frame.Image.RGBAAt(50, 50)
	one := types.DetectedFace{Box: types.Box{X: 10, Y: 10, W: 80, H: 80}, Confidence: 0.9, Detector: "colour", FrameSeq: frame.Seq}
	switch c {
	case black:
		return nil, nil
	case green:
		two := one
		two.Box = types.Box{X: 60, Y: 60, W: 30, H: 30}
		return []types.DetectedFace{one, two}, nil
	case yellow:
		tiny := one
		tiny.Box = types.Box{X: 2, Y: 2, W: 4, H: 4}
		return []types.DetectedFace{tiny}, nil
	case white:
		tiny := one
		tiny.Box = types.Box{X: 2, Y: 2, W: 4, H: 4}
		return []types.DetectedFace{one, tiny}, nil
	default:
		return []types.DetectedFace{one}, nil
	}
}

// meanColour embeds a crop as its average RGB, normalized.
type meanColour struct{}

func (meanColour) Close() error { return nil }

func (meanColour) Embed(_ context.Context, crop *image.RGBA) (types.Embedding, error) {
	var r, g, b float64
	for i := 0; i < len(crop.Pix); i += 4 {
		r += float64(crop.Pix[i])
		g += float64(crop.Pix[i+1])
		b += float64(crop.Pix[i+2])
	}
	n := math.Sqrt(r*r + g*g + b*b)
	if n == 0 {
		return nil, errors.New("blank crop")
	}
	return types.Embedding{float32(r / n), float32(g / n), float32(b / n)}, nil
}

type memStore struct {
	saved map[string][]types.Embedding
	order []types.GalleryEntry
	fail  error
}

func (s *memStore) SaveReference(_ context.Context, _ string, entry types.GalleryEntry, emb types.Embedding) error {
	if s.fail != nil {
		return s.fail
	}
	if s.saved == nil {
		s.saved = map[string][]types.Embedding{}
	}
	if _, ok := s.saved[entry.ID]; !ok {
		s.order = append(s.order, entry)
	}
	s.saved[entry.ID] = append(s.saved[entry.ID], emb)
	return nil
}

func (s *memStore) LoadGallery(context.Context, string) ([]types.GalleryEntry, error) {
	out := make([]types.GalleryEntry, 0, len(s.order))
	for _, e := range s.order {
		e.References = s.saved[e.ID]
		out = append(out, e)
	}
	return out, nil
}

type harness struct {
	engine *Engine
	device *scriptedDevice
	store  *memStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := &scriptedDevice{}
	src := camera.NewSource(camera.OpenerFunc(func(int) (camera.Device, error) { return dev, nil }), utils.Discard())

	spec := encode.Spec{Name: "mean-colour", Dim: 3, InputSize: 16, MinInput: 8, Metric: "cosine", Tolerance: 0.1}
	matcher, err := gallery.New(3, gallery.Cosine, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	st := &memStore{}
	e, err := New(Options{
		Camera:   src,
		Detector: colourDetector{},
		Encoder:  encode.New(spec, meanColour{}, 0),
		Matcher:  matcher,
		Store:    st,
		Logger:   utils.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return &harness{engine: e, device: dev, store: st}
}

// play restarts the camera with a fresh script.
func (h *harness) play(t *testing.T, frames ...color.RGBA) {
	t.Helper()
	if err := h.engine.StopCamera(); err != nil {
		t.Fatal(err)
	}
	h.device.mu.Lock()
	h.device.frames = frames
	h.device.mu.Unlock()
	if _, err := h.engine.StartCamera(0); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
}

func TestAttendanceScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.play(t, red)
	alice, err := h.engine.CaptureAndRegister(ctx, "Alice")
	if err != nil {
		t.Fatalf("CaptureAndRegister failed: %v", err)
	}
	if alice.ID == "" || len(h.store.saved[alice.ID]) != 1 {
		t.Fatalf("Alice should be persisted once, got %+v", h.store.saved)
	}

	h.play(t, red2)
	events, err := h.engine.QuickAttendance(ctx)
	if err != nil {
		t.Fatalf("QuickAttendance failed: %v", err)
	}
	if len(events) != 1 || events[0].IdentityID != alice.ID || events[0].Distance > 0.1 {
		t.Fatalf("Expected Alice within tolerance, got %+v", events)
	}
	if events[0].Confidence != 1-events[0].Distance {
		t.Errorf("Confidence %v should be 1 - distance %v", events[0].Confidence, events[0].Distance)
	}

	if _, err := h.engine.StartSession("s1"); err != nil {
		t.Fatal(err)
	}
	h.play(t, red, red2, red, blue, blue)
	var seen int
	st, err := h.engine.RunSession(ctx, "s1", 0, func(stream.AnnotatedFrame) { seen++ })
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}
	if seen != 5 || st.FramesProcessed != 5 {
		t.Errorf("Expected 5 frames, saw %d and processed %d", seen, st.FramesProcessed)
	}
	if got := h.engine.CameraStatus(); got.Opened || got.ActiveSessions != 1 {
		t.Errorf("Camera should be closed with one active session, got %+v", got)
	}

	res, err := h.engine.ConfirmSession("s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Confirmed) != 1 || res.Confirmed[0].IdentityID != alice.ID || res.Confirmed[0].Count != 3 {
		t.Errorf("Expected Alice confirmed with 3, got %+v", res.Confirmed)
	}
	if len(res.Unconfirmed) != 0 {
		t.Errorf("Expected nobody unconfirmed, got %+v", res.Unconfirmed)
	}
	if st.Count(types.Unknown) != 0 {
		t.Error("Unknown faces must not be counted")
	}
}

func TestRegisterFrameErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		colour color.RGBA
		label  string
		want   error
	}{
		{"No face", black, "Alice", detect.ErrNoFaceDetected},
		{"Two faces", green, "Alice", detect.ErrMultipleFacesDetected},
		{"Blank name", red, "  ", ErrEmptyName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.RegisterImage(ctx, tt.label, solid(tt.colour))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if h.engine.Gallery().Len() != 0 || len(h.store.saved) != 0 {
		t.Error("Failed registrations must not touch the gallery")
	}
}

func TestRegisterSameNameAddsReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.RegisterImage(ctx, "Alice", solid(red))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.RegisterImage(ctx, "alice", solid(red2))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Name != "Alice" || len(second.References) != 2 {
		t.Errorf("Expected a second reference on the same identity, got %+v", second)
	}
	if h.engine.Gallery().Len() != 1 {
		t.Errorf("Gallery should hold one identity, got %d", h.engine.Gallery().Len())
	}
}

func TestRegisterStoreFailureLeavesGalleryUntouched(t *testing.T) {
	h := newHarness(t)
	h.store.fail = errors.New("connection refused")

	if _, err := h.engine.RegisterImage(context.Background(), "Alice", solid(red)); err == nil {
		t.Fatal("Expected the store error to surface")
	}
	if h.engine.Gallery().Len() != 0 {
		t.Error("A reference that was not persisted must not be matchable")
	}
}

func TestLoadGalleryRestoresStoredIdentities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.RegisterImage(ctx, "Alice", solid(red)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.RegisterImage(ctx, "Bob", solid(blue)); err != nil {
		t.Fatal(err)
	}

	h.engine.Gallery().Clear()
	n, err := h.engine.LoadGallery(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || h.engine.Gallery().Len() != 2 {
		t.Fatalf("Expected 2 identities restored, got %d", n)
	}

	h.play(t, blue)
	events, err := h.engine.QuickAttendance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Name != "Bob" {
		t.Errorf("Expected Bob, got %+v", events[0])
	}
}

func TestQuickAttendance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("No face", func(t *testing.T) {
		h.play(t, black)
		if _, err := h.engine.QuickAttendance(ctx); !errors.Is(err, detect.ErrNoFaceDetected) {
			t.Errorf("Expected ErrNoFaceDetected, got %v", err)
		}
	})

	t.Run("Unknown faces are reported", func(t *testing.T) {
		h.play(t, blue)
		events, err := h.engine.QuickAttendance(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].Known() || events[0].Label() != types.Unknown {
			t.Errorf("Expected one Unknown, got %+v", events)
		}
	})

	t.Run("Face too small to encode", func(t *testing.T) {
		h.play(t, yellow)
		_, err := h.engine.QuickAttendance(ctx)
		if !errors.Is(err, encode.ErrEncodingFailed) {
			t.Errorf("Expected ErrEncodingFailed, got %v", err)
		}
		if errors.Is(err, detect.ErrNoFaceDetected) {
			t.Error("A detected face must not be reported as no face")
		}
	})

	t.Run("One of two faces fails to encode", func(t *testing.T) {
		h.play(t, white)
		events, err := h.engine.QuickAttendance(ctx)
		if !errors.Is(err, encode.ErrEncodingFailed) || events != nil {
			t.Errorf("Expected ErrEncodingFailed and no events, got %+v, %v", events, err)
		}
	})

	t.Run("Camera closed", func(t *testing.T) {
		if err := h.engine.StopCamera(); err != nil {
			t.Fatal(err)
		}
		if _, err := h.engine.QuickAttendance(ctx); !errors.Is(err, camera.ErrDeviceLost) {
			t.Errorf("Expected ErrDeviceLost, got %v", err)
		}
	})
}

func TestRecognizeSkipsUnencodableFaces(t *testing.T) {
	h := newHarness(t)
	frame := types.Frame{Image: solid(white), Width: 100, Height: 100}

	events, err := h.engine.Recognize(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Face.Box.W != 80 {
		t.Errorf("Expected only the encodable face, got %+v", events)
	}
}

func TestConcurrentRegistrationOfNewName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := h.engine.RegisterImage(ctx, "Carol", solid(red))
			ids[i], errs[i] = entry.ID, err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("RegisterImage %d failed: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("Registration %d created identity %s, expected %s", i, ids[i], ids[0])
		}
	}
	if h.engine.Gallery().Len() != 1 || len(h.store.order) != 1 {
		t.Fatalf("Expected one identity, gallery has %d and store has %d", h.engine.Gallery().Len(), len(h.store.order))
	}
	if got := len(h.store.saved[ids[0]]); got != n {
		t.Errorf("Expected %d stored references, got %d", n, got)
	}
}

func TestProcessFrame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, err := h.engine.RegisterImage(ctx, "Alice", solid(red))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.StartSession("s1"); err != nil {
		t.Fatal(err)
	}

	frames := []struct {
		colour     color.RGBA
		wantEvents int
	}{
		{red, 1},
		{black, 0},
		{red2, 1},
		{blue, 1},
		{white, 1},
		{red, 1},
	}
	for i, f := range frames {
		frame := types.Frame{Seq: uint64(i + 1), Image: solid(f.colour), Width: 100, Height: 100}
		events, err := h.engine.ProcessFrame(ctx, "s1", frame)
		if err != nil {
			t.Fatalf("ProcessFrame %d failed: %v", i, err)
		}
		if len(events) != f.wantEvents {
			t.Errorf("Frame %d: expected %d events, got %+v", i, f.wantEvents, events)
		}
	}

	st, err := h.engine.SessionStatus("s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.FramesProcessed != uint64(len(frames)) || st.Count(alice.ID) != 3 {
		t.Errorf("Expected %d frames and 3 for Alice, got %+v", len(frames), st)
	}

	res, err := h.engine.ConfirmSession("s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Confirmed) != 1 || res.Confirmed[0].IdentityID != alice.ID {
		t.Errorf("Expected Alice confirmed, got %+v", res)
	}

	if _, err := h.engine.ProcessFrame(ctx, "s1", types.Frame{Image: solid(red)}); !errors.Is(err, session.ErrSessionNotRunning) {
		t.Errorf("Expected ErrSessionNotRunning after confirm, got %v", err)
	}
	if _, err := h.engine.ProcessFrame(ctx, "missing", types.Frame{Image: solid(red)}); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestRunSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Frame limit", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.engine.StartSession("s1"); err != nil {
			t.Fatal(err)
		}
		h.play(t, red, red, red, red)
		st, err := h.engine.RunSession(ctx, "s1", 2, nil)
		if err != nil {
			t.Fatal(err)
		}
		if st.FramesProcessed != 2 || st.State != session.Running {
			t.Errorf("Expected 2 frames on a running session, got %+v", st)
		}
	})

	t.Run("Unknown session", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.engine.RunSession(ctx, "missing", 0, nil); !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("Stopped mid-run", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.engine.StartSession("s1"); err != nil {
			t.Fatal(err)
		}
		h.play(t, red, red, red, red, red, red)
		st, err := h.engine.RunSession(ctx, "s1", 0, func(af stream.AnnotatedFrame) {
			if af.Frame.Seq == 2 {
				h.engine.StopSession("s1")
			}
		})
		if err != nil {
			t.Fatal(err)
		}
		if st.State != session.Stopped || st.FramesProcessed != 2 {
			t.Errorf("Expected a stopped session with 2 frames, got %+v", st)
		}
	})
}

func TestNewRejectsDimensionMismatch(t *testing.T) {
	src := camera.NewSource(camera.OpenerFunc(func(int) (camera.Device, error) { return &scriptedDevice{}, nil }), utils.Discard())
	matcher, _ := gallery.New(128, gallery.Euclidean, 0.6)
	spec := encode.Spec{Name: "mean-colour", Dim: 3, InputSize: 16, MinInput: 8}
	_, err := New(Options{Camera: src, Detector: colourDetector{}, Encoder: encode.New(spec, meanColour{}, 0), Matcher: matcher})
	if !errors.Is(err, gallery.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}
