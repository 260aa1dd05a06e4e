// Package engine composes the camera, detector, encoder, gallery and sessions into
// the attendance pipeline the CLI drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/encode"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrEmptyName is returned when registering without a display name.
var ErrEmptyName = errors.New("identity name must not be empty")

// captureAttempts bounds how many transient read failures a single-frame capture absorbs.
const captureAttempts = 5

// GalleryStore persists reference embeddings. *store.Store implements it.
type GalleryStore interface {
	SaveReference(ctx context.Context, backbone string, entry types.GalleryEntry, emb types.Embedding) error
	LoadGallery(ctx context.Context, backbone string) ([]types.GalleryEntry, error)
}

// Options wires the engine. Store may be nil, in which case the gallery lives only in memory.
type Options struct {
	Camera   *camera.Source
	Detector detect.Detector
	Encoder  *encode.Encoder
	Matcher  *gallery.Matcher
	Store    GalleryStore
	Logger   *slog.Logger
	Sessions []session.Option
}

type Engine struct {
	camera   *camera.Source
	detector detect.Detector
	encoder  *encode.Encoder
	matcher  *gallery.Matcher
	store    GalleryStore
	sessions *session.Manager
	logger   *slog.Logger
	now      func() time.Time

	// regMu keeps the name lookup, the store write and the gallery insert together.
	regMu sync.Mutex
}

// CameraStatus is the camera handle plus the number of running sessions.
type CameraStatus struct {
	camera.Status
	ActiveSessions int
}

func New(opts Options) (*Engine, error) {
	if opts.Camera == nil || opts.Detector == nil || opts.Encoder == nil || opts.Matcher == nil {
		return nil, errors.New("engine requires a camera, detector, encoder and matcher")
	}
	if got, want := opts.Encoder.Spec().Dim, opts.Matcher.Dim(); got != want {
		return nil, fmt.Errorf("%w: backbone %s produces %d values but the gallery holds %d",
			gallery.ErrDimensionMismatch, opts.Encoder.Spec().Name, got, want)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		camera:   opts.Camera,
		detector: opts.Detector,
		encoder:  opts.Encoder,
		matcher:  opts.Matcher,
		store:    opts.Store,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
	sessOpts := append([]session.Option{session.WithLogger(logger)}, opts.Sessions...)
	e.sessions = session.NewManager(e, sessOpts...)
	return e, nil
}

// Backbone is the name of the embedding model in use.
func (e *Engine) Backbone() string { return e.encoder.Spec().Name }

// Gallery exposes the in-memory gallery.
func (e *Engine) Gallery() *gallery.Matcher { return e.matcher }

// Sessions exposes the session registry, e.g. to run its sweeper.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// LoadGallery replaces the in-memory gallery with the stored one for the active backbone.
func (e *Engine) LoadGallery(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	entries, err := e.store.LoadGallery(ctx, e.Backbone())
	if err != nil {
		return 0, fmt.Errorf("failed to load gallery: %w", err)
	}
	if err := e.matcher.Restore(entries); err != nil {
		return 0, fmt.Errorf("failed to restore gallery: %w", err)
	}
	e.logger.Info("gallery loaded", "backbone", e.Backbone(), "identities", len(entries))
	return len(entries), nil
}

// Recognize detects every face in frame and resolves each one against the gallery.
// A face that cannot be encoded is logged and left out.
func (e *Engine) Recognize(ctx context.Context, frame types.Frame) ([]types.RecognitionEvent, error) {
	return e.resolve(ctx, frame, false)
}

// resolve runs detect, encode and match over frame. With strict set, the first
// face that fails to encode fails the whole frame.
func (e *Engine) resolve(ctx context.Context, frame types.Frame, strict bool) ([]types.RecognitionEvent, error) {
	faces, err := e.detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	if strict && len(faces) == 0 {
		return nil, detect.ErrNoFaceDetected
	}

	events := make([]types.RecognitionEvent, 0, len(faces))
	for _, face := range faces {
		emb, err := e.encoder.Encode(ctx, frame, face)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if strict {
				return nil, err
			}
			e.logger.Debug("skipping face", "frame", frame.Seq, "box", face.Box, "error", err)
			continue
		}
		m, err := e.matcher.Match(emb)
		if err != nil {
			return nil, err
		}
		events = append(events, types.RecognitionEvent{
			IdentityID: m.ID,
			Name:       m.Name,
			Distance:   m.Distance,
			Confidence: m.Confidence(),
			Face:       face,
			FrameTime:  frame.CapturedAt,
		})
	}
	return events, nil
}

// StartCamera opens the device at index.
func (e *Engine) StartCamera(index int) (CameraStatus, error) {
	st, err := e.camera.Start(index)
	return CameraStatus{Status: st, ActiveSessions: e.sessions.Active()}, err
}

func (e *Engine) StopCamera() error {
	return e.camera.Stop()
}

func (e *Engine) CameraStatus() CameraStatus {
	return CameraStatus{Status: e.camera.Status(), ActiveSessions: e.sessions.Active()}
}

// CaptureSingleFrame grabs one frame, retrying transient read failures a few times.
func (e *Engine) CaptureSingleFrame(ctx context.Context) (types.Frame, error) {
	var lastErr error
	for range captureAttempts {
		frame, err := e.camera.Capture(ctx)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, camera.ErrNoFrame) {
			return types.Frame{}, err
		}
		lastErr = err
	}
	return types.Frame{}, lastErr
}

// CaptureAndRegister registers the single face currently in front of the camera.
func (e *Engine) CaptureAndRegister(ctx context.Context, name string) (types.GalleryEntry, error) {
	if strings.TrimSpace(name) == "" {
		return types.GalleryEntry{}, ErrEmptyName
	}
	frame, err := e.CaptureSingleFrame(ctx)
	if err != nil {
		return types.GalleryEntry{}, err
	}
	return e.RegisterFrame(ctx, name, frame)
}

// RegisterImage registers the single face in a still image, e.g. a file on disk.
func (e *Engine) RegisterImage(ctx context.Context, name string, img image.Image) (types.GalleryEntry, error) {
	rgba := types.ToRGBA(img)
	frame := types.Frame{
		Image:      rgba,
		Width:      rgba.Rect.Dx(),
		Height:     rgba.Rect.Dy(),
		CapturedAt: e.now(),
	}
	return e.RegisterFrame(ctx, name, frame)
}

// RegisterFrame adds a reference embedding for name. The frame must contain exactly one face.
// A name already in the gallery gets another reference under its existing id.
func (e *Engine) RegisterFrame(ctx context.Context, name string, frame types.Frame) (types.GalleryEntry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.GalleryEntry{}, ErrEmptyName
	}

	faces, err := e.detector.Detect(ctx, frame)
	if err != nil {
		return types.GalleryEntry{}, err
	}
	face, err := detect.RequireSingle(faces)
	if err != nil {
		return types.GalleryEntry{}, err
	}
	emb, err := e.encoder.Encode(ctx, frame, face)
	if err != nil {
		return types.GalleryEntry{}, err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	entry := types.GalleryEntry{ID: uuid.NewString(), Name: name, CreatedAt: e.now()}
	if existing, ok := e.matcher.FindByName(name); ok {
		entry.ID = existing.ID
		entry.Name = existing.Name
		entry.CreatedAt = existing.CreatedAt
	}

	if e.store != nil {
		if err := e.store.SaveReference(ctx, e.Backbone(), entry, emb); err != nil {
			return types.GalleryEntry{}, fmt.Errorf("failed to persist reference for %s: %w", name, err)
		}
	}
	registered, err := e.matcher.Register(entry.ID, entry.Name, emb)
	if err != nil {
		return types.GalleryEntry{}, err
	}
	e.logger.Info("identity registered", "id", registered.ID, "name", registered.Name, "references", len(registered.References))
	return registered, nil
}

// QuickAttendance recognizes whoever is in the current frame. Unknown faces are included.
// Detection and encoding errors are returned as they are, never skipped.
func (e *Engine) QuickAttendance(ctx context.Context) ([]types.RecognitionEvent, error) {
	frame, err := e.CaptureSingleFrame(ctx)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, frame, true)
}

func (e *Engine) StartSession(id string) (session.Status, error) {
	return e.sessions.Start(id)
}

func (e *Engine) ProcessFrame(ctx context.Context, id string, frame types.Frame) ([]types.RecognitionEvent, error) {
	return e.sessions.Process(ctx, id, frame)
}

func (e *Engine) SessionStatus(id string) (session.Status, error) {
	return e.sessions.Status(id)
}

func (e *Engine) ConfirmSession(id string, minRecognitions int) (session.Result, error) {
	return e.sessions.Confirm(id, minRecognitions)
}

func (e *Engine) StopSession(id string) error {
	return e.sessions.Stop(id)
}

// OpenStream returns the annotated live feed for the handle that is open now.
func (e *Engine) OpenStream(ctx context.Context) iter.Seq[stream.AnnotatedFrame] {
	return stream.New(e.camera, e, e.logger).Frames(ctx)
}

// RunSession feeds live frames into session id until maxFrames have been counted
// (0 means no limit), the camera closes, the session stops, or ctx is cancelled.
// onFrame, if set, sees every annotated frame that was counted.
func (e *Engine) RunSession(ctx context.Context, id string, maxFrames int, onFrame func(stream.AnnotatedFrame)) (session.Status, error) {
	if _, err := e.sessions.Status(id); err != nil {
		return session.Status{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := &sessionRecognizer{sessions: e.sessions, id: id, cancel: cancel}
	counted := 0
	for af := range stream.New(e.camera, rec, e.logger).Frames(ctx) {
		counted++
		if onFrame != nil {
			onFrame(af)
		}
		if maxFrames > 0 && counted >= maxFrames {
			break
		}
	}
	return e.sessions.Status(id)
}

// sessionRecognizer counts every recognized frame into one session. It ends the
// stream once the session is no longer running.
type sessionRecognizer struct {
	sessions *session.Manager
	id       string
	cancel   context.CancelFunc
}

func (r *sessionRecognizer) Recognize(ctx context.Context, frame types.Frame) ([]types.RecognitionEvent, error) {
	events, err := r.sessions.Process(ctx, r.id, frame)
	if errors.Is(err, session.ErrSessionNotRunning) || errors.Is(err, session.ErrSessionNotFound) {
		r.cancel()
	}
	return events, err
}

// Close stops the camera and releases the models.
func (e *Engine) Close() error {
	return errors.Join(e.camera.Stop(), e.detector.Close(), e.encoder.Close())
}
