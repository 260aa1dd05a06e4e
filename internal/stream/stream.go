// Package stream turns the camera feed into an annotated frame sequence.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/types"
)

// FrameSource is the part of camera.Source the stream needs.
type FrameSource interface {
	Capture(ctx context.Context) (types.Frame, error)
	Done() <-chan struct{}
}

// Recognizer resolves every face in a frame.
type Recognizer interface {
	Recognize(ctx context.Context, frame types.Frame) ([]types.RecognitionEvent, error)
}

// AnnotatedFrame is a captured frame with boxes and labels drawn on a private copy.
type AnnotatedFrame struct {
	Frame  types.Frame
	Events []types.RecognitionEvent
}

// JPEG encodes the annotated image.
func (a AnnotatedFrame) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, a.Frame.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", a.Frame.Seq, err)
	}
	return buf.Bytes(), nil
}

// Encoder produces annotated frames from a FrameSource.
type Encoder struct {
	src        FrameSource
	rec        Recognizer
	logger     *slog.Logger
	retryDelay time.Duration
}

func New(src FrameSource, rec Recognizer, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		src:        src,
		rec:        rec,
		logger:     logger.With("component", "stream"),
		retryDelay: 20 * time.Millisecond,
	}
}

// Frames opens a stream on the camera handle that is open right now. The sequence
// never ends on its own while that handle lives; it ends without error once the
// handle closes or ctx is cancelled. Bad frames and recognition failures are skipped.
// A handle opened later does not revive the sequence.
func (e *Encoder) Frames(ctx context.Context) iter.Seq[AnnotatedFrame] {
	done := e.src.Done()

	return func(yield func(AnnotatedFrame) bool) {
		for {
			if closed(ctx, done) {
				return
			}

			frame, err := e.src.Capture(ctx)
			if err != nil {
				if errors.Is(err, camera.ErrDeviceLost) || ctx.Err() != nil {
					e.logger.Debug("stream ended", "reason", err)
					return
				}
				e.logger.Warn("skipping frame", "error", err)
				if !e.wait(ctx, done) {
					return
				}
				continue
			}
			if closed(ctx, done) {
				return
			}

			events, err := e.rec.Recognize(ctx, frame)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("recognition failed, skipping frame", "frame", frame.Seq, "error", err)
				continue
			}

			out := frame
			out.Image = Annotate(frame, events)
			if !yield(AnnotatedFrame{Frame: out, Events: events}) {
				return
			}
		}
	}
}

func (e *Encoder) wait(ctx context.Context, done <-chan struct{}) bool {
	t := time.NewTimer(e.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}

func closed(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// WriteMJPEG writes frames as concatenated JPEG images until the sequence ends or
// limit frames were written (limit <= 0 means no limit). It returns the frame count.
func WriteMJPEG(w io.Writer, frames iter.Seq[AnnotatedFrame], quality, limit int) (int, error) {
	n := 0
	for f := range frames {
		data, err := f.JPEG(quality)
		if err != nil {
			return n, err
		}
		if _, err := w.Write(data); err != nil {
			return n, fmt.Errorf("failed to write frame: %w", err)
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}
