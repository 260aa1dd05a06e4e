// Package encode turns detected face regions into fixed-length embeddings.
package encode

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrEncodingFailed covers degenerate crops and backbone output that does not fit the configuration.
var ErrEncodingFailed = errors.New("encoding failed")

// Backbone runs the embedding model on a square, already-normalized face crop.
type Backbone interface {
	Embed(ctx context.Context, face *image.RGBA) (types.Embedding, error)
	Close() error
}

// Encoder crops faces out of frames and feeds them to a Backbone.
type Encoder struct {
	spec     Spec
	backbone Backbone
	margin   float64
}

// New returns an Encoder. margin grows the face box by that fraction on every side before cropping.
func New(spec Spec, backbone Backbone, margin float64) *Encoder {
	return &Encoder{spec: spec, backbone: backbone, margin: margin}
}

// Spec returns the backbone description the encoder was built for.
func (e *Encoder) Spec() Spec { return e.spec }

// Encode produces the embedding for one detected face.
func (e *Encoder) Encode(ctx context.Context, frame types.Frame, face types.DetectedFace) (types.Embedding, error) {
	crop, err := e.Crop(frame, face)
	if err != nil {
		return nil, err
	}

	emb, err := e.backbone.Embed(ctx, crop)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s backbone: %v", ErrEncodingFailed, e.spec.Name, err)
	}
	if len(emb) != e.spec.Dim {
		return nil, fmt.Errorf("%w: %s returned %d values, want %d", ErrEncodingFailed, e.spec.Name, len(emb), e.spec.Dim)
	}
	return emb, nil
}

// Crop cuts the face region out of the frame and scales it to the backbone input size.
// The frame itself is never modified.
func (e *Encoder) Crop(frame types.Frame, face types.DetectedFace) (*image.RGBA, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("%w: frame has no image", ErrEncodingFailed)
	}

	box := face.Box.Expand(e.margin).Clamp(frame.Image.Bounds())
	if box.Area() == 0 {
		return nil, fmt.Errorf("%w: face box %+v lies outside the frame", ErrEncodingFailed, face.Box)
	}
	if box.W < e.spec.MinInput || box.H < e.spec.MinInput {
		return nil, fmt.Errorf("%w: crop %dx%d is below the %dpx minimum", ErrEncodingFailed, box.W, box.H, e.spec.MinInput)
	}

	size := e.spec.InputSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), frame.Image, box.Rect(), draw.Src, nil)
	return dst, nil
}

// Close releases the backbone.
func (e *Encoder) Close() error {
	return e.backbone.Close()
}
