// Package dlib wraps go-face: dlib's HOG/CNN face detector and its 128-d ResNet descriptor.
package dlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DetectionConfidence is reported for dlib hits; go-face exposes no detection score.
const DetectionConfidence = 0.9

// Model is one loaded dlib recognizer shared by the detector and the backbone.
// go-face recognizers are not safe for concurrent use, so every call is serialized.
type Model struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// Load reads shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and (for CNN detection) mmod_human_face_detector.dat from dir.
func Load(dir string) (*Model, error) {
	rec, err := face.NewRecognizer(dir)
	if err != nil {
		return nil, fmt.Errorf("can not initialize face recognizer: %w", err)
	}
	return &Model{rec: rec}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		m.rec.Close()
		m.rec = nil
	}
	return nil
}

func (m *Model) recognize(img image.Image, cnn bool) ([]face.Face, error) {
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, errors.New("dlib model is closed")
	}
	if cnn {
		return m.rec.RecognizeCNN(data)
	}
	return m.rec.Recognize(data)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image for dlib: %w", err)
	}
	return buf.Bytes(), nil
}

// Detector is the primary face detector.
type Detector struct {
	model *Model
	cnn   bool
}

// Detector returns a HOG detector, or the slower CNN detector when cnn is set.
func (m *Model) Detector(cnn bool) *Detector {
	return &Detector{model: m, cnn: cnn}
}

func (d *Detector) Name() string {
	if d.cnn {
		return "dlib-cnn"
	}
	return "dlib-hog"
}

func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found, err := d.model.recognize(frame.Image, d.cnn)
	if err != nil {
		return nil, err
	}
	faces := make([]types.DetectedFace, 0, len(found))
	for _, f := range found {
		faces = append(faces, types.DetectedFace{
			Box:        types.BoxFromRect(f.Rectangle),
			Confidence: DetectionConfidence,
			Detector:   d.Name(),
			FrameSeq:   frame.Seq,
		})
	}
	return faces, nil
}

// Close is a no-op; the shared Model is closed by its owner.
func (d *Detector) Close() error { return nil }

// Backbone computes dlib ResNet descriptors for face crops.
type Backbone struct {
	model *Model
}

func (m *Model) Backbone() *Backbone {
	return &Backbone{model: m}
}

// Embed locates the face inside the crop again, since dlib aligns on its own landmarks,
// and returns the descriptor of the largest face found.
func (b *Backbone) Embed(ctx context.Context, crop *image.RGBA) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found, err := b.model.recognize(crop, false)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.New("dlib found no face in the crop")
	}

	best := found[0]
	for _, f := range found[1:] {
		if area(f.Rectangle) > area(best.Rectangle) {
			best = f
		}
	}
	emb := make(types.Embedding, len(best.Descriptor))
	copy(emb, best.Descriptor[:])
	return emb, nil
}

// Close is a no-op; the shared Model is closed by its owner.
func (b *Backbone) Close() error { return nil }

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
