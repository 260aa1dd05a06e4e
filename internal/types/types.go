package types

import (
	"image"
	"time"
)

// Unknown is the identity reported for faces that match no gallery entry.
const Unknown = "Unknown"

// Frame is a single captured camera image. It is immutable once captured:
// anything that wants to draw on it must work on a copy (see CloneImage).
type Frame struct {
	Seq        uint64
	Image      *image.RGBA
	Width      int
	Height     int
	CapturedAt time.Time
}

// Bounds returns the frame rectangle.
func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// DetectedFace is a face found in a specific frame by a specific detector.
type DetectedFace struct {
	Box        Box
	Confidence float64
	Detector   string
	FrameSeq   uint64
}

// Embedding is a fixed-length face feature vector. The length is set by the backbone.
type Embedding []float32

// Clone returns a copy that does not share memory with e.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// GalleryEntry is a registered identity with all of its reference embeddings.
type GalleryEntry struct {
	ID         string
	Name       string
	References []Embedding
	CreatedAt  time.Time
}

// RecognitionEvent is the result of matching one detected face.
type RecognitionEvent struct {
	IdentityID string
	Name       string
	Distance   float64
	Confidence float64
	Face       DetectedFace
	FrameTime  time.Time
}

// Known reports whether the event resolved to a gallery identity.
func (e RecognitionEvent) Known() bool {
	return e.IdentityID != "" && e.IdentityID != Unknown
}

// Label is the text drawn next to the face box.
func (e RecognitionEvent) Label() string {
	if !e.Known() {
		return Unknown
	}
	return e.Name
}
