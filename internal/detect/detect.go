// Package detect finds faces in frames with a primary detector and an optional fallback.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrNoFaceDetected is returned to callers that need at least one face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrMultipleFacesDetected is returned to registration callers that need exactly one face.
	ErrMultipleFacesDetected = errors.New("multiple faces detected")
)

// Detector finds face boxes in a frame. An empty result is not an error.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error)
	Name() string
	Close() error
}

// Mode selects which detectors run.
type Mode string

const (
	ModePrimaryOnly  Mode = "primary-only"
	ModeFallbackOnly Mode = "fallback-only"
	ModeBoth         Mode = "both"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePrimaryOnly, ModeFallbackOnly, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("invalid detection mode %q (use %s, %s or %s)", s, ModePrimaryOnly, ModeFallbackOnly, ModeBoth)
	}
}

// RequireSingle enforces the registration rule: exactly one face.
func RequireSingle(faces []types.DetectedFace) (types.DetectedFace, error) {
	switch len(faces) {
	case 0:
		return types.DetectedFace{}, ErrNoFaceDetected
	case 1:
		return faces[0], nil
	default:
		return types.DetectedFace{}, fmt.Errorf("%w: found %d", ErrMultipleFacesDetected, len(faces))
	}
}
