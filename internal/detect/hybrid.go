package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Config holds the detection policy.
type Config struct {
	Mode Mode
	// MinConfidence discards detections scoring below it.
	MinConfidence float64
	// IoUThreshold is the overlap at or above which a fallback box duplicates a primary box.
	IoUThreshold float64
	// AlwaysRunBoth runs the fallback even when the primary found faces, then merges.
	AlwaysRunBoth bool
	// MinFaceSize discards boxes narrower or shorter than this many pixels.
	MinFaceSize int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeBoth,
		MinConfidence: 0.5,
		IoUThreshold:  0.5,
		MinFaceSize:   30,
	}
}

// Hybrid composes a primary and a fallback Detector under a Mode.
type Hybrid struct {
	primary  Detector
	fallback Detector
	cfg      Config
	logger   *slog.Logger
}

// NewHybrid validates that the detectors required by cfg.Mode are present.
// In ModeBoth a nil fallback simply disables the fallback step.
func NewHybrid(primary, fallback Detector, cfg Config, logger *slog.Logger) (*Hybrid, error) {
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Mode {
	case ModePrimaryOnly, ModeBoth:
		if primary == nil {
			return nil, fmt.Errorf("detection mode %s requires a primary detector", cfg.Mode)
		}
	case ModeFallbackOnly:
		if fallback == nil {
			return nil, fmt.Errorf("detection mode %s requires a fallback detector", cfg.Mode)
		}
	default:
		return nil, fmt.Errorf("invalid detection mode %q", cfg.Mode)
	}

	h := &Hybrid{primary: primary, fallback: fallback, cfg: cfg, logger: logger.With("component", "detector")}
	if cfg.Mode == ModeBoth && fallback == nil {
		h.logger.Warn("fallback detector disabled, running primary only")
	}
	return h, nil
}

// Detect runs the configured policy. It never returns faces below the confidence
// threshold or the minimum size.
func (h *Hybrid) Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error) {
	switch h.cfg.Mode {
	case ModePrimaryOnly:
		return h.run(ctx, h.primary, frame)
	case ModeFallbackOnly:
		return h.run(ctx, h.fallback, frame)
	}

	primary, err := h.run(ctx, h.primary, frame)
	if h.fallback == nil {
		return primary, err
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		h.logger.Warn("primary detector failed, falling back", "detector", h.primary.Name(), "error", err)
		return h.run(ctx, h.fallback, frame)
	}

	if h.cfg.AlwaysRunBoth {
		fallback, err := h.run(ctx, h.fallback, frame)
		if err != nil {
			h.logger.Warn("fallback detector failed, using primary result", "detector", h.fallback.Name(), "error", err)
			return primary, nil
		}
		return Merge(primary, fallback, h.cfg.IoUThreshold), nil
	}

	if len(primary) > 0 {
		return primary, nil
	}
	h.logger.Debug("primary found no faces, trying fallback", "frame", frame.Seq)
	return h.run(ctx, h.fallback, frame)
}

func (h *Hybrid) run(ctx context.Context, d Detector, frame types.Frame) ([]types.DetectedFace, error) {
	faces, err := d.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%s detector: %w", d.Name(), err)
	}

	var kept []types.DetectedFace
	for _, f := range faces {
		if f.Confidence < h.cfg.MinConfidence {
			continue
		}
		if f.Box.W < h.cfg.MinFaceSize || f.Box.H < h.cfg.MinFaceSize || f.Box.Area() == 0 {
			continue
		}
		if f.Detector == "" {
			f.Detector = d.Name()
		}
		f.FrameSeq = frame.Seq
		kept = append(kept, f)
	}
	return kept, nil
}

// Close releases both detectors.
func (h *Hybrid) Close() error {
	var errs []error
	if h.primary != nil {
		errs = append(errs, h.primary.Close())
	}
	if h.fallback != nil {
		errs = append(errs, h.fallback.Close())
	}
	return errors.Join(errs...)
}

// Merge combines primary and fallback detections. A fallback box whose IoU with a
// primary box is at or above threshold is a duplicate: only the higher-confidence box
// of the pair survives, and the primary box wins ties.
func Merge(primary, fallback []types.DetectedFace, threshold float64) []types.DetectedFace {
	out := make([]types.DetectedFace, len(primary), len(primary)+len(fallback))
	copy(out, primary)

	for _, f := range fallback {
		duplicate := false
		for i, p := range primary {
			if f.Box.IoU(p.Box) < threshold {
				continue
			}
			duplicate = true
			if f.Confidence > out[i].Confidence {
				out[i] = f
			}
			break
		}
		if !duplicate {
			out = append(out, f)
		}
	}
	return out
}
