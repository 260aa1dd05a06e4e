package opencv

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/rollcall/internal/types"
)

// HaarConfidence is reported for every cascade hit; the classifier gives no score.
const HaarConfidence = 0.75

// HaarDetector finds frontal faces with an OpenCV cascade classifier.
type HaarDetector struct {
	mu           sync.Mutex
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      int
}

// NewHaarDetector loads the cascade XML at path. minSize is the smallest face side in pixels.
func NewHaarDetector(path string, minSize int) (*HaarDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load face cascade classifier from %s", path)
	}
	if minSize <= 0 {
		minSize = 30
	}
	return &HaarDetector{
		classifier:   classifier,
		scaleFactor:  1.1,
		minNeighbors: 5,
		minSize:      minSize,
	}, nil
}

func (h *HaarDetector) Name() string { return "haar" }

func (h *HaarDetector) Detect(ctx context.Context, frame types.Frame) ([]types.DetectedFace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rgb, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	// CascadeClassifier is not safe for concurrent use.
	h.mu.Lock()
	rects := h.classifier.DetectMultiScaleWithParams(gray, h.scaleFactor, h.minNeighbors, 0,
		image.Pt(h.minSize, h.minSize), image.Point{})
	h.mu.Unlock()

	faces := make([]types.DetectedFace, 0, len(rects))
	for _, r := range rects {
		faces = append(faces, types.DetectedFace{
			Box:        types.BoxFromRect(r),
			Confidence: HaarConfidence,
			Detector:   h.Name(),
			FrameSeq:   frame.Seq,
		})
	}
	return faces, nil
}

func (h *HaarDetector) Close() error {
	return h.classifier.Close()
}
