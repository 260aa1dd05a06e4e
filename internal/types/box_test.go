package types

import (
	"image"
	"math"
	"testing"
)

func TestBoxIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float64
	}{
		{"identical boxes", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1.0},
		{"no overlap", Box{0, 0, 10, 10}, Box{20, 20, 10, 10}, 0.0},
		{"touching edges", Box{0, 0, 10, 10}, Box{10, 0, 10, 10}, 0.0},
		{"partial overlap", Box{0, 0, 10, 10}, Box{5, 5, 10, 10}, 25.0 / 175.0},
		{"one inside other", Box{0, 0, 20, 20}, Box{5, 5, 10, 10}, 100.0 / 400.0},
		{"degenerate box", Box{0, 0, 0, 10}, Box{0, 0, 10, 10}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.IoU(tt.b)
			if math.Abs(got-tt.expected) > 1e-4 {
				t.Errorf("IoU(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
			if back := tt.b.IoU(tt.a); math.Abs(back-got) > 1e-9 {
				t.Errorf("IoU is not symmetric: %v vs %v", got, back)
			}
		})
	}
}

func TestBoxClamp(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)

	got := Box{X: -10, Y: 40, W: 30, H: 30}.Clamp(bounds)
	want := Box{X: 0, Y: 40, W: 20, H: 10}
	if got != want {
		t.Errorf("Clamp() = %+v, want %+v", got, want)
	}

	outside := Box{X: 200, Y: 200, W: 10, H: 10}.Clamp(bounds)
	if outside.Area() != 0 {
		t.Errorf("Expected empty box after clamping outside bounds, got %+v", outside)
	}
}

func TestToRGBAOffsetOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 15, 10))
	got := ToRGBA(src)
	if got.Rect.Min != (image.Point{}) || got.Rect.Dx() != 10 || got.Rect.Dy() != 5 {
		t.Errorf("ToRGBA() rect = %v, want origin-based 10x5", got.Rect)
	}
}
