package gallery

import (
	"fmt"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Metric is a distance function over embeddings.
type Metric string

const (
	Cosine    Metric = "cosine"
	Euclidean Metric = "euclidean"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case Cosine, Euclidean:
		return m, nil
	default:
		return "", fmt.Errorf("invalid distance metric %q (use %s or %s)", s, Cosine, Euclidean)
	}
}

// Distance measures a against b. Both must have the same length.
func (m Metric) Distance(a, b types.Embedding) float64 {
	if m == Cosine {
		return cosineDist(a, b)
	}
	return euclideanDist(a, b)
}

func cosineDist(a, b types.Embedding) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	// Return 1.0 (max distance) if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

func euclideanDist(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
