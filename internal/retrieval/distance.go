package retrieval

import (
	"fmt"
	"math"
	"strings"
)

// DistanceStrategy selects the pgvector operator used to rank rows.
type DistanceStrategy string

const (
	Cosine       DistanceStrategy = "cosine"
	InnerProduct DistanceStrategy = "innerProduct"
	Euclidean    DistanceStrategy = "euclidean"
)

// ParseDistanceStrategy accepts the config and API spellings of a strategy.
func ParseDistanceStrategy(s string) (DistanceStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "inner_product", "innerproduct":
		return InnerProduct, nil
	case "euclidean", "l2":
		return Euclidean, nil
	}
	return "", fmt.Errorf("unknown distance strategy %q", s)
}

// Operator returns the pgvector distance operator for the strategy.
func (d DistanceStrategy) Operator() string {
	switch d {
	case InnerProduct:
		return "<#>"
	case Euclidean:
		return "<->"
	default:
		return "<=>"
	}
}

// Distance computes the same value the pgvector operator would, so that
// results from the embedded backend order identically. Inner product is
// negated as in pgvector's <#>.
func (d DistanceStrategy) Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("different vector dimensions %d and %d", len(a), len(b))
	}
	switch d {
	case InnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot, nil
	case Euclidean:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return math.Sqrt(sum), nil
	default:
		return cosineDistance(a, b), nil
	}
}

// cosineDistance returns 1 - cos(a, b). A zero vector is treated as
// orthogonal to everything.
func cosineDistance(a, b []float32) float64 {
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(aNormSq)*math.Sqrt(bNormSq))
}
