package facematch

import (
	"errors"
	"fmt"
	"math"
)

// similarityEpsilon absorbs float32 rounding when comparing against thresholds.
const similarityEpsilon = 1e-6

func atLeast(value, threshold float64) bool {
	return value+similarityEpsilon >= threshold
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ErrDimensionMismatch is returned when two embeddings differ in length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Similarity is CosineSimilarity for vectors that are not known to share a
// dimension. A length mismatch is an error rather than a similarity.
func Similarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	return CosineSimilarity(a, b), nil
}

// CosineSimilarity returns the cosine similarity of a and b clamped to [-1, 1].
// The vectors must have equal length; use Similarity when that is not
// guaranteed. Zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp(dot/(math.Sqrt(normA)*math.Sqrt(normB)), -1, 1)
}

// QualityBoost maps a 0-100 quality onto a bounded similarity adjustment.
// The clamp keeps quality a tie-breaker: it never outweighs a zone boundary.
func QualityBoost(cfg Config, quality float64) float64 {
	boost := (quality/100 - 0.5) * 2 * cfg.QualityWeight
	return clamp(boost, -cfg.MaxQualityBoost, cfg.MaxQualityBoost)
}

// WeightedSimilarity is base similarity plus the quality boost.
func WeightedSimilarity(cfg Config, base, quality float64) float64 {
	return base + QualityBoost(cfg, quality)
}

// Normalize returns a unit-length copy of v, or nil for a zero vector.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// UpdateCentroid folds embedding into a quality-weighted running average and
// returns the new centroid and weight sum. The result is normalized.
func UpdateCentroid(centroid []float32, weightSum float64, embedding []float32, quality float64) ([]float32, float64) {
	w := math.Max(quality/100, 0.01)
	if len(centroid) != len(embedding) || weightSum <= 0 {
		return Normalize(embedding), w
	}

	next := make([]float32, len(centroid))
	total := weightSum + w
	for i := range centroid {
		next[i] = float32((float64(centroid[i])*weightSum + float64(embedding[i])*w) / total)
	}
	if n := Normalize(next); n != nil {
		return n, total
	}
	return next, total
}
