package facematch

import "math"

// Maturity is the age bucket of a cluster by face count.
type Maturity int

const (
	MaturityNew Maturity = iota
	MaturityGrowing
	MaturityMature
)

func (m Maturity) String() string {
	switch m {
	case MaturityNew:
		return "new"
	case MaturityGrowing:
		return "growing"
	case MaturityMature:
		return "mature"
	}
	return "unknown"
}

// ClusterMaturity buckets a cluster by its face count.
func ClusterMaturity(cfg Config, faceCount int) Maturity {
	switch {
	case faceCount >= cfg.MatureFaces:
		return MaturityMature
	case faceCount >= cfg.GrowingFaces:
		return MaturityGrowing
	}
	return MaturityNew
}

// MaturityShift is added to acceptance thresholds: new clusters demand more
// certainty, mature clusters accept a little less.
func MaturityShift(cfg Config, faceCount int) float64 {
	switch ClusterMaturity(cfg, faceCount) {
	case MaturityNew:
		return cfg.MaturityShift
	case MaturityMature:
		return -cfg.MaturityShift
	}
	return 0
}

// AdaptiveThreshold derives a cluster's own acceptance threshold from its
// anchor statistics: mean - k*stddev clamped to [AdaptiveMin, AdaptiveMax].
// The second return is false when there are too few samples.
func AdaptiveThreshold(cfg Config, stats Statistics) (float64, bool) {
	if stats.SampleCount < 2 {
		return 0, false
	}
	t := stats.Mean - cfg.AdaptiveStdDevs*math.Sqrt(math.Max(stats.Variance, 0))
	return clamp(t, cfg.AdaptiveMin, cfg.AdaptiveMax), true
}

// AcceptanceThreshold is the similarity a face needs to join a cluster when
// the decision is not already settled by the SAFE_SAME zone. The cluster's
// adaptive threshold replaces base when available, then the maturity shift
// is applied.
func AcceptanceThreshold(cfg Config, stats Statistics, faceCount int, base float64) float64 {
	t := base
	if adaptive, ok := AdaptiveThreshold(cfg, stats); ok {
		t = adaptive
	}
	return clamp(t+MaturityShift(cfg, faceCount), 0, 1)
}
