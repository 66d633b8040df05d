package facematch

import "time"

// Mode selects the primary decision model.
type Mode string

const (
	ModeAnchors Mode = "anchors"
	ModeLegacy  Mode = "legacy"
)

// Config holds every tunable of the decision engine. Field tags are used by
// the config package for YAML loading and validation.
type Config struct {
	Mode Mode `yaml:"mode" validate:"oneof=anchors legacy"`

	// Three-zone model.
	SafeSame             float64 `yaml:"safe_same" validate:"gt=0,lte=1,gtfield=SafeDifferent"`
	SafeDifferent        float64 `yaml:"safe_different" validate:"gte=0,lte=1"`
	MinEvidenceGap       float64 `yaml:"min_evidence_gap" validate:"gte=0,lte=1"`
	MinSupportingAnchors int     `yaml:"min_supporting_anchors" validate:"gte=1"`
	StrongGap            float64 `yaml:"strong_gap" validate:"gte=0,lte=1"`
	ForcedMinGap         float64 `yaml:"forced_min_gap" validate:"gte=0,lte=1"`

	// Temporal session boost.
	SessionBoost  float64       `yaml:"session_boost" validate:"gte=0,lte=0.2"`
	SessionWindow time.Duration `yaml:"session_window" validate:"gte=0s"`

	// Quality weighting. The boost only affects candidate ranking.
	QualityWeight   float64 `yaml:"quality_weight" validate:"gte=0,lte=1"`
	MaxQualityBoost float64 `yaml:"max_quality_boost" validate:"gte=0,lte=0.2"`

	// Legacy four-level model.
	DefiniteSame             float64 `yaml:"definite_same" validate:"gt=0,lte=1,gtfield=LikelySame"`
	LikelySame               float64 `yaml:"likely_same" validate:"gt=0,lte=1,gtfield=DefinitelyDifferent"`
	DefinitelyDifferent      float64 `yaml:"definitely_different" validate:"gte=0,lte=1"`
	MinCentroidUpdateQuality float64 `yaml:"min_centroid_update_quality" validate:"gte=0,lte=100"`

	// Adaptive thresholds.
	AdaptiveMin     float64 `yaml:"adaptive_min" validate:"gte=0,lte=1"`
	AdaptiveMax     float64 `yaml:"adaptive_max" validate:"gte=0,lte=1,gtefield=AdaptiveMin"`
	AdaptiveStdDevs float64 `yaml:"adaptive_std_devs" validate:"gte=0"`
	MaturityShift   float64 `yaml:"maturity_shift" validate:"gte=0,lte=0.2"`
	GrowingFaces    int     `yaml:"growing_faces" validate:"gte=1"`
	MatureFaces     int     `yaml:"mature_faces" validate:"gtfield=GrowingFaces"`

	// Anchor maintenance.
	MaxAnchors         int     `yaml:"max_anchors" validate:"gte=1,lte=32"`
	DiversityCeiling   float64 `yaml:"diversity_ceiling" validate:"gt=0,lte=1"`
	ReplaceImprovement float64 `yaml:"replace_improvement" validate:"gte=0"`

	// Merge detection.
	MergeThreshold         float64 `yaml:"merge_threshold" validate:"gt=0,lte=1"`
	CrossPoseAdjacentBonus float64 `yaml:"cross_pose_adjacent_bonus" validate:"gte=0,lte=0.2"`
	CrossPoseThreshold     float64 `yaml:"cross_pose_threshold" validate:"gt=0,lte=1"`
	TransitiveThreshold    float64 `yaml:"transitive_threshold" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Mode: ModeAnchors,

		SafeSame:             0.60,
		SafeDifferent:        0.42,
		MinEvidenceGap:       0.08,
		MinSupportingAnchors: 2,
		StrongGap:            0.15,
		ForcedMinGap:         0.04,

		SessionBoost:  0.05,
		SessionWindow: 30 * time.Minute,

		QualityWeight:   0.10,
		MaxQualityBoost: 0.08,

		DefiniteSame:             0.62,
		LikelySame:               0.52,
		DefinitelyDifferent:      0.40,
		MinCentroidUpdateQuality: 50,

		AdaptiveMin:     0.45,
		AdaptiveMax:     0.65,
		AdaptiveStdDevs: 2,
		MaturityShift:   0.05,
		GrowingFaces:    5,
		MatureFaces:     10,

		MaxAnchors:         7,
		DiversityCeiling:   0.80,
		ReplaceImprovement: 0.20,

		MergeThreshold:         0.65,
		CrossPoseAdjacentBonus: 0.05,
		CrossPoseThreshold:     0.55,
		TransitiveThreshold:    0.30,
	}
}

// Classify returns the zone of a raw similarity.
func (c Config) Classify(similarity float64) Zone {
	switch {
	case atLeast(similarity, c.SafeSame):
		return ZoneSafeSame
	case atLeast(similarity, c.SafeDifferent):
		return ZoneUncertain
	}
	return ZoneSafeDifferent
}

// SameSession reports whether two capture times fall within the session window.
func (c Config) SameSession(a, b time.Time) bool {
	if c.SessionWindow <= 0 || a.IsZero() || b.IsZero() {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= c.SessionWindow
}
