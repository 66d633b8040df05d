// Package clustering runs the two-pass incremental clustering of faces.
//
// Pass 1 commits only high-confidence matches and parks the rest in a
// deferral buffer. Pass 2 revisits the buffer once more anchors exist and,
// when a deferral has expired, forces a resolution. All state lives in one
// Pipeline guarded by a single mutex that covers the whole
// find -> decide -> insert sequence for a face.
package clustering

import (
	"time"

	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// Config holds the pipeline tunables. Match is loaded and validated by the
// config package on its own.
type Config struct {
	Match facematch.Config `yaml:"-" validate:"-"`

	// CandidateClusters is how many nearest clusters are scored per face.
	CandidateClusters int `yaml:"candidate_clusters" validate:"gte=1,lte=100"`
	// MaxDeferred bounds the deferral buffer; reaching it triggers Pass 2 and
	// force-resolves the oldest overflow.
	MaxDeferred int `yaml:"max_deferred" validate:"gte=1"`
	// MaxDeferralAge triggers Pass 2 when the oldest deferral reaches it.
	MaxDeferralAge time.Duration `yaml:"max_deferral_age" validate:"gt=0s"`
	// ForceAfter is the age at which Pass 2 stops waiting and forces a decision.
	ForceAfter time.Duration `yaml:"force_after" validate:"gt=0s"`
	// MaxRepresentatives bounds the member embeddings kept per cluster for
	// staged verification.
	MaxRepresentatives int `yaml:"max_representatives" validate:"gte=0,lte=256"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Match:              facematch.DefaultConfig(),
		CandidateClusters:  10,
		MaxDeferred:        500,
		MaxDeferralAge:     10 * time.Minute,
		ForceAfter:         60 * time.Second,
		MaxRepresentatives: 16,
	}
}
