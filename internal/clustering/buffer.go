package clustering

import (
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// Deferred is a face waiting for more evidence.
type Deferred struct {
	Face database.StoredFace

	BestCluster      string
	BestSimilarity   float64
	SecondCluster    string
	SecondSimilarity float64

	DeferredAt time.Time
}

// DeferralBuffer keeps deferred faces in deferral order. It never drops an
// entry: overflow is handled by resolving, not evicting. Not safe for
// concurrent use; the Pipeline lock guards it.
type DeferralBuffer struct {
	entries []Deferred
	pos     map[int64]int
}

// NewDeferralBuffer creates an empty buffer.
func NewDeferralBuffer() *DeferralBuffer {
	return &DeferralBuffer{pos: make(map[int64]int)}
}

// Add appends d, or refreshes the candidates of an already deferred face
// while keeping its original position and deferral time.
func (b *DeferralBuffer) Add(d Deferred) {
	if i, ok := b.pos[d.Face.ID]; ok {
		d.DeferredAt = b.entries[i].DeferredAt
		b.entries[i] = d
		return
	}
	b.pos[d.Face.ID] = len(b.entries)
	b.entries = append(b.entries, d)
}

// Len returns the number of deferred faces.
func (b *DeferralBuffer) Len() int {
	return len(b.entries)
}

// Contains reports whether faceID is deferred.
func (b *DeferralBuffer) Contains(faceID int64) bool {
	_, ok := b.pos[faceID]
	return ok
}

// Oldest returns the deferral time of the oldest entry.
func (b *DeferralBuffer) Oldest() (time.Time, bool) {
	if len(b.entries) == 0 {
		return time.Time{}, false
	}
	return b.entries[0].DeferredAt, true
}

// Drain removes and returns every entry, oldest first.
func (b *DeferralBuffer) Drain() []Deferred {
	out := b.entries
	b.entries = nil
	b.pos = make(map[int64]int)
	return out
}

// Entries returns a copy of the buffer contents, oldest first.
func (b *DeferralBuffer) Entries() []Deferred {
	out := make([]Deferred, len(b.entries))
	copy(out, b.entries)
	return out
}
