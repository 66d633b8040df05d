package clusterindex

import (
	"slices"
)

// Rebuild thresholds for VerifyIntegrity.
const (
	rebuildMissingRatio  = 0.10
	rebuildOrphanedCount = 10
)

// IntegrityReport compares indexed cluster ids against persisted ones.
type IntegrityReport struct {
	IndexCount int
	DBCount    int
	// Missing are persisted clusters absent from the index.
	Missing []string
	// Orphaned are indexed clusters no longer persisted.
	Orphaned     []string
	NeedsRebuild bool
}

// OK reports whether index and persistence agree.
func (r IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0
}

// VerifyIntegrity diffs the indexed cluster ids against dbIDs. A rebuild is
// recommended when more than 10% of the index size is missing or more than
// 10 clusters are orphaned.
func (x *Index) VerifyIntegrity(dbIDs []string) IntegrityReport {
	x.mu.Lock()
	defer x.mu.Unlock()

	db := make(map[string]struct{}, len(dbIDs))
	for _, id := range dbIDs {
		db[id] = struct{}{}
	}

	report := IntegrityReport{IndexCount: len(x.clusters), DBCount: len(db)}
	for id := range db {
		if _, ok := x.clusters[id]; !ok {
			report.Missing = append(report.Missing, id)
		}
	}
	for id := range x.clusters {
		if _, ok := db[id]; !ok {
			report.Orphaned = append(report.Orphaned, id)
		}
	}
	slices.Sort(report.Missing)
	slices.Sort(report.Orphaned)

	report.NeedsRebuild = float64(len(report.Missing)) > rebuildMissingRatio*float64(report.IndexCount) ||
		len(report.Orphaned) > rebuildOrphanedCount

	x.log.WithField("index_clusters", report.IndexCount).
		WithField("db_clusters", report.DBCount).
		WithField("missing", len(report.Missing)).
		WithField("orphaned", len(report.Orphaned)).
		WithField("needs_rebuild", report.NeedsRebuild).
		Debug("index integrity verified")

	return report
}

// RemoveOrphans drops every listed cluster from the index and returns the
// number of graph entries removed.
func (x *Index) RemoveOrphans(clusterIDs []string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for _, id := range clusterIDs {
		removed += x.removeCluster(id)
	}
	if removed > 0 {
		x.log.WithField("clusters", len(clusterIDs)).WithField("entries", removed).Info("removed orphaned clusters from index")
	}
	return removed
}
