package clusterindex

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kozaktomas/face-clusterer/internal/logging"
	"github.com/kozaktomas/face-clusterer/internal/vectorindex"
)

// Path returns the snapshot location.
func (x *Index) Path() string {
	return x.path
}

// Save writes the graph snapshot atomically (temp file + rename). An index
// that never received a vector removes any stale snapshot instead.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.path == "" {
		return nil
	}
	if x.graph == nil {
		if err := x.fs.Remove(x.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale snapshot: %w", err)
		}
		return nil
	}

	dir := filepath.Dir(x.path)
	if err := x.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := afero.TempFile(x.fs, dir, filepath.Base(x.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if err := x.graph.Save(tmp); err != nil {
		tmp.Close()
		_ = x.fs.Remove(tmpName)
		return fmt.Errorf("saving index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = x.fs.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := x.fs.Rename(tmpName, x.path); err != nil {
		_ = x.fs.Remove(tmpName)
		return fmt.Errorf("renaming snapshot: %w", err)
	}

	x.log.WithFields(logging.Fields{
		"path":     x.path,
		"clusters": len(x.clusters),
		"entries":  x.graph.Len(),
	}).Debug("cluster index saved")
	return nil
}

// Load replaces the in-memory graph with the snapshot on disk. On any
// failure the façade is left empty so that the caller can rebuild from
// persisted clusters.
func (x *Index) Load() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.graph = nil
	x.clusters = make(map[string]*members)

	f, err := x.fs.Open(x.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNoSnapshot
		}
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	graph, err := vectorindex.Load(f, x.dim)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", x.path, err)
	}

	unknown := 0
	for _, key := range graph.IDs() {
		clusterID, faceID, isAnchor, ok := parseKey(key)
		if !ok {
			graph.Remove(key)
			unknown++
			continue
		}
		m := x.member(clusterID)
		if isAnchor {
			m.anchors[faceID] = struct{}{}
		} else {
			m.centroid = true
		}
	}
	if x.cfg.EfSearch > 0 {
		graph.SetEfSearch(x.cfg.EfSearch)
	}

	x.graph = graph
	x.dim = graph.Dim()

	x.log.WithFields(logging.Fields{
		"path":         x.path,
		"clusters":     len(x.clusters),
		"entries":      graph.Len(),
		"unknown_keys": unknown,
	}).Info("cluster index loaded")
	return nil
}
