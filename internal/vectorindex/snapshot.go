package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"
)

// SnapshotVersion is the binary layout version written by Save.
const SnapshotVersion = 1

// Sanity limits applied while decoding so that a corrupt file fails fast
// instead of allocating unbounded memory.
const (
	maxSnapshotNodes  = 1 << 26
	maxSnapshotIDLen  = 4096
	maxSnapshotLayers = maxRandomLevel + 1
	maxSnapshotConns  = 1 << 12
	maxSnapshotDim    = 1 << 14
)

var (
	// ErrVersionMismatch is returned when a snapshot was written with a different layout version.
	ErrVersionMismatch = errors.New("snapshot version mismatch")

	// ErrCorruptSnapshot is returned when a snapshot fails structural checks.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

var byteOrder = binary.LittleEndian

// Save writes the whole graph to w.
//
// Layout (little endian): version, dim, M, efConstruction as int32; mL as
// float64; efSearch, maxLevel as int32; entry point id; node count as int32.
// Each node follows as id, dim float32 components, layer count, then for
// every layer a connection count and the neighbor ids. Ids are written as an
// int32 byte length followed by the bytes. Nodes are written in id order.
func (h *Index) Save(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bw := bufio.NewWriter(w)
	enc := &encoder{w: bw}

	enc.int32(SnapshotVersion)
	enc.int32(h.dim)
	enc.int32(h.m)
	enc.int32(h.efConstruction)
	enc.float64(h.ml)
	enc.int32(h.efSearch)
	enc.int32(h.maxLevel)
	enc.string(h.entry)
	enc.int32(len(h.nodes))

	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		n := h.nodes[id]
		enc.string(n.id)
		enc.vector(n.vec)
		enc.int32(len(n.links))
		for _, layer := range n.links {
			live := layer[:0:0]
			for _, nbID := range layer {
				if _, ok := h.nodes[nbID]; ok {
					live = append(live, nbID)
				}
			}
			enc.int32(len(live))
			for _, nbID := range live {
				enc.string(nbID)
			}
		}
	}

	if enc.err != nil {
		return fmt.Errorf("writing snapshot: %w", enc.err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	return nil
}

// Load reads a graph written by Save. If expectedDim is positive the
// snapshot dimension must match it.
func Load(r io.Reader, expectedDim int) (*Index, error) {
	dec := &decoder{r: bufio.NewReader(r)}

	version := dec.int32()
	if dec.err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", dec.err)
	}
	if version != SnapshotVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, SnapshotVersion)
	}

	dim := dec.int32()
	m := dec.int32()
	efConstruction := dec.int32()
	ml := dec.float64()
	efSearch := dec.int32()
	maxLevel := dec.int32()
	entry := dec.string()
	count := dec.int32()
	if dec.err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", dec.err)
	}

	if dim <= 0 || dim > maxSnapshotDim || m < 2 || count < 0 || count > maxSnapshotNodes {
		return nil, fmt.Errorf("%w: invalid header (dim=%d m=%d nodes=%d)", ErrCorruptSnapshot, dim, m, count)
	}
	if expectedDim > 0 && dim != expectedDim {
		return nil, fmt.Errorf("%w: snapshot has %d, expected %d", ErrDimensionMismatch, dim, expectedDim)
	}

	seed := uint64(time.Now().UnixNano())
	h := &Index{
		dim:            dim,
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             ml,
		nodes:          make(map[string]*node, count),
		entry:          entry,
		maxLevel:       maxLevel,
		rng:            rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}

	for i := 0; i < count; i++ {
		n := &node{id: dec.string()}
		n.vec = dec.vector(dim)
		layers := dec.int32()
		if dec.err != nil {
			return nil, fmt.Errorf("reading node %d: %w", i, dec.err)
		}
		if layers <= 0 || layers > maxSnapshotLayers {
			return nil, fmt.Errorf("%w: node %q has %d layers", ErrCorruptSnapshot, n.id, layers)
		}
		n.links = make([][]string, layers)
		for l := range n.links {
			conns := dec.int32()
			if dec.err != nil {
				return nil, fmt.Errorf("reading node %q links: %w", n.id, dec.err)
			}
			if conns < 0 || conns > maxSnapshotConns {
				return nil, fmt.Errorf("%w: node %q has %d connections", ErrCorruptSnapshot, n.id, conns)
			}
			n.links[l] = make([]string, conns)
			for c := range n.links[l] {
				n.links[l][c] = dec.string()
			}
		}
		if dec.err != nil {
			return nil, fmt.Errorf("reading node %q: %w", n.id, dec.err)
		}
		h.nodes[n.id] = n
	}

	if count > 0 {
		ep, ok := h.nodes[entry]
		if !ok {
			return nil, fmt.Errorf("%w: entry point %q not found", ErrCorruptSnapshot, entry)
		}
		if ep.level() != maxLevel {
			return nil, fmt.Errorf("%w: entry point level %d, max level %d", ErrCorruptSnapshot, ep.level(), maxLevel)
		}
	} else {
		h.entry = ""
		h.maxLevel = -1
	}

	for _, n := range h.nodes {
		for _, nbID := range n.linksAt(0) {
			if nb := h.nodes[nbID]; nb != nil {
				nb.inbound++
			}
		}
	}

	return h, nil
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(v any) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, byteOrder, v)
}

func (e *encoder) int32(v int)        { e.write(int32(v)) }
func (e *encoder) float64(v float64)  { e.write(v) }
func (e *encoder) vector(v []float32) { e.write(v) }
func (e *encoder) string(s string) {
	e.int32(len(s))
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, byteOrder, v)
}

func (d *decoder) int32() int {
	var v int32
	d.read(&v)
	return int(v)
}

func (d *decoder) float64() float64 {
	var v float64
	d.read(&v)
	return v
}

func (d *decoder) vector(dim int) []float32 {
	if d.err != nil {
		return nil
	}
	v := make([]float32, dim)
	d.read(v)
	return v
}

func (d *decoder) string() string {
	n := d.int32()
	if d.err != nil {
		return ""
	}
	if n < 0 || n > maxSnapshotIDLen {
		d.err = fmt.Errorf("%w: id length %d", ErrCorruptSnapshot, n)
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
		return ""
	}
	return string(buf)
}
