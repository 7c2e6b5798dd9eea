package vector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// Store is an append-mostly collection of unit vectors tagged with owner-scoped
// keys, searched exactly by squared L2 distance.
//
// Readers take the current immutable state at call entry and never block.
// Writers are serialized; an Add becomes visible only after its snapshot has
// been persisted, so memory never runs ahead of disk.
type Store struct {
	dimensions int
	policy     DuplicatePolicy
	persister  Persister

	writeMu sync.Mutex
	current atomic.Pointer[state]
}

// state is never mutated once published.
type state struct {
	keys    []string
	vectors [][]float32
	owners  map[string]*roaring.Bitmap
	latest  map[string]int // key -> newest position; PolicyReplace only
}

// Open creates a store and loads its durable state through p. A
// CorruptStateError from p is returned unchanged; the caller must not continue.
func Open(opts Options, p Persister) (*Store, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if p == nil {
		return nil, fmt.Errorf("persister is required")
	}
	policy, err := ParseDuplicatePolicy(string(opts.DuplicatePolicy))
	if err != nil {
		return nil, err
	}
	s := &Store{dimensions: opts.Dimension, policy: policy, persister: p}

	snap, err := p.Load()
	if err != nil {
		return nil, err
	}
	st, err := s.restore(snap)
	if err != nil {
		return nil, err
	}
	s.current.Store(st)
	return s, nil
}

func (s *Store) restore(snap *Snapshot) (*state, error) {
	st := &state{owners: make(map[string]*roaring.Bitmap)}
	if s.policy == PolicyReplace {
		st.latest = make(map[string]int)
	}
	if snap == nil || snap.Len() == 0 && len(snap.Vectors) == 0 {
		return st, nil
	}
	if snap.Dimension != s.dimensions {
		return nil, &CorruptStateError{Reason: fmt.Sprintf("dimension mismatch: snapshot has %d, index expects %d", snap.Dimension, s.dimensions)}
	}
	if len(snap.Keys) != len(snap.Vectors) {
		return nil, &CorruptStateError{Reason: fmt.Sprintf("%d keys for %d vectors", len(snap.Keys), len(snap.Vectors))}
	}
	st.keys = slices.Clone(snap.Keys)
	st.vectors = make([][]float32, len(snap.Vectors))
	for i, vec := range snap.Vectors {
		if len(vec) != s.dimensions {
			return nil, &CorruptStateError{Reason: fmt.Sprintf("row %d has dimension %d", i, len(vec))}
		}
		for _, v := range vec {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, &CorruptStateError{Reason: fmt.Sprintf("row %d has a non-finite component", i)}
			}
		}
		st.vectors[i] = slices.Clone(vec)
		st.index(st.keys[i], i)
	}
	return st, nil
}

// index records position pos for key in the owner postings and latest map.
// Only valid while st is still private to the writer.
func (st *state) index(key string, pos int) {
	if owner, ok := ownerOf(key); ok {
		bm := st.owners[owner]
		if bm == nil {
			bm = roaring.New()
			st.owners[owner] = bm
		}
		bm.Add(uint32(pos))
	}
	if st.latest != nil {
		st.latest[key] = pos
	}
}

// Dimension returns the configured vector width.
func (s *Store) Dimension() int { return s.dimensions }

// Policy returns the duplicate-key policy.
func (s *Store) Policy() DuplicatePolicy { return s.policy }

// Len returns the number of stored entries.
func (s *Store) Len() int { return len(s.current.Load().keys) }

// Owners returns the number of distinct owners with at least one entry.
func (s *Store) Owners() int { return len(s.current.Load().owners) }

// OwnerLen returns the number of entries filed under owner. Owners containing
// KeySeparator are never indexed and report zero.
func (s *Store) OwnerLen(owner string) int {
	if bm := s.current.Load().owners[owner]; bm != nil {
		return int(bm.GetCardinality())
	}
	return 0
}

// Entries calls fn for each entry in insertion order until fn returns false.
// The vector passed to fn must not be modified.
func (s *Store) Entries(fn func(pos int, key string, vec []float32) bool) {
	st := s.current.Load()
	for i, key := range st.keys {
		if !fn(i, key, st.vectors[i]) {
			return
		}
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	st := s.current.Load()
	out := &Snapshot{
		Dimension: s.dimensions,
		Keys:      slices.Clone(st.keys),
		Vectors:   make([][]float32, len(st.vectors)),
	}
	for i, vec := range st.vectors {
		out.Vectors[i] = slices.Clone(vec)
	}
	return out
}

// Add normalizes vec and stores it under key, then persists the new snapshot
// before making it visible. The caller's slice is not modified.
func (s *Store) Add(ctx context.Context, key string, vec []float32) error {
	if key == "" {
		return invalid("empty key")
	}
	if len(vec) != s.dimensions {
		return dimensionMismatch(s.dimensions, len(vec))
	}
	unit, ok := Normalize(vec)
	if !ok {
		return invalid("zero norm or non-finite component")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().with(key, unit, s.policy)
	snap := &Snapshot{Dimension: s.dimensions, Keys: next.keys, Vectors: next.vectors}
	if err := s.persister.Save(snap); err != nil {
		if errors.Is(err, ErrPersistence) {
			return err
		}
		return &PersistenceError{Op: "save", Err: err}
	}
	s.current.Store(next)
	return nil
}

// with returns a new state that includes key/unit. cur is left untouched.
func (cur *state) with(key string, unit []float32, policy DuplicatePolicy) *state {
	if policy == PolicyReplace {
		if pos, ok := cur.latest[key]; ok {
			vectors := slices.Clone(cur.vectors)
			vectors[pos] = unit
			return &state{keys: cur.keys, vectors: vectors, owners: cur.owners, latest: cur.latest}
		}
	}

	next := &state{owners: maps.Clone(cur.owners)}
	if next.owners == nil {
		next.owners = make(map[string]*roaring.Bitmap)
	}
	if policy == PolicyReplace {
		next.latest = maps.Clone(cur.latest)
		if next.latest == nil {
			next.latest = make(map[string]int)
		}
	}

	pos := len(cur.keys)
	next.keys = append(slices.Clip(cur.keys), key)
	next.vectors = append(slices.Clip(cur.vectors), unit)
	if owner, ok := ownerOf(key); ok {
		if bm := next.owners[owner]; bm != nil {
			next.owners[owner] = bm.Clone()
		}
	}
	next.index(key, pos)
	return next
}

// Search returns up to k entries matching filter, nearest first. The query is
// normalized the same way stored vectors are. Equal distances are ordered by
// insertion. A nil filter matches every key.
func (s *Store) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error) {
	if k < 1 {
		return nil, &InvalidVectorError{Reason: fmt.Sprintf("k must be at least 1, got %d", k)}
	}
	if len(query) != s.dimensions {
		return nil, dimensionMismatch(s.dimensions, len(query))
	}
	unit, ok := Normalize(query)
	if !ok {
		return nil, invalid("query has zero norm or a non-finite component")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.current.Load()
	top := newTopK(min(k, len(st.keys)))
	if top.k == 0 {
		return []Hit{}, nil
	}

	visit := func(pos int) {
		if filter != nil && !filter.Match(st.keys[pos]) {
			return
		}
		top.offer(candidate{pos: pos, dist: SquaredL2(unit, st.vectors[pos])})
	}

	// Owners containing the separator cannot be answered from postings, which
	// are keyed by the text before the first separator.
	if owner, ok := filter.(OwnerFilter); ok && owner != "" && !strings.Contains(string(owner), KeySeparator) {
		if bm := st.owners[string(owner)]; bm != nil {
			it := bm.Iterator()
			for it.HasNext() {
				visit(int(it.Next()))
			}
		}
	} else {
		for pos := range st.keys {
			visit(pos)
		}
	}

	ranked := top.sorted()
	hits := make([]Hit, len(ranked))
	for i, c := range ranked {
		hits[i] = Hit{Key: st.keys[c.pos], Distance: c.dist, Position: c.pos}
	}
	return hits, nil
}
