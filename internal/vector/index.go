// Package vector provides the owner-partitioned embedding store and exact
// nearest-neighbor search.
package vector

import "fmt"

// DefaultDimension is the embedding width produced by text-embedding-3-small.
const DefaultDimension = 1536

// DuplicatePolicy selects what Add does when the key is already stored.
type DuplicatePolicy string

const (
	// PolicyAppend stores every Add as a new entry, duplicates included.
	PolicyAppend DuplicatePolicy = "append"
	// PolicyReplace overwrites the vector of the most recent entry with the same
	// key in place, keeping its original position.
	PolicyReplace DuplicatePolicy = "replace"
)

// ParseDuplicatePolicy parses a configured policy name.
// Supported: "append" (default), "replace".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case PolicyAppend, "":
		return PolicyAppend, nil
	case PolicyReplace:
		return PolicyReplace, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy: %s (supported: append, replace)", s)
	}
}

// Options configures a Store.
type Options struct {
	Dimension       int
	DuplicatePolicy DuplicatePolicy
}

// Snapshot is the full persisted state: the key list and the row-aligned
// normalized vectors. Keys[i] belongs to Vectors[i].
type Snapshot struct {
	Dimension int
	Keys      []string
	Vectors   [][]float32
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.Keys) }

// Persister stores and restores snapshots. Save must not retain or mutate the
// snapshot's slices after it returns.
type Persister interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
}

// Hit is a single search result.
type Hit struct {
	Key      string
	Distance float64 // squared L2 between unit vectors, in [0, 4]
	Position int     // insertion ordinal
}

// Similarity returns the cosine similarity implied by Distance.
func (h Hit) Similarity() float64 {
	return 1 - h.Distance/2
}
