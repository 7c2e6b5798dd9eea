// Package persist stores vector index snapshots as numbered generations in a
// directory, committed atomically through a CURRENT manifest.
//
// Layout:
//
//	LOCK                    held by the process that has the directory open
//	CURRENT                 JSON manifest naming the committed generation
//	vectors-<gen>.bin       header, little-endian float32 rows, CRC32
//	keys-<gen>.json.zst     zstd-compressed JSON key list
//
// A generation becomes visible only when CURRENT is renamed over. A crash at any
// earlier point leaves the previous generation as the loadable state. A new
// directory starts with an empty generation 0 manifest, so a missing CURRENT
// next to generation files is corruption rather than a cold start.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/fs"
	"github.com/hyperjump/revisit/internal/vector"
)

const (
	CurrentFileName = "CURRENT"
	LockFileName    = "LOCK"
	ManifestVersion = 1

	tmpSuffix = ".tmp"
)

var _ vector.Persister = (*Manager)(nil)

var (
	// ErrLocked is returned by New when another Manager holds the directory.
	ErrLocked = errors.New("index directory is in use by another process")

	errClosed = errors.New("index manager is closed")
)

// Manifest describes one committed generation.
type Manifest struct {
	Version     int       `json:"version"`
	Generation  uint64    `json:"generation"`
	Dimension   int       `json:"dimension"`
	Count       int       `json:"count"`
	VectorsFile string    `json:"vectors_file"`
	KeysFile    string    `json:"keys_file"`
	CreatedAt   time.Time `json:"created_at"`
}

// Manager reads and writes snapshot generations in a single directory.
type Manager struct {
	dir    string
	fs     fs.FileSystem
	now    func() time.Time
	logger *zap.Logger
	codec  *codec
	lock   *flock.Flock

	mu     sync.Mutex
	gen    uint64 // highest generation seen on disk or written
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithFileSystem sets the file system used for every file access.
func WithFileSystem(f fs.FileSystem) Option {
	return func(m *Manager) { m.fs = f }
}

// WithClock sets the time source for manifests and backup names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates the index directory if needed, takes its LOCK file and scans it
// for existing generations so new files never reuse a name already on disk.
// A directory without CURRENT or generation files gets an empty generation 0
// manifest. New fails with ErrLocked while another Manager has dir open.
func New(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{dir: dir, fs: fs.Default, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	m.lock = flock.New(filepath.Join(dir, LockFileName))
	locked, err := m.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock index dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	c, err := newCodec()
	if err != nil {
		_ = m.lock.Unlock()
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	m.codec = c

	if err := m.scan(); err != nil {
		m.release()
		return nil, err
	}
	return m, nil
}

func (m *Manager) scan() error {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read index dir: %w", err)
	}
	hasCurrent, hasGen := false, false
	for _, e := range entries {
		if e.Name() == CurrentFileName {
			hasCurrent = true
		}
		if g, ok := parseGeneration(e.Name()); ok {
			hasGen = true
			if g > m.gen {
				m.gen = g
			}
		}
	}
	if man, ok, err := m.readManifest(); err == nil && ok && man.Generation > m.gen {
		m.gen = man.Generation
	}
	if hasCurrent || hasGen {
		return nil
	}
	if err := m.commitEmpty(); err != nil {
		return err
	}
	m.logger.Debug("initialized empty index", zap.String("dir", m.dir))
	return nil
}

// commitEmpty installs a generation 0 manifest that names no files.
func (m *Manager) commitEmpty() error {
	data, err := json.MarshalIndent(Manifest{
		Version:   ManifestVersion,
		CreatedAt: m.now().UTC(),
	}, "", "  ")
	if err != nil {
		return &vector.PersistenceError{Op: "encode", Err: err}
	}
	if err := m.writeAtomic(CurrentFileName, data); err != nil {
		return err
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		return &vector.PersistenceError{Op: "sync", Path: m.dir, Err: err}
	}
	return nil
}

// Dir returns the index directory.
func (m *Manager) Dir() string { return m.dir }

// Close releases the compression codec and the directory lock. It is safe to
// call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.release()
}

func (m *Manager) release() error {
	m.closed = true
	m.codec.close()
	return m.lock.Unlock()
}

// Load returns the committed snapshot. Generation 0 is an empty snapshot.
// Any inconsistency in committed state, including a missing CURRENT next to
// generation files, is a vector.CorruptStateError. Temp files are ignored.
func (m *Manager) Load() (*vector.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	_, snap, err := m.load()
	return snap, err
}

// Verify fully loads and checks the committed generation and returns its
// manifest. Generation 0 means the index was never saved.
func (m *Manager) Verify() (Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Manifest{}, errClosed
	}
	man, _, err := m.load()
	if err != nil || man == nil {
		return Manifest{}, err
	}
	return *man, nil
}

// Manifest returns the committed manifest without reading the artifacts.
func (m *Manager) Manifest() (Manifest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	man, ok, err := m.readManifest()
	if err != nil || !ok {
		return Manifest{}, ok, err
	}
	return *man, true, nil
}

func (m *Manager) load() (*Manifest, *vector.Snapshot, error) {
	man, ok, err := m.readManifest()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if err := m.checkOrphans(); err != nil {
			return nil, nil, err
		}
		return nil, &vector.Snapshot{}, nil
	}
	if man.Generation == 0 {
		return man, &vector.Snapshot{Dimension: man.Dimension}, nil
	}

	vecPath := filepath.Join(m.dir, man.VectorsFile)
	buf, err := m.fs.ReadFile(vecPath)
	if err != nil {
		return nil, nil, &vector.CorruptStateError{Path: vecPath, Reason: "vectors file unreadable", Err: err}
	}
	dim, rows, err := decodeVectors(buf)
	if err != nil {
		return nil, nil, &vector.CorruptStateError{Path: vecPath, Reason: "vectors file invalid", Err: err}
	}

	keysPath := filepath.Join(m.dir, man.KeysFile)
	buf, err = m.fs.ReadFile(keysPath)
	if err != nil {
		return nil, nil, &vector.CorruptStateError{Path: keysPath, Reason: "keys file unreadable", Err: err}
	}
	keys, err := m.codec.decodeKeys(buf)
	if err != nil {
		return nil, nil, &vector.CorruptStateError{Path: keysPath, Reason: "keys file invalid", Err: err}
	}

	switch {
	case len(rows) != man.Count:
		return nil, nil, &vector.CorruptStateError{Path: vecPath, Reason: fmt.Sprintf("manifest count %d, vectors file has %d", man.Count, len(rows))}
	case len(keys) != man.Count:
		return nil, nil, &vector.CorruptStateError{Path: keysPath, Reason: fmt.Sprintf("manifest count %d, keys file has %d", man.Count, len(keys))}
	case len(rows) > 0 && dim != man.Dimension:
		return nil, nil, &vector.CorruptStateError{Path: vecPath, Reason: fmt.Sprintf("manifest dimension %d, vectors file has %d", man.Dimension, dim)}
	}
	if man.Generation > m.gen {
		m.gen = man.Generation
	}
	return man, &vector.Snapshot{Dimension: man.Dimension, Keys: keys, Vectors: rows}, nil
}

// checkOrphans reports generation files in a directory that has no CURRENT.
// Loading that as empty would let the next save's cleanup delete them.
func (m *Manager) checkOrphans() error {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return &vector.CorruptStateError{Path: m.dir, Reason: "index dir unreadable", Err: err}
	}
	for _, e := range entries {
		if _, ok := parseGeneration(e.Name()); ok {
			return &vector.CorruptStateError{
				Path:   filepath.Join(m.dir, CurrentFileName),
				Reason: fmt.Sprintf("manifest is missing but %s is present", e.Name()),
			}
		}
	}
	return nil
}

func (m *Manager) readManifest() (*Manifest, bool, error) {
	path := filepath.Join(m.dir, CurrentFileName)
	data, err := m.fs.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &vector.CorruptStateError{Path: path, Reason: "manifest unreadable", Err: err}
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, false, &vector.CorruptStateError{Path: path, Reason: "manifest is not valid JSON", Err: err}
	}
	if man.Version != ManifestVersion {
		return nil, false, &vector.CorruptStateError{Path: path, Reason: fmt.Sprintf("unsupported manifest version %d", man.Version)}
	}
	if man.Generation == 0 {
		if man.Count != 0 || man.VectorsFile != "" || man.KeysFile != "" {
			return nil, false, &vector.CorruptStateError{Path: path, Reason: "generation 0 manifest names data"}
		}
	} else if !localName(man.VectorsFile) || !localName(man.KeysFile) {
		return nil, false, &vector.CorruptStateError{Path: path, Reason: "manifest names a file outside the index directory"}
	}
	if man.Count < 0 || man.Dimension < 0 {
		return nil, false, &vector.CorruptStateError{Path: path, Reason: "manifest has negative count or dimension"}
	}
	return &man, true, nil
}

// Save writes snap as the next generation and commits it by replacing CURRENT.
// Errors before the commit leave the previous generation in place and are
// returned as vector.PersistenceError.
func (m *Manager) Save(snap *vector.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &vector.PersistenceError{Op: "save", Path: m.dir, Err: errClosed}
	}
	if len(snap.Keys) != len(snap.Vectors) {
		return &vector.PersistenceError{Op: "encode", Err: fmt.Errorf("%d keys for %d vectors", len(snap.Keys), len(snap.Vectors))}
	}
	gen := m.gen + 1
	man := Manifest{
		Version:     ManifestVersion,
		Generation:  gen,
		Dimension:   snap.Dimension,
		Count:       len(snap.Keys),
		VectorsFile: vectorsName(gen),
		KeysFile:    keysName(gen),
		CreatedAt:   m.now().UTC(),
	}

	vecData, err := encodeVectors(snap.Dimension, snap.Vectors)
	if err != nil {
		return &vector.PersistenceError{Op: "encode", Err: err}
	}
	keyData, err := m.codec.encodeKeys(snap.Keys)
	if err != nil {
		return &vector.PersistenceError{Op: "encode", Err: err}
	}
	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return &vector.PersistenceError{Op: "encode", Err: err}
	}

	// The generation number is consumed even if the write fails so a retry
	// never collides with a half-written file.
	m.gen = gen

	if err := m.writeAtomic(man.VectorsFile, vecData); err != nil {
		return err
	}
	if err := m.writeAtomic(man.KeysFile, keyData); err != nil {
		return err
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		return &vector.PersistenceError{Op: "sync", Path: m.dir, Err: err}
	}
	if err := m.writeAtomic(CurrentFileName, manData); err != nil {
		return err
	}

	// Committed. Anything below only affects durability of the rename and disk
	// usage, not which generation loads.
	if err := m.fs.SyncDir(m.dir); err != nil {
		m.logger.Warn("sync index dir after commit", zap.String("dir", m.dir), zap.Error(err))
	}
	m.cleanup(gen)
	m.logger.Debug("index snapshot committed",
		zap.Uint64("generation", gen),
		zap.Int("count", man.Count),
		zap.Int("vectors_bytes", len(vecData)),
		zap.Int("keys_bytes", len(keyData)))
	return nil
}

// writeAtomic writes data to name in the index directory via a temp file that
// is synced and renamed.
func (m *Manager) writeAtomic(name string, data []byte) error {
	return m.writeFileAtomic(filepath.Join(m.dir, name), data)
}

func (m *Manager) writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix

	f, err := m.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &vector.PersistenceError{Op: "create", Path: tmp, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = m.fs.Remove(tmp)
		return &vector.PersistenceError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = m.fs.Remove(tmp)
		return &vector.PersistenceError{Op: "sync", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = m.fs.Remove(tmp)
		return &vector.PersistenceError{Op: "close", Path: tmp, Err: err}
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		_ = m.fs.Remove(tmp)
		return &vector.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// cleanup removes artifacts of other generations and stray temp files.
func (m *Manager) cleanup(keep uint64) {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("list index dir for cleanup", zap.Error(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		g, isGen := parseGeneration(name)
		if !strings.HasSuffix(name, tmpSuffix) && (!isGen || g == keep) {
			continue
		}
		if err := m.fs.Remove(filepath.Join(m.dir, name)); err != nil {
			m.logger.Debug("remove stale index file", zap.String("file", name), zap.Error(err))
		}
	}
}

// Reset moves every index file into a timestamped directory under backupDir
// and returns its path. The directory is left holding an empty generation 0
// manifest.
func (m *Manager) Reset(backupDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", &vector.PersistenceError{Op: "reset", Path: m.dir, Err: errClosed}
	}
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return "", &vector.PersistenceError{Op: "reset", Path: m.dir, Err: err}
	}
	dest := filepath.Join(backupDir, "index-"+m.now().UTC().Format("20060102T150405.000Z"))
	if err := m.fs.MkdirAll(dest, 0o755); err != nil {
		return "", &vector.PersistenceError{Op: "reset", Path: dest, Err: err}
	}

	// The old manifest is copied out and the empty one committed before any
	// generation file moves. A failed move then leaves a loadable empty index
	// with orphans rather than a CURRENT that points at missing files.
	moved := 0
	curPath := filepath.Join(m.dir, CurrentFileName)
	if data, err := m.fs.ReadFile(curPath); err == nil {
		if err := m.writeFileAtomic(filepath.Join(dest, CurrentFileName), data); err != nil {
			return dest, err
		}
		moved++
	} else if !errors.Is(err, os.ErrNotExist) {
		return dest, &vector.PersistenceError{Op: "reset", Path: curPath, Err: err}
	}
	if err := m.commitEmpty(); err != nil {
		return dest, err
	}

	for _, e := range entries {
		name := e.Name()
		if _, ok := parseGeneration(name); !ok && !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		if err := m.fs.Rename(filepath.Join(m.dir, name), filepath.Join(dest, name)); err != nil {
			return dest, &vector.PersistenceError{Op: "reset", Path: name, Err: err}
		}
		moved++
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		m.logger.Warn("sync index dir after reset", zap.Error(err))
	}
	m.logger.Info("index reset", zap.String("backup", dest), zap.Int("files", moved))
	return dest, nil
}

func vectorsName(gen uint64) string { return fmt.Sprintf("vectors-%06d.bin", gen) }
func keysName(gen uint64) string    { return fmt.Sprintf("keys-%06d.json.zst", gen) }

func parseGeneration(name string) (uint64, bool) {
	for _, f := range [...]struct{ prefix, suffix string }{
		{"vectors-", ".bin"},
		{"keys-", ".json.zst"},
	} {
		if !strings.HasPrefix(name, f.prefix) || !strings.HasSuffix(name, f.suffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, f.prefix), f.suffix)
		g, err := strconv.ParseUint(mid, 10, 64)
		if err != nil {
			return 0, false
		}
		return g, true
	}
	return 0, false
}

func localName(name string) bool {
	return name != "" && name == filepath.Base(name) && name != "." && name != ".."
}
