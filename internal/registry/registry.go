package registry

import (
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"flareguard/pkg/logx"
)

type Config struct {
	// Path holds the encrypted subscriber set.
	Path string
	// CursorPath holds the encrypted discovery cursor.
	CursorPath string
	// Key is the hex-encoded 256-bit encryption key.
	Key string
}

type Store struct {
	path       string
	cursorPath string
	aead       cipher.AEAD
	log        logx.Logger

	// The flock serializes other processes; the mutexes serialize
	// goroutines within this one.
	mu         sync.Mutex
	lock       *flock.Flock
	cursorMu   sync.Mutex
	cursorLock *flock.Flock
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	aead, err := newAEAD(cfg.Key)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "./sysdata.bin"
	}
	if cfg.CursorPath == "" {
		cfg.CursorPath = "./last_update.bin"
	}
	for _, p := range []string{cfg.Path, cfg.CursorPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("registry: create dir: %w", err)
		}
	}
	return &Store{
		path:       cfg.Path,
		cursorPath: cfg.CursorPath,
		aead:       aead,
		lock:       flock.New(cfg.Path + ".lock"),
		cursorLock: flock.New(cfg.CursorPath + ".lock"),
		log:        log,
	}, nil
}

// Load returns the deduplicated subscriber set. A missing file is an
// empty set, not an error; a wrong key surfaces as ErrDecrypt.
func (s *Store) Load() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.loadLocked()
}

// Save replaces the persisted set with ids (deduplicated, sorted).
func (s *Store) Save(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.saveLocked(ids)
}

// Add merges ids into the persisted set under a single lock hold and
// returns the identifiers that were actually new. Duplicate discovery is
// idempotent.
func (s *Store) Add(ids ...int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	cur, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	have := make(map[int64]bool, len(cur))
	for _, id := range cur {
		have[id] = true
	}

	var added []int64
	for _, id := range ids {
		if id <= 0 || have[id] {
			continue
		}
		have[id] = true
		cur = append(cur, id)
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := s.saveLocked(cur); err != nil {
		return nil, err
	}
	return added, nil
}

// Remove prunes ids from the persisted set in one batched write.
func (s *Store) Remove(ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := cur[:0]
	for _, id := range cur {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(cur) {
		return nil
	}
	return s.saveLocked(kept)
}

func (s *Store) loadLocked() ([]int64, error) {
	blob, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	pt, err := open(s.aead, blob)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(pt, &ids); err != nil {
		return nil, fmt.Errorf("registry: parse subscriber set: %w", err)
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("registry: invalid subscriber id %d", id)
		}
	}
	return normalize(ids), nil
}

func (s *Store) saveLocked(ids []int64) error {
	pt, err := json.Marshal(normalize(ids))
	if err != nil {
		return fmt.Errorf("registry: encode subscriber set: %w", err)
	}
	blob, err := seal(s.aead, pt)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, blob)
}

// writeAtomic writes a fresh owner-only blob and renames it over the
// target, so the file on disk is always a complete ciphertext.
func writeAtomic(path string, blob []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: replace: %w", err)
	}
	return nil
}

func normalize(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
