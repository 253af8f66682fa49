package snapshots

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"merkledrop/core/cumulative"
	"merkledrop/core/epoch"
	"merkledrop/storage"
)

var latestKey = []byte("snapshot/latest")

// ErrVersionNotFound is returned when a requested version was never written.
var ErrVersionNotFound = errors.New("snapshots: version not found")

// Snapshot is one persisted version of the cumulative index.
type Snapshot struct {
	Version   uint64           `json:"version"`
	Epoch     epoch.Key        `json:"epoch"`
	CreatedAt time.Time        `json:"createdAt"`
	Index     cumulative.Index `json:"index"`
}

// Store keeps every cumulative index version in a key-value backend. Versions
// are append-only; the latest pointer is moved after the version is written.
type Store struct {
	db  storage.Database
	now func() time.Time
	mu  sync.Mutex
}

// Option mutates store configuration.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps db.
func New(db storage.Database, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Latest returns the newest snapshot, or an empty version-0 snapshot when none
// has been written.
func (s *Store) Latest() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest()
}

func (s *Store) latest() (Snapshot, error) {
	raw, err := s.db.Get(latestKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{Index: cumulative.Index{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read latest pointer: %w", err)
	}
	version, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse latest pointer %q: %w", raw, err)
	}
	return s.get(version)
}

// Get returns the snapshot with the given version.
func (s *Store) Get(version uint64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(version)
}

func (s *Store) get(version uint64) (Snapshot, error) {
	raw, err := s.db.Get(versionKey(version))
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %d: %w", version, err)
	}
	if snap.Index == nil {
		snap.Index = cumulative.Index{}
	}
	return snap, nil
}

// Put records idx as a new version produced by combining key. When idx is
// identical to the latest version no new version is written and the latest
// snapshot is returned with created=false.
func (s *Store) Put(key epoch.Key, idx cumulative.Index) (snap Snapshot, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latest()
	if err != nil {
		return Snapshot{}, false, err
	}
	if latest.Version > 0 {
		same, err := sameIndex(latest.Index, idx)
		if err != nil {
			return Snapshot{}, false, err
		}
		if same {
			return latest, false, nil
		}
	}

	snap = Snapshot{
		Version:   latest.Version + 1,
		Epoch:     key,
		CreatedAt: s.now(),
		Index:     idx,
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := s.db.Put(versionKey(snap.Version), encoded); err != nil {
		return Snapshot{}, false, fmt.Errorf("write snapshot %d: %w", snap.Version, err)
	}
	if err := s.db.Put(latestKey, []byte(strconv.FormatUint(snap.Version, 10))); err != nil {
		return Snapshot{}, false, fmt.Errorf("move latest pointer: %w", err)
	}
	return snap, true, nil
}

func sameIndex(a, b cumulative.Index) (bool, error) {
	left, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(left, right), nil
}

func versionKey(version uint64) []byte {
	return []byte(fmt.Sprintf("snapshot/v/%020d", version))
}
