// Package files lays out distribution artefacts on disk:
//
//	<root>/claims/<epoch>/<class>.json        distribution inputs
//	<root>/distributors/<epoch>/<class>.json  published distributors
//	<root>/cumulative/latest.json             cumulative claims index
//
// Writes go through a temporary file and a rename so readers never observe a
// partially written document.
package files

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"merkledrop/core/claims"
	"merkledrop/core/cumulative"
	"merkledrop/core/epoch"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("files: not found")

// ErrImmutable is returned when a distributor already exists for the epoch and
// class with a different root.
var ErrImmutable = errors.New("files: distributor already published with a different root")

// Store reads and writes documents beneath a data directory.
type Store struct {
	root string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// InputPath returns the location of the distribution input.
func (s *Store) InputPath(key epoch.Key, class claims.TokenClass) string {
	return filepath.Join(s.root, "claims", string(key), string(class)+".json")
}

// DistributorPath returns the location of the distributor document.
func (s *Store) DistributorPath(key epoch.Key, class claims.TokenClass) string {
	return filepath.Join(s.root, "distributors", string(key), string(class)+".json")
}

// CumulativePath returns the location of the cumulative index.
func (s *Store) CumulativePath() string {
	return filepath.Join(s.root, "cumulative", "latest.json")
}

// ReadInput loads the distribution input for key and class.
func (s *Store) ReadInput(key epoch.Key, class claims.TokenClass) (*claims.DistributionInput, error) {
	path := s.InputPath(key, class)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return claims.ReadInput(f, path)
}

// WriteInput stores a distribution input.
func (s *Store) WriteInput(key epoch.Key, class claims.TokenClass, input *claims.DistributionInput) error {
	data, err := claims.EncodeInput(input)
	if err != nil {
		return err
	}
	return writeAtomic(s.InputPath(key, class), data)
}

// Classes lists the token classes with an input file for key.
func (s *Store) Classes(key epoch.Key) ([]claims.TokenClass, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "claims", string(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []claims.TokenClass
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, claims.TokenClass(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ReadDistributor loads a distributor. The class is taken from the path.
func (s *Store) ReadDistributor(key epoch.Key, class claims.TokenClass) (*claims.Distributor, error) {
	path := s.DistributorPath(key, class)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	d, err := claims.DecodeDistributor(data, class)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// CheckDistributor reports ErrImmutable when a distributor with a different
// root is already stored for the epoch and class.
func (s *Store) CheckDistributor(key epoch.Key, d *claims.Distributor) error {
	existing, err := s.ReadDistributor(key, d.Class)
	switch {
	case err == nil:
		if existing.Root != d.Root {
			return fmt.Errorf("%w: %s/%s has %s, refusing %s", ErrImmutable, key, d.Class, existing.Root.Hex(), d.Root.Hex())
		}
		return nil
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// WriteDistributor stores d and returns the bytes written. Rewriting an
// identical root is allowed; a different root yields ErrImmutable.
func (s *Store) WriteDistributor(key epoch.Key, d *claims.Distributor) ([]byte, error) {
	data, err := claims.EncodeDistributor(d)
	if err != nil {
		return nil, err
	}
	if err := s.CheckDistributor(key, d); err != nil {
		return nil, err
	}
	current, readErr := os.ReadFile(s.DistributorPath(key, d.Class))
	if readErr == nil && bytes.Equal(current, data) {
		return data, nil
	}
	if err := writeAtomic(s.DistributorPath(key, d.Class), data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadCumulative loads the cumulative index. A missing file yields an empty
// index.
func (s *Store) ReadCumulative() (cumulative.Index, error) {
	data, err := os.ReadFile(s.CumulativePath())
	if errors.Is(err, os.ErrNotExist) {
		return cumulative.Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cumulative.Decode(data)
}

// WriteCumulative replaces the cumulative index and returns the bytes written.
func (s *Store) WriteCumulative(idx cumulative.Index) ([]byte, error) {
	data, err := cumulative.Encode(idx)
	if err != nil {
		return nil, err
	}
	return data, writeAtomic(s.CumulativePath(), data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
