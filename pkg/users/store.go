// Package users is the authoritative store of principals. One TOML record per
// principal under the users directory; an in-memory map serves reads without
// touching disk.
package users

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"chatgate/pkg/clock"
)

type Record struct {
	Name       string    `toml:"name"`
	Credential string    `toml:"credential"`
	Tier       string    `toml:"tier"`
	Active     bool      `toml:"active"`
	CreatedAt  time.Time `toml:"created_at"`
	UpdatedAt  time.Time `toml:"updated_at"`
}

// VerifyResult classifies a credential check. Verify fails closed: anything
// unexpected maps to BadCredential.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Unknown
	Disabled
	BadCredential
)

type Seed struct {
	Name       string
	Credential string
	Tier       string
}

type Store struct {
	dir    string
	mu     sync.RWMutex
	byName map[string]Record
	logf   func(format string, args ...any)
}

// Open scans dir for user records. If none are readable, the seed list is
// hashed and persisted. Malformed files are logged and skipped; Open fails
// only when the directory itself is unusable.
func Open(dir string, seeds []Seed, logf func(format string, args ...any)) (*Store, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("users dir: %w", err)
	}
	s := &Store{dir: dir, byName: map[string]Record{}, logf: logf}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan users dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rec, err := readRecord(path)
		if err != nil {
			s.logf("skipping malformed user file %s: %v", path, err)
			continue
		}
		s.byName[rec.Name] = rec
	}
	if len(s.byName) > 0 {
		return s, nil
	}

	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			continue
		}
		digest, err := HashCredential(seed.Credential)
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", name, err)
		}
		now := clock.Now()
		rec := Record{
			Name:       name,
			Credential: digest,
			Tier:       normalizeTier(seed.Tier),
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.Upsert(rec); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *Store) Lookup(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[name]
	return rec, ok
}

func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.byName))
	for _, rec := range s.byName {
		out = append(out, rec)
	}
	return out
}

func (s *Store) Verify(name, credential string) VerifyResult {
	rec, ok := s.Lookup(name)
	if !ok {
		return Unknown
	}
	if !rec.Active {
		return Disabled
	}
	ok, err := VerifyCredential(rec.Credential, credential)
	if err != nil {
		s.logf("credential digest for %s unreadable: %v", name, err)
		return BadCredential
	}
	if !ok {
		return BadCredential
	}
	return Valid
}

// Upsert persists the record, then publishes it to the in-memory map. The
// file write happens outside the lock.
func (s *Store) Upsert(rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("user name required")
	}
	rec.Tier = normalizeTier(rec.Tier)
	rec.UpdatedAt = clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := s.writeRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.byName[rec.Name] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) SetActive(name string, active bool) (Record, error) {
	s.mu.RLock()
	rec, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("user %s not found", name)
	}
	rec.Active = active
	if err := s.Upsert(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".toml")
}

// writeRecord is atomic: temp file, fsync, rename.
func (s *Store) writeRecord(rec Record) error {
	buf, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", rec.Name, err)
	}
	path := s.path(rec.Name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readRecord(path string) (Record, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := toml.Unmarshal(buf, &rec); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(rec.Name) == "" {
		return Record{}, errors.New("record missing name")
	}
	return rec, nil
}

func normalizeTier(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "pro":
		return "pro"
	case "premium":
		return "premium"
	default:
		return "basic"
	}
}
