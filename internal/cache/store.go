package cache

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Store gives typed access to the generations of a Backend
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Generation is a handle on one named cache namespace
type Generation struct {
	name    string
	backend Backend
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid generation name %q", name)
	}
	return nil
}

// Open returns a handle on the generation, creating it if absent
func (s *Store) Open(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.backend.CreateGeneration(name); err != nil {
		return nil, fmt.Errorf("failed to create generation %s: %w", name, err)
	}
	return &Generation{name: name, backend: s.backend}, nil
}

// Generation returns a handle without creating anything; reads on a missing
// generation miss and the first Put creates it.
func (s *Store) Generation(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Generation{name: name, backend: s.backend}, nil
}

// DeleteGeneration removes the generation and its entries, no-op when absent
func (s *Store) DeleteGeneration(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := s.backend.DeleteGeneration(name); err != nil {
		return fmt.Errorf("failed to delete generation %s: %w", name, err)
	}
	logrus.Debugf("Deleted generation %s", name)
	return nil
}

// GenerationNames lists existing generations, sorted
func (s *Store) GenerationNames() ([]string, error) {
	names, err := s.backend.Generations()
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Match looks the key up in the preferred generations first, then in every
// other generation. It returns the entry and the generation it came from, or
// nil when no generation holds the key.
func (s *Store) Match(key string, prefer ...string) (*Entry, string, error) {
	seen := make(map[string]bool, len(prefer))
	order := make([]string, 0, len(prefer))
	for _, name := range prefer {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}

	names, err := s.GenerationNames()
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}

	for _, name := range order {
		gen := &Generation{name: name, backend: s.backend}
		entry, err := gen.Get(key)
		if err != nil {
			logrus.Warnf("Skipping generation %s during lookup: %v", name, err)
			continue
		}
		if entry != nil {
			return entry, name, nil
		}
	}
	return nil, "", nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (g *Generation) Name() string {
	return g.name
}

// Get returns nil, nil on a miss
func (g *Generation) Get(key string) (*Entry, error) {
	data, err := g.backend.Get(g.name, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	entry, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize entry %s: %w", key, err)
	}
	return entry, nil
}

// Put overwrites any existing entry for key. Only GET keys are accepted.
func (g *Generation) Put(key string, entry *Entry) error {
	if method, _ := splitKey(key); method != http.MethodGet {
		return fmt.Errorf("refusing to cache non-GET key %q", key)
	}

	data, err := Serialize(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	if err := g.backend.Set(g.name, key, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	logrus.Debugf("Cached %s in %s", key, g.name)
	return nil
}

func (g *Generation) Delete(key string) error {
	if err := g.backend.Delete(g.name, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (g *Generation) Keys() ([]string, error) {
	keys, err := g.backend.Keys(g.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", g.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}
