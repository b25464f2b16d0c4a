// Package memory keeps agent insights for the duration of one run, indexed
// by type and by flat metadata values.
package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

var ErrEntryNotFound = goerr.New("memory entry not found")

type metaKey struct {
	key   string
	value any
}

type idSet map[model.MemoryID]struct{}

// Store is an in-memory collection of entries. Every mutation updates the
// primary map and both indices under one lock.
type Store struct {
	mu      sync.RWMutex
	entries map[model.MemoryID]*model.MemoryEntry
	byType  map[string]idSet
	byMeta  map[metaKey]idSet
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides the creation timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[model.MemoryID]*model.MemoryEntry),
		byType:  make(map[string]idSet),
		byMeta:  make(map[metaKey]idSet),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores a copy of entry and returns it. ID, CreatedAt and Importance
// are filled when empty; unsupported metadata values are dropped.
func (s *Store) Add(entry model.MemoryEntry) *model.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = model.NewMemoryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Importance == 0 {
		entry.Importance = model.DefaultImportance
	}
	entry.Importance = clampImportance(entry.Importance)
	entry.Metadata = sanitizeMetadata(entry.Metadata)

	if old, ok := s.entries[entry.ID]; ok {
		s.unindex(old)
	}
	stored := &entry
	s.entries[entry.ID] = stored
	s.index(stored)

	return cloneEntry(stored)
}

func (s *Store) Get(id model.MemoryID) (*model.MemoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return cloneEntry(entry), true
}

// Remove deletes the entry and reports whether it existed
func (s *Store) Remove(id model.MemoryID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	s.unindex(entry)
	delete(s.entries, id)
	return true
}

// Update applies patch in place. Only the index keys that actually change
// are touched, so readers never observe the entry missing.
func (s *Store) Update(id model.MemoryID, patch model.MemoryPatch) (*model.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, goerr.Wrap(ErrEntryNotFound, "cannot update", goerr.V("id", id))
	}

	if patch.Type != nil && *patch.Type != entry.Type {
		removeID(s.byType, entry.Type, id)
		entry.Type = *patch.Type
		addID(s.byType, entry.Type, id)
	}

	if patch.Metadata != nil {
		next := sanitizeMetadata(patch.Metadata)
		for k, v := range entry.Metadata {
			if nv, ok := next[k]; !ok || nv != v {
				removeID(s.byMeta, metaKey{k, v}, id)
			}
		}
		for k, v := range next {
			if ov, ok := entry.Metadata[k]; !ok || ov != v {
				addID(s.byMeta, metaKey{k, v}, id)
			}
		}
		entry.Metadata = next
	}

	if patch.Content != nil {
		entry.Content = patch.Content
	}
	if patch.Importance != nil {
		entry.Importance = clampImportance(*patch.Importance)
	}

	return cloneEntry(entry), nil
}

// FindByType returns entries whose type equals typ exactly
func (s *Store) FindByType(typ string) []*model.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byType[typ])
}

// FindByMetadata returns entries whose metadata maps key to value
func (s *Store) FindByMetadata(key string, value any) []*model.MemoryEntry {
	v, ok := normalizeValue(value)
	if !ok {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byMeta[metaKey{key, v}])
}

// AllByImportance returns every entry, most important first. Ties are
// ordered by creation time.
func (s *Store) AllByImportance() []*model.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, cloneEntry(e))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Importance != result[j].Importance {
			return result[i].Importance > result[j].Importance
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[model.MemoryID]*model.MemoryEntry)
	s.byType = make(map[string]idSet)
	s.byMeta = make(map[metaKey]idSet)
}

func (s *Store) index(e *model.MemoryEntry) {
	addID(s.byType, e.Type, e.ID)
	for k, v := range e.Metadata {
		addID(s.byMeta, metaKey{k, v}, e.ID)
	}
}

func (s *Store) unindex(e *model.MemoryEntry) {
	removeID(s.byType, e.Type, e.ID)
	for k, v := range e.Metadata {
		removeID(s.byMeta, metaKey{k, v}, e.ID)
	}
}

func (s *Store) collect(ids idSet) []*model.MemoryEntry {
	result := make([]*model.MemoryEntry, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func addID[K comparable](idx map[K]idSet, key K, id model.MemoryID) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeID[K comparable](idx map[K]idSet, key K, id model.MemoryID) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// clampImportance bounds v to [0, 1]. NaN becomes the default.
func clampImportance(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return model.DefaultImportance
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// normalizeValue keeps strings, bools and numbers. Numbers are widened to
// float64 so that 3 and 3.0 index under the same key.
func normalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case string, bool:
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return nil, false
	}
}

func sanitizeMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if nv, ok := normalizeValue(v); ok {
			out[k] = nv
		}
	}
	return out
}

func cloneEntry(e *model.MemoryEntry) *model.MemoryEntry {
	cp := *e
	cp.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
