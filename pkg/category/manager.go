// Package category tracks the set of known main/sub-category pairs so
// the categorize phase executor can show the model an up-to-date listing
// of existing categories instead of inventing overlapping ones on every
// run. It is a thin in-memory cache in front of pkg/store, the same
// lazy-refresh-under-lock shape as tarsy's pkg/runbook.Cache.
package category

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kbagent/core/pkg/store"
)

// Manager is the "external Category Manager collaborator" spec.md §6.4
// describes: a read model of existing categories, plus an idempotent way
// to register a newly-assigned one.
type Manager interface {
	// GetCategories returns every known main_category mapped to its
	// known sub_categories, each list sorted for deterministic prompt
	// rendering.
	GetCategories(ctx context.Context) (map[string][]string, error)
	// EnsureCategory idempotently records that (main, sub) exists.
	EnsureCategory(ctx context.Context, main, sub string) error
}

// StoreBacked is the default Manager: an in-memory map seeded from the
// store's item rows and kept current as categorize assigns new
// categories, guarded by a single mutex (no TTL — categories only grow).
type StoreBacked struct {
	st store.Store

	mu     sync.RWMutex
	loaded bool
	byMain map[string]map[string]struct{}
}

// NewStoreBacked constructs a Manager backed by st. The first call to
// GetCategories or EnsureCategory lazily seeds the cache from st.ListAll.
func NewStoreBacked(st store.Store) *StoreBacked {
	return &StoreBacked{st: st, byMain: make(map[string]map[string]struct{})}
}

func (m *StoreBacked) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	items, err := m.st.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("category: seeding from store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		// Another goroutine seeded it while we were reading from the store.
		return nil
	}
	for _, it := range items {
		if it.MainCategory == nil || it.SubCategory == nil || *it.MainCategory == "" || *it.SubCategory == "" {
			continue
		}
		m.record(*it.MainCategory, *it.SubCategory)
	}
	m.loaded = true
	return nil
}

// record inserts (main, sub) into the map. Caller must hold m.mu for writing.
func (m *StoreBacked) record(main, sub string) {
	subs, ok := m.byMain[main]
	if !ok {
		subs = make(map[string]struct{})
		m.byMain[main] = subs
	}
	subs[sub] = struct{}{}
}

func (m *StoreBacked) GetCategories(ctx context.Context) (map[string][]string, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]string, len(m.byMain))
	for main, subs := range m.byMain {
		list := make([]string, 0, len(subs))
		for sub := range subs {
			list = append(list, sub)
		}
		sort.Strings(list)
		out[main] = list
	}
	return out, nil
}

func (m *StoreBacked) EnsureCategory(ctx context.Context, main, sub string) error {
	if main == "" || sub == "" {
		return fmt.Errorf("category: main and sub must both be non-empty")
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(main, sub)
	return nil
}

var _ Manager = (*StoreBacked)(nil)
