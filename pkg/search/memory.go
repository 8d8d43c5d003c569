package search

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Gateway. Writes are buffered and become visible
// to Search on Refresh, mirroring the near-real-time behavior of a real
// index so join cleanup code cannot silently rely on immediate visibility.
type Memory struct {
	mu        sync.RWMutex
	live      map[string]EntryDoc
	pending   map[string]*EntryDoc // nil marks a pending delete
	materials map[string]int
}

// NewMemory returns an empty in-process search gateway.
func NewMemory() *Memory {
	return &Memory{
		live:      make(map[string]EntryDoc),
		pending:   make(map[string]*EntryDoc),
		materials: make(map[string]int),
	}
}

var _ Gateway = (*Memory)(nil)

// Index implements Gateway.
func (m *Memory) Index(ctx context.Context, docs []EntryDoc, updateMaterials bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		d := doc
		m.pending[doc.EntryID] = &d
		if updateMaterials && doc.MaterialID != "" {
			m.materials[doc.MaterialID]++
		}
	}
	return nil
}

// Update implements Gateway. Unknown documents are ignored.
func (m *Memory) Update(ctx context.Context, docs []EntryDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		if _, ok := m.live[doc.EntryID]; !ok {
			if p := m.pending[doc.EntryID]; p == nil {
				continue
			}
		}
		d := doc
		m.pending[doc.EntryID] = &d
	}
	return nil
}

// DeleteUpload implements Gateway.
func (m *Memory) DeleteUpload(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.live {
		if doc.UploadID == uploadID {
			m.pending[id] = nil
		}
	}
	for id, doc := range m.pending {
		if doc != nil && doc.UploadID == uploadID {
			m.pending[id] = nil
		}
	}
	return nil
}

// DeleteEntries implements Gateway.
func (m *Memory) DeleteEntries(ctx context.Context, entryIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range entryIDs {
		m.pending[id] = nil
	}
	return nil
}

// Refresh implements Gateway.
func (m *Memory) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.pending {
		if doc == nil {
			delete(m.live, id)
		} else {
			m.live[id] = *doc
		}
	}
	m.pending = make(map[string]*EntryDoc)
	return nil
}

// Search implements Gateway. Results are ordered by entry id.
func (m *Memory) Search(ctx context.Context, q Query) ([]EntryDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []EntryDoc
	for _, doc := range m.live {
		if q.UploadID != "" && doc.UploadID != q.UploadID {
			continue
		}
		if q.EntryID != "" && doc.EntryID != q.EntryID {
			continue
		}
		if q.MainAuthor != "" && doc.MainAuthor != q.MainAuthor {
			continue
		}
		if q.Published != nil && doc.Published != *q.Published {
			continue
		}
		if q.MaterialID != "" && doc.MaterialID != q.MaterialID {
			continue
		}
		results = append(results, doc)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].EntryID < results[j].EntryID })
	return results, nil
}

// MaterialCount returns how many documents were indexed for a material.
func (m *Memory) MaterialCount(materialID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.materials[materialID]
}
