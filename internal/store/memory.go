package store

import (
	"context"
	"sort"
	"sync"
)

type (
	// Memory keeps every collection in process memory. Used by tests and
	// throwaway demo runs; contents are lost on exit.
	Memory struct {
		mutex  sync.RWMutex
		tables map[string]map[string]memEntry
	}

	memEntry struct {
		doc     []byte
		indexes map[string]string
	}
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]memEntry)}
}

func (m *Memory) Put(_ context.Context, collection string, rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	t, ok := m.tables[collection]
	if !ok {
		t = make(map[string]memEntry)
		m.tables[collection] = t
	}
	idx := make(map[string]string, len(rec.Indexes))
	for k, v := range rec.Indexes {
		idx[k] = v
	}
	t[rec.Key] = memEntry{doc: clone(rec.Doc), indexes: idx}
	return nil
}

func (m *Memory) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	e, ok := m.tables[collection][key]
	if !ok {
		return nil, false, nil
	}
	return clone(e.doc), true, nil
}

func (m *Memory) GetAll(_ context.Context, collection string) ([][]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	t := m.tables[collection]
	res := make([][]byte, 0, len(t))
	for _, e := range t {
		res = append(res, clone(e.doc))
	}
	return res, nil
}

func (m *Memory) Keys(_ context.Context, collection string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.tables[collection]))
	for k := range m.tables[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) GetByIndex(_ context.Context, collection, index, value string) ([][]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var res [][]byte
	for _, e := range m.tables[collection] {
		if v, ok := e.indexes[index]; ok && v == value {
			res = append(res, clone(e.doc))
		}
	}
	return res, nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.tables[collection], key)
	return nil
}

func (m *Memory) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
