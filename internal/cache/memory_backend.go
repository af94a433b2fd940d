package cache

import "sync"

// MemoryBackend keeps everything in process memory
type MemoryBackend struct {
	mu   sync.RWMutex
	gens map[string]map[string][]byte
}

func NewMemory() *MemoryBackend {
	return &MemoryBackend{gens: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(gen, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.gens[gen][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Set(gen, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.gens[gen]
	if !ok {
		entries = make(map[string][]byte)
		m.gens[gen] = entries
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(gen, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gens[gen], key)
	return nil
}

func (m *MemoryBackend) Keys(gen string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.gens[gen]))
	for k := range m.gens[gen] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryBackend) CreateGeneration(gen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gens[gen]; !ok {
		m.gens[gen] = make(map[string][]byte)
	}
	return nil
}

func (m *MemoryBackend) DeleteGeneration(gen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gens, gen)
	return nil
}

func (m *MemoryBackend) Generations() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.gens))
	for name := range m.gens {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
