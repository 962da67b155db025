package arm

import "sync"

// Memory is the guest address space as seen by kernel objects that keep
// their state in guest words, such as mutexes and condition variables.
// Accesses report false for unmapped addresses.
type Memory interface {
	Read32(addr uint64) (uint32, bool)
	Write32(addr uint64, value uint32) bool
	// Update32 atomically replaces the word at addr with fn of its old
	// value and returns the old value.
	Update32(addr uint64, fn func(old uint32) uint32) (uint32, bool)
}

// SparseMemory is a Memory backed by a map of mapped words. It is safe for
// concurrent use.
type SparseMemory struct {
	mu     sync.Mutex
	words  map[uint64]uint32
	mapped []region
}

type region struct{ base, size uint64 }

func NewSparseMemory() *SparseMemory {
	return &SparseMemory{words: make(map[uint64]uint32)}
}

// Map makes [base, base+size) accessible. Fresh memory reads as zero.
func (m *SparseMemory) Map(base, size uint64) {
	m.mu.Lock()
	m.mapped = append(m.mapped, region{base, size})
	m.mu.Unlock()
}

func (m *SparseMemory) accessible(addr uint64) bool {
	if addr%4 != 0 {
		return false
	}
	for _, r := range m.mapped {
		if addr >= r.base && addr+4 <= r.base+r.size {
			return true
		}
	}
	return false
}

func (m *SparseMemory) Read32(addr uint64) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accessible(addr) {
		return 0, false
	}
	return m.words[addr], true
}

func (m *SparseMemory) Write32(addr uint64, value uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accessible(addr) {
		return false
	}
	m.words[addr] = value
	return true
}

func (m *SparseMemory) Update32(addr uint64, fn func(uint32) uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accessible(addr) {
		return 0, false
	}
	old := m.words[addr]
	m.words[addr] = fn(old)
	return old, true
}
