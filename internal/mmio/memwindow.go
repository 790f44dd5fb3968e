package mmio

import "sync"

// MemWindow is a RAM-backed register window with no side effects. It
// records every write, which lets protocol tests assert that a rejected
// submission touched zero registers.
type MemWindow struct {
	mu       sync.Mutex
	words    []uint32
	writes   []WriteRecord
	unmapped bool
}

// WriteRecord is one observed register write, in order.
type WriteRecord struct {
	Offset uint32
	Value  uint32
}

// NewMemWindow creates a zeroed window of the given byte length.
func NewMemWindow(length uint32) *MemWindow {
	return &MemWindow{words: make([]uint32, (length+3)/4)}
}

func (w *MemWindow) Read32(offset uint32) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unmapped {
		return 0, ErrUnmapped
	}
	if err := CheckOffset(offset, w.Len()); err != nil {
		return 0, err
	}
	return w.words[offset/4], nil
}

func (w *MemWindow) Write32(offset, value uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unmapped {
		return ErrUnmapped
	}
	if err := CheckOffset(offset, w.Len()); err != nil {
		return err
	}
	w.words[offset/4] = value
	w.writes = append(w.writes, WriteRecord{Offset: offset, Value: value})
	return nil
}

func (w *MemWindow) Len() uint32 {
	return uint32(len(w.words)) * 4
}

// Writes returns a copy of the recorded write sequence.
func (w *MemWindow) Writes() []WriteRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WriteRecord, len(w.writes))
	copy(out, w.writes)
	return out
}

// ResetWrites clears the recorded write sequence.
func (w *MemWindow) ResetWrites() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = nil
}

// Unplug makes every subsequent access fail, simulating device removal.
func (w *MemWindow) Unplug() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unmapped = true
}
