// Package buffer implements the DMA buffer manager: allocation from the
// device's pinned pool, an id-keyed registry, reference counting that
// is safe against free-while-in-flight races, and the host<->buffer
// transfer and cache-sync paths.
package buffer

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/metrics"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// Allocation limits, matching the device's DMA engine.
const (
	MinBufferSize = 4096
	MaxBufferSize = 16 << 20
	MaxBuffers    = 16
)

// Flags describe a buffer's capabilities.
type Flags uint32

const (
	FlagCoherent  Flags = 1 << 0
	FlagStreaming Flags = 1 << 1
	FlagReadOnly  Flags = 1 << 2
	FlagWriteOnly Flags = 1 << 3
)

// SyncDirection selects the cache maintenance direction.
type SyncDirection int

const (
	// SyncToDevice flushes CPU caches before the device reads.
	SyncToDevice SyncDirection = iota
	// SyncFromDevice invalidates CPU caches after the device wrote.
	SyncFromDevice
)

// Allocator is the device-side DMA pool the manager draws from.
type Allocator interface {
	AllocCoherent(size uint32) (mmio.DMARegion, error)
	FreeCoherent(region mmio.DMARegion) error
}

// Buffer is one pinned DMA allocation. The physical address is stable
// for the buffer's whole lifetime; the backing pages are released only
// when the reference count reaches zero.
type Buffer struct {
	id     uint32
	size   uint32
	flags  Flags
	region mmio.DMARegion

	// refs starts at 1 for the allocation itself. Submission retains,
	// completion releases; atomic so submit and free can race safely
	// and interrupt-driven releases never block.
	refs atomic.Int32

	// mapped is the user-space mapping, nil until the first map call.
	// Guarded by the manager's registry lock.
	mapped []byte
}

// ID returns the buffer's registry id.
func (b *Buffer) ID() uint32 { return b.id }

// Size returns the allocated size in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// PhysAddr returns the device-visible address of the buffer's start.
func (b *Buffer) PhysAddr() uint32 { return b.region.PhysAddr }

// Flags returns the capability flags.
func (b *Buffer) Flags() Flags { return b.flags }

// Info is a read-only snapshot of one buffer.
type Info struct {
	ID         uint32
	Size       uint32
	PhysAddr   uint32
	MappedAddr uintptr
	Flags      Flags
	Refs       int32
}

// Manager owns the buffer registry for one device. The registry lock is
// shared with the completion path: interrupt handling releases
// references under it, so nothing holds it across a blocking call.
type Manager struct {
	mu      sync.Mutex
	alloc   Allocator
	buffers map[uint32]*Buffer
	nextID  uint32
	log     *zap.Logger
}

// NewManager creates a manager over the given DMA pool.
func NewManager(alloc Allocator, log *zap.Logger) *Manager {
	return &Manager{
		alloc:   alloc,
		buffers: make(map[uint32]*Buffer),
		log:     log.Named("buffer"),
	}
}

// Allocate pins a new DMA buffer and registers it with refcount 1.
// Coherent buffers are zero-initialized; streaming buffers keep
// whatever the pool hands back.
func (m *Manager) Allocate(size uint32, flags Flags) (*Buffer, error) {
	if size < MinBufferSize || size > MaxBufferSize {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "buffer size %d outside [%d, %d]", size, MinBufferSize, MaxBufferSize)
	}
	if flags&(FlagCoherent|FlagStreaming) == 0 {
		flags |= FlagCoherent
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffers) >= MaxBuffers {
		return nil, errors.Wrapf(nperr.ErrNoMemory, "buffer registry full (%d buffers)", MaxBuffers)
	}

	region, err := m.alloc.AllocCoherent(size)
	if err != nil {
		return nil, errors.Wrap(err, "dma pool allocation")
	}
	if flags&FlagCoherent != 0 {
		clear(region.Mem)
	}

	m.nextID++
	b := &Buffer{
		id:     m.nextID,
		size:   size,
		flags:  flags,
		region: region,
	}
	b.refs.Store(1)
	m.buffers[b.id] = b

	metrics.BuffersLive.Inc()
	metrics.BufferBytesLive.Add(float64(size))
	m.log.Debug("allocated dma buffer",
		zap.Uint32("id", b.id),
		zap.Uint32("size", size),
		zap.Uint32("phys", region.PhysAddr))
	return b, nil
}

// Get looks up a live buffer by id.
func (m *Manager) Get(id uint32) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id uint32) (*Buffer, error) {
	b, ok := m.buffers[id]
	if !ok {
		return nil, errors.Wrapf(nperr.ErrNotFound, "buffer %d", id)
	}
	return b, nil
}

// Free drops the allocation reference. The backing memory is released
// once every in-flight reference is gone, so freeing a buffer that an
// instruction still uses is safe: the pages survive until completion.
func (m *Manager) Free(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	return m.releaseLocked(b)
}

// Retain adds an in-flight reference on behalf of a submitted
// instruction.
func (m *Manager) Retain(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	b.refs.Add(1)
	return nil
}

// Release drops an in-flight reference. Called from the completion
// path, which runs in interrupt context; it must never block beyond
// the registry lock.
func (m *Manager) Release(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	return m.releaseLocked(b)
}

func (m *Manager) releaseLocked(b *Buffer) error {
	if b.refs.Add(-1) > 0 {
		return nil
	}
	delete(m.buffers, b.id)
	metrics.BuffersLive.Dec()
	metrics.BufferBytesLive.Sub(float64(b.size))
	if err := m.alloc.FreeCoherent(b.region); err != nil {
		m.log.Error("dma pool free failed", zap.Uint32("id", b.id), zap.Error(err))
		return err
	}
	m.log.Debug("released dma buffer", zap.Uint32("id", b.id))
	return nil
}

// FreeAll tears down every registered buffer regardless of reference
// count. Session teardown calls this after the completion path has
// aborted in-flight work, so no instruction can still address the
// memory.
func (m *Manager) FreeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.buffers {
		delete(m.buffers, id)
		metrics.BuffersLive.Dec()
		metrics.BufferBytesLive.Sub(float64(b.size))
		if err := m.alloc.FreeCoherent(b.region); err != nil {
			m.log.Error("dma pool free failed", zap.Uint32("id", id), zap.Error(err))
		}
	}
}

// Map exposes the buffer's pages to the caller, non-cached. Idempotent:
// repeated calls return the same mapping. A requested size of zero maps
// the whole buffer; the request must not exceed the allocated size.
func (m *Manager) Map(id, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	if size == 0 {
		size = b.size
	}
	if size > b.size {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "mmap request %d exceeds buffer size %d", size, b.size)
	}
	b.mapped = b.region.Mem[:size]
	return b.mapped, nil
}

// Unmap tears down a mapping previously returned by Map. A mapping
// that does not match the recorded one is rejected.
func (m *Manager) Unmap(id uint32, mapping []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if b.mapped == nil {
		return errors.Wrapf(nperr.ErrInvalidParameter, "buffer %d is not mapped", id)
	}
	if len(mapping) == 0 || &mapping[0] != &b.mapped[0] {
		return errors.Wrapf(nperr.ErrInvalidParameter, "mapping does not match buffer %d", id)
	}
	b.mapped = nil
	return nil
}

// Info returns a read-only snapshot of the buffer's registry entry.
func (m *Manager) Info(id uint32) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		ID:       b.id,
		Size:     b.size,
		PhysAddr: b.region.PhysAddr,
		Flags:    b.flags,
		Refs:     b.refs.Load(),
	}
	if b.mapped != nil {
		info.MappedAddr = uintptr(unsafe.Pointer(&b.mapped[0]))
	}
	return info, nil
}

// Sync performs cache maintenance for a streaming buffer. Coherent
// buffers need none; the call still validates the handle and direction.
func (m *Manager) Sync(id uint32, dir SyncDirection) error {
	if dir != SyncToDevice && dir != SyncFromDevice {
		return errors.Wrapf(nperr.ErrInvalidParameter, "bad sync direction %d", dir)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if b.flags&FlagCoherent != 0 {
		return nil
	}
	// The arena is host memory, so flush/invalidate reduce to an
	// ordering point here; real hardware would walk the cache lines.
	return nil
}

// Transfer copies between host memory and the buffer. Direction is
// from the host's point of view: SyncToDevice writes into the buffer.
// Bounds violations fail with DmaError and move no data.
func (m *Manager) Transfer(id, offset uint32, host []byte, dir SyncDirection) error {
	if dir != SyncToDevice && dir != SyncFromDevice {
		return errors.Wrapf(nperr.ErrInvalidParameter, "bad transfer direction %d", dir)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.getLocked(id)
	if err != nil {
		return err
	}
	end := uint64(offset) + uint64(len(host))
	if end > uint64(b.size) {
		return errors.Wrapf(nperr.ErrDMAError, "transfer [%d, %d) exceeds buffer size %d", offset, end, b.size)
	}
	if dir == SyncToDevice {
		copy(b.region.Mem[offset:], host)
		metrics.DMATransferBytes.WithLabelValues("to_device").Add(float64(len(host)))
	} else {
		copy(host, b.region.Mem[offset:end])
		metrics.DMATransferBytes.WithLabelValues("from_device").Add(float64(len(host)))
	}
	return nil
}

// Count returns the number of live buffers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}
