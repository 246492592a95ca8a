package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/hcaqp-go/hw"
)

var (
	// ErrNotMapped indicates an unmap of a range that is not mapped.
	ErrNotMapped = errors.New("sim: range not mapped")
	// ErrUnknownPD indicates a protection domain without an address space.
	ErrUnknownPD = errors.New("sim: unknown protection domain")
	// ErrUnknownRegion indicates an access key that is not registered.
	ErrUnknownRegion = errors.New("sim: unknown memory region")
)

const physBase = 0x10000000

var _ hw.PhysAllocator = (*Memory)(nil)

// Memory is a bump allocator of simulated physical memory. It tracks every
// outstanding allocation so tests can assert that nothing leaked.
type Memory struct {
	mu          sync.Mutex
	next        uint64
	outstanding map[hw.PhysAddr]uint64
	allocs      int
	frees       int
	badFrees    int
	faults      []error
}

// NewMemory returns an empty allocator.
func NewMemory() *Memory {
	return &Memory{next: physBase, outstanding: make(map[hw.PhysAddr]uint64)}
}

// FailNextAlloc makes the next Alloc return err.
func (m *Memory) FailNextAlloc(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, err)
}

// Alloc hands out size bytes aligned to align.
func (m *Memory) Alloc(size, align uint64) (hw.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.faults) > 0 {
		err := m.faults[0]
		m.faults = m.faults[1:]
		return 0, err
	}
	if size == 0 {
		return 0, hw.StatusBadSize.WithOp("alloc")
	}
	if align == 0 {
		align = 1
	}
	addr := (m.next + align - 1) &^ (align - 1)
	m.next = addr + size
	m.outstanding[hw.PhysAddr(addr)] = size
	m.allocs++
	return hw.PhysAddr(addr), nil
}

// Free releases an allocation. Frees that do not match an outstanding
// allocation are counted, not reported.
func (m *Memory) Free(addr hw.PhysAddr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.outstanding[addr]
	if !ok || got != size {
		m.badFrees++
		return
	}
	delete(m.outstanding, addr)
	m.frees++
}

// Outstanding returns the number of live allocations.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}

// Counts returns the number of allocations, matching frees and mismatched
// frees so far.
func (m *Memory) Counts() (allocs, frees, badFrees int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs, m.frees, m.badFrees
}

const (
	windowSize = 1 << 32
	simPage    = 4096
)

var _ hw.MappingContext = (*AddressSpace)(nil)

// AddressSpace simulates the virtual address space of a protection domain
// owner. It can be told to place the next mappings across a 4 GiB boundary.
type AddressSpace struct {
	mu        sync.Mutex
	next      uint64
	mappings  map[uint64]uint64
	straddles int
	faults    []error
	maps      int
	unmaps    int
}

// NewAddressSpace returns an address space that maps from base upward.
func NewAddressSpace(base uint64) *AddressSpace {
	return &AddressSpace{next: base, mappings: make(map[uint64]uint64)}
}

// ForceStraddle makes the next n mappings cross a 4 GiB boundary.
func (a *AddressSpace) ForceStraddle(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.straddles = n
}

// FailNextMap makes the next Map return err.
func (a *AddressSpace) FailNextMap(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = append(a.faults, err)
}

// Map maps size bytes of physical memory and returns the virtual address.
func (a *AddressSpace) Map(addr hw.PhysAddr, size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.faults) > 0 {
		err := a.faults[0]
		a.faults = a.faults[1:]
		return 0, err
	}
	if size == 0 {
		return 0, hw.StatusBadSize.WithOp("map")
	}
	span := (size + simPage - 1) &^ (simPage - 1)
	virt := a.next
	if a.straddles > 0 && size > 1 {
		a.straddles--
		boundary := (a.next/windowSize + 1) * windowSize
		virt = boundary - size/2
		a.next = boundary + span
	} else {
		a.next += span
	}
	a.mappings[virt] = size
	a.maps++
	return virt, nil
}

// Unmap removes a mapping created by Map.
func (a *AddressSpace) Unmap(virt, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	got, ok := a.mappings[virt]
	if !ok || got != size {
		return fmt.Errorf("unmap 0x%x/%d: %w", virt, size, ErrNotMapped)
	}
	delete(a.mappings, virt)
	a.unmaps++
	return nil
}

// Mapped returns the number of live mappings.
func (a *AddressSpace) Mapped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mappings)
}

// Counts returns the number of Map and Unmap calls that succeeded.
func (a *AddressSpace) Counts() (maps, unmaps int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maps, a.unmaps
}

var _ hw.PDResolver = (*Domains)(nil)

// Domains resolves protection domains to address spaces. Unknown domains
// get a fresh address space when AutoCreate is set.
type Domains struct {
	mu         sync.Mutex
	spaces     map[uint32]*AddressSpace
	nextBase   uint64
	AutoCreate bool
}

// NewDomains returns a resolver that creates address spaces on demand.
func NewDomains() *Domains {
	return &Domains{spaces: make(map[uint32]*AddressSpace), nextBase: 1 << 40, AutoCreate: true}
}

// Add registers pd and returns its address space.
func (d *Domains) Add(pd uint32) *AddressSpace {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(pd)
}

func (d *Domains) addLocked(pd uint32) *AddressSpace {
	if as, ok := d.spaces[pd]; ok {
		return as
	}
	as := NewAddressSpace(d.nextBase)
	d.nextBase += 1 << 36
	d.spaces[pd] = as
	return as
}

// Lookup implements hw.PDResolver.
func (d *Domains) Lookup(pd uint32) (hw.MappingContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if as, ok := d.spaces[pd]; ok {
		return as, nil
	}
	if !d.AutoCreate {
		return nil, fmt.Errorf("pd %d: %w", pd, ErrUnknownPD)
	}
	return d.addLocked(pd), nil
}

// Mapped returns the live mappings across every address space.
func (d *Domains) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, as := range d.spaces {
		n += as.Mapped()
	}
	return n
}
