package hw

import "context"

// CommandInterface issues QP related commands to the HCA and waits for their
// completion. Implementations surface an interrupted wait as
// StatusInterrupted or the context error.
type CommandInterface interface {
	Modify(ctx context.Context, qpn uint32, trans Transition, qpc *QPContext, opt OptParam) error
	Query(ctx context.Context, qpn uint32) (*QPContext, error)
	ConfigureSpecial(ctx context.Context, typ SpecialType, baseQPN uint32) error
	ActivatePort(ctx context.Context, port uint8, props PortProps) error
	DeactivatePort(ctx context.Context, port uint8) error
}

// Suspender is implemented by command interfaces able to suspend QP
// processing.
type Suspender interface {
	Suspend(ctx context.Context, qpn uint32, suspend bool) error
}

// PhysAllocator hands out DMA-capable physical memory.
type PhysAllocator interface {
	Alloc(size, align uint64) (PhysAddr, error)
	Free(addr PhysAddr, size uint64)
}

// Region describes memory to be registered.
type Region struct {
	Virt uint64
	Size uint64
	PD   uint32
	// Phys is zero when the region is caller-owned virtual memory.
	Phys PhysAddr
}

// Registrar registers memory regions and produces their access keys.
type Registrar interface {
	Register(ctx context.Context, r Region) (LKey, error)
	Deregister(ctx context.Context, key LKey) error
	SuspendRegion(ctx context.Context, key LKey, suspend bool) error
}

// MappingContext maps physical memory into the address space of the
// protection domain's owner.
type MappingContext interface {
	Map(addr PhysAddr, size uint64) (uint64, error)
	Unmap(virt, size uint64) error
}

// PDResolver resolves a protection domain to its mapping context.
type PDResolver interface {
	Lookup(pd uint32) (MappingContext, error)
}
