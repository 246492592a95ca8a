package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketbitz/hcaqp-go/hw"
)

const firstLKey = 0x100

var _ hw.Registrar = (*Regions)(nil)

// Regions simulates memory registration.
type Regions struct {
	mu          sync.Mutex
	next        hw.LKey
	regions     map[hw.LKey]hw.Region
	suspended   map[hw.LKey]bool
	registers   int
	deregisters int
	faults      map[string][]error
}

// Region operations accepted by FailNext.
const (
	OpRegister      = "register"
	OpDeregister    = "deregister"
	OpSuspendRegion = "suspend_region"
)

// NewRegions returns an empty registry.
func NewRegions() *Regions {
	return &Regions{
		next:      firstLKey,
		regions:   make(map[hw.LKey]hw.Region),
		suspended: make(map[hw.LKey]bool),
		faults:    make(map[string][]error),
	}
}

// FailNext makes the next call of op return err.
func (r *Regions) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = append(r.faults[op], err)
}

func (r *Regions) takeFault(op string) error {
	queue := r.faults[op]
	if len(queue) == 0 {
		return nil
	}
	r.faults[op] = queue[1:]
	return queue[0]
}

// Register records reg and returns a fresh access key.
func (r *Regions) Register(ctx context.Context, reg hw.Region) (hw.LKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := r.takeFault(OpRegister); err != nil {
		return 0, err
	}
	if reg.Size == 0 {
		return 0, hw.StatusBadSize.WithOp("register")
	}
	key := r.next
	r.next++
	r.regions[key] = reg
	r.registers++
	return key, nil
}

// Deregister drops a registration.
func (r *Regions) Deregister(ctx context.Context, key hw.LKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault(OpDeregister); err != nil {
		return err
	}
	if _, ok := r.regions[key]; !ok {
		return fmt.Errorf("deregister 0x%x: %w", uint32(key), ErrUnknownRegion)
	}
	delete(r.regions, key)
	delete(r.suspended, key)
	r.deregisters++
	return nil
}

// SuspendRegion suspends or resumes a registration.
func (r *Regions) SuspendRegion(ctx context.Context, key hw.LKey, suspend bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.takeFault(OpSuspendRegion); err != nil {
		return err
	}
	if _, ok := r.regions[key]; !ok {
		return fmt.Errorf("suspend region 0x%x: %w", uint32(key), ErrUnknownRegion)
	}
	r.suspended[key] = suspend
	return nil
}

// Region returns the registration behind key.
func (r *Regions) Region(key hw.LKey) (hw.Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regions[key]
	return reg, ok
}

// Suspended reports whether key is suspended.
func (r *Regions) Suspended(key hw.LKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended[key]
}

// Live returns the number of registrations.
func (r *Regions) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}

// Counts returns the number of successful Register and Deregister calls.
func (r *Regions) Counts() (registers, deregisters int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers, r.deregisters
}
