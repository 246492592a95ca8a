// Package handle implements a fixed-capacity table of values addressed by
// generational handles. Slots support find-and-lock holds and a three phase
// erase so an aborted teardown leaves the entry intact.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFull indicates every slot of the table is occupied.
	ErrFull = errors.New("handle: table full")
	// ErrNotFound indicates the index does not refer to a live entry.
	ErrNotFound = errors.New("handle: entry not found")
	// ErrBusy indicates the entry is held or already being erased.
	ErrBusy = errors.New("handle: entry busy")
)

// ErrStale reports a handle whose generation no longer matches its slot.
type ErrStale struct {
	Handle Handle
}

func (e ErrStale) Error() string {
	return fmt.Sprintf("handle: stale handle %d/%d", e.Handle.Index, e.Handle.Gen)
}

// Handle addresses one occupancy of a slot. The generation advances every
// time the slot is freed, so a handle kept past erase never matches a later
// entry stored at the same index.
type Handle struct {
	Index uint32
	Gen   uint32
}

type slot[T any] struct {
	mu      sync.Mutex
	value   T
	gen     uint32
	used    bool
	erasing bool
	holders int
}

// Table stores up to Cap values. The table lock only covers bookkeeping;
// callers serialize work on an entry through Hold, which locks the slot.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	count int
}

// New constructs a table with the given capacity.
func New[T any](capacity int) *Table[T] {
	if capacity < 0 {
		capacity = 0
	}
	t := &Table[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, uint32(i))
	}
	return t
}

// Cap returns the fixed capacity.
func (t *Table[T]) Cap() int {
	return len(t.slots)
}

// Count returns the number of occupied slots, including entries being erased.
func (t *Table[T]) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Insert stores v in a free slot.
func (t *Table[T]) Insert(v T) (Handle, error) {
	return t.InsertFunc(func(uint32) T { return v })
}

// InsertFunc claims a free slot and stores the value build returns for its
// index. The entry becomes visible to Hold and ErasePrepare only once build
// has returned. build runs under the table lock and must not call back into
// the table.
func (t *Table[T]) InsertFunc(build func(index uint32) T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return Handle{}, ErrFull
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := &t.slots[idx]
	s.value = build(idx)
	s.used = true
	s.erasing = false
	s.holders = 0
	t.count++
	return Handle{Index: idx, Gen: s.gen}, nil
}

// Hold finds the live entry at index and locks its slot. The returned handle
// must be passed to Release. Entries being erased are reported busy.
func (t *Table[T]) Hold(index uint32) (T, Handle, error) {
	var zero T
	t.mu.Lock()
	if int(index) >= len(t.slots) || !t.slots[index].used {
		t.mu.Unlock()
		return zero, Handle{}, ErrNotFound
	}
	s := &t.slots[index]
	if s.erasing {
		t.mu.Unlock()
		return zero, Handle{}, ErrBusy
	}
	s.holders++
	h := Handle{Index: index, Gen: s.gen}
	t.mu.Unlock()

	s.mu.Lock()
	return s.value, h, nil
}

// Release unlocks a slot obtained through Hold.
func (t *Table[T]) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	if s.holders == 0 {
		return ErrNotFound
	}
	s.holders--
	s.mu.Unlock()
	return nil
}

// ErasePrepare marks the entry at index as being erased and returns it. No
// new holds succeed until EraseCommit or EraseAbort.
func (t *Table[T]) ErasePrepare(index uint32) (T, Handle, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.slots) || !t.slots[index].used {
		return zero, Handle{}, ErrNotFound
	}
	s := &t.slots[index]
	if s.erasing || s.holders > 0 {
		return zero, Handle{}, ErrBusy
	}
	s.erasing = true
	return s.value, Handle{Index: index, Gen: s.gen}, nil
}

// EraseCommit frees a slot prepared for erase.
func (t *Table[T]) EraseCommit(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	if !s.erasing {
		return ErrNotFound
	}
	var zero T
	s.value = zero
	s.used = false
	s.erasing = false
	s.gen++
	t.count--
	t.free = append(t.free, h.Index)
	return nil
}

// EraseAbort returns a slot prepared for erase to normal use.
func (t *Table[T]) EraseAbort(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	if !s.erasing {
		return ErrNotFound
	}
	s.erasing = false
	return nil
}

// Get returns the entry addressed by h without locking its slot.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Indices returns the indices of every occupied slot.
func (t *Table[T]) Indices() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, t.count)
	for i := range t.slots {
		if t.slots[i].used {
			out = append(out, uint32(i))
		}
	}
	return out
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if int(h.Index) >= len(t.slots) || !t.slots[h.Index].used {
		return nil, ErrNotFound
	}
	s := &t.slots[h.Index]
	if s.gen != h.Gen {
		return nil, ErrStale{Handle: h}
	}
	return s, nil
}
