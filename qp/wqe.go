package qp

import (
	"context"
	"errors"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// wqeBuffer describes the memory backing a QP's work queues. lkey is
// hw.NoLKey whenever size is zero.
type wqeBuffer struct {
	virt    uint64
	size    uint64
	lkey    hw.LKey
	phys    hw.PhysAddr
	owned   bool
	mapping hw.MappingContext
}

func (b wqeBuffer) info() BufferInfo {
	return BufferInfo{Virt: b.virt, Size: b.size, LKey: b.lkey, Phys: b.phys, Owned: b.owned}
}

// undoStack collects release steps for resources acquired so far and runs
// them in reverse order when an operation fails part way.
type undoStack struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func() error
}

func (u *undoStack) push(name string, fn func() error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// unwind runs every recorded step, newest first, and reports the steps
// that failed. The stack is empty afterwards.
func (u *undoStack) unwind(report func(name string, err error)) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if err := step.fn(); err != nil && report != nil {
			report(step.name, err)
		}
	}
	u.steps = nil
}

func (u *undoStack) discard() {
	u.steps = nil
}

const windowShift = 32

// inWindow reports whether [virt, virt+size) lies inside one 4 GiB window.
func inWindow(virt, size uint64) bool {
	if size == 0 {
		return true
	}
	end := virt + size - 1
	if end < virt {
		return false
	}
	return virt>>windowShift == end>>windowShift
}

func roundUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// acquireWQE validates or allocates, maps and registers the WQE buffer of a
// new QP. On failure every acquired resource has been released.
func (m *Manager) acquireWQE(ctx context.Context, pd uint32, res UserResources) (wqeBuffer, error) {
	const op = "wqe buffer"
	if res.WQEBuf != 0 {
		return m.registerUserWQE(ctx, pd, res)
	}
	if res.WQEBufSize == 0 {
		return wqeBuffer{lkey: hw.NoLKey}, nil
	}

	var undo undoStack
	ok := false
	defer func() {
		if !ok {
			undo.unwind(func(name string, err error) {
				m.logEvent("rollback_failed", logKV("step", name), logKV("error", err))
			})
		}
	}()

	size := roundUp(res.WQEBufSize, m.cfg.PageSize)
	phys, err := m.alloc.Alloc(size, m.cfg.PageSize)
	if err != nil {
		m.metricCommandError("alloc", err, logKV(labelCategory, categoryRegular))
		return wqeBuffer{}, ResourceExhausted.Wrap(op+": alloc", err)
	}
	undo.push("free", func() error {
		m.alloc.Free(phys, size)
		return nil
	})

	mapping, err := m.pds.Lookup(pd)
	if err != nil {
		return wqeBuffer{}, classify(op+": resolve protection domain", err, InvalidParam)
	}

	virt, err := mapping.Map(phys, size)
	if err != nil {
		m.metricCommandError("map", err, logKV(labelCategory, categoryRegular))
		return wqeBuffer{}, classify(op+": map", err, ResourceExhausted)
	}
	if !inWindow(virt, size) {
		// Map again while the first mapping is still live so a different
		// address comes back, then drop the first one.
		retry, retryErr := mapping.Map(phys, size)
		if unmapErr := mapping.Unmap(virt, size); unmapErr != nil {
			m.logEvent("unmap_failed", logKV("virt", virt), logKV("error", unmapErr))
		}
		if retryErr != nil {
			m.metricCommandError("map", retryErr, logKV(labelCategory, categoryRegular))
			return wqeBuffer{}, classify(op+": remap", retryErr, ResourceExhausted)
		}
		virt = retry
		m.logEvent("wqe_remapped", logKV("virt", virt), logKV("size", size))
	}
	mappedVirt := virt
	undo.push("unmap", func() error {
		return mapping.Unmap(mappedVirt, size)
	})
	if !inWindow(virt, size) {
		return wqeBuffer{}, ResourceExhausted.WithOp(op + ": mapping crosses a 4GiB boundary")
	}

	lkey, err := m.reg.Register(ctx, hw.Region{Virt: virt, Size: size, PD: pd, Phys: phys})
	if err != nil {
		m.metricCommandError("register", err, logKV(labelCategory, categoryRegular))
		return wqeBuffer{}, classify(op+": register", err, ResourceExhausted)
	}

	ok = true
	undo.discard()
	return wqeBuffer{
		virt:    virt,
		size:    size,
		lkey:    lkey,
		phys:    phys,
		owned:   true,
		mapping: mapping,
	}, nil
}

func (m *Manager) registerUserWQE(ctx context.Context, pd uint32, res UserResources) (wqeBuffer, error) {
	const op = "wqe buffer"
	if res.WQEBufSize == 0 {
		return wqeBuffer{}, InvalidParam.WithOp(op + ": caller buffer with zero size")
	}
	if !inWindow(res.WQEBuf, res.WQEBufSize) {
		return wqeBuffer{}, InvalidParam.WithOp(op + ": caller buffer crosses a 4GiB boundary")
	}
	lkey, err := m.reg.Register(ctx, hw.Region{Virt: res.WQEBuf, Size: res.WQEBufSize, PD: pd})
	if err != nil {
		m.metricCommandError("register", err, logKV(labelCategory, categoryRegular))
		return wqeBuffer{}, classify(op+": register", err, ResourceExhausted)
	}
	return wqeBuffer{virt: res.WQEBuf, size: res.WQEBufSize, lkey: lkey}, nil
}

// releaseWQE deregisters and frees buf. Every step runs even when an
// earlier one fails; the first failure is returned.
func (m *Manager) releaseWQE(ctx context.Context, buf wqeBuffer) error {
	if buf.size == 0 {
		return nil
	}
	var first error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		m.logEvent("release_failed", logKV("step", step), logKV("lkey", buf.lkey), logKV("error", err))
		m.metricCommandError(step, err)
		if first == nil {
			first = err
		}
	}
	note("deregister", m.reg.Deregister(ctx, buf.lkey))
	if buf.owned {
		if buf.mapping != nil {
			note("unmap", buf.mapping.Unmap(buf.virt, buf.size))
		} else {
			note("unmap", errors.New("qp: owned buffer without mapping"))
		}
		m.alloc.Free(buf.phys, buf.size)
	}
	if first != nil {
		return classify("release wqe buffer", first, Fatal)
	}
	return nil
}
