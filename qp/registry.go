package qp

import (
	"fmt"

	"github.com/rocketbitz/hcaqp-go/internal/handle"
)

// queuePair is the manager's record of one QP. It is only touched while
// the lock of its category is held.
type queuePair struct {
	qpn     uint32
	special Special
	service ServiceType

	pd     uint32
	sendCQ uint32
	recvCQ uint32
	srq    uint32
	hasSRQ bool

	caps     Caps
	sqSigAll bool
	state    State
	buf      wqeBuffer

	suspended bool

	// Accepted attributes later transitions depend on.
	access       AccessFlags
	rdAtomic     uint8
	destRdAtomic uint8
	remoteMasked bool
	port         uint8
	pkeyIndex    uint16
	qkey         uint32
	altLoaded    bool
}

type lockMode int

const (
	lockUse lockMode = iota
	// lockErase excludes every other user and lets the holder remove the
	// QP from its registry.
	lockErase
)

// qpLock is a held QP. Regular QPs lock their table slot; special QPs hold
// the special registry mutex. Exactly one of unlock or erase must be called.
type qpLock struct {
	q       *queuePair
	special bool
	lim     mirrorLimits
	unlock  func()
	erase   func()
}

// acquire locates qpn and locks it with the discipline of its category.
func (m *Manager) acquire(qpn uint32, mode lockMode) (*qpLock, error) {
	op := fmt.Sprintf("qpn 0x%06x", qpn)
	if qpn > qpnMask {
		return nil, InvalidQpNumber.WithOp(op)
	}
	idx := qpn & m.cfg.idxMask()
	switch {
	case idx < m.cfg.firstSpecial():
		return nil, InvalidQpNumber.WithOp(op + ": reserved")
	case m.special.contains(idx):
		if qpn != idx {
			return nil, InvalidQpNumber.WithOp(op)
		}
		return m.acquireSpecial(qpn, op)
	default:
		return m.acquireRegular(qpn, idx-m.cfg.firstRegular(), mode, op)
	}
}

func (m *Manager) acquireSpecial(qpn uint32, op string) (*qpLock, error) {
	r := m.special
	r.mu.Lock()
	slot, _ := r.slotLocked(qpn)
	q := *slot
	if q == nil {
		r.mu.Unlock()
		return nil, InvalidQpNumber.WithOp(op)
	}
	return &qpLock{
		q:       q,
		special: true,
		lim:     r.limitsLocked(),
		unlock:  r.mu.Unlock,
		erase: func() {
			*slot = nil
			r.mu.Unlock()
		},
	}, nil
}

func (m *Manager) acquireRegular(qpn, index uint32, mode lockMode, op string) (*qpLock, error) {
	lim := m.special.limits()
	if mode == lockErase {
		q, h, err := m.regular.ErasePrepare(index)
		if err != nil {
			return nil, classify(op, err, InvalidQpNumber)
		}
		if q.qpn != qpn {
			m.abortErase(h)
			return nil, InvalidQpNumber.WithOp(op)
		}
		return &qpLock{
			q:      q,
			lim:    lim,
			unlock: func() { m.abortErase(h) },
			erase: func() {
				if err := m.regular.EraseCommit(h); err != nil {
					m.logEvent("erase_commit_failed", logKV("qpn", qpn), logKV("error", err))
				}
			},
		}, nil
	}

	q, h, err := m.regular.Hold(index)
	if err != nil {
		return nil, classify(op, err, InvalidQpNumber)
	}
	release := func() {
		if err := m.regular.Release(h); err != nil {
			m.logEvent("release_failed", logKV("qpn", qpn), logKV("error", err))
		}
	}
	if q.qpn != qpn {
		release()
		return nil, InvalidQpNumber.WithOp(op)
	}
	return &qpLock{q: q, lim: lim, unlock: release}, nil
}

func (m *Manager) abortErase(h handle.Handle) {
	if err := m.regular.EraseAbort(h); err != nil {
		m.logEvent("erase_abort_failed", logKV("index", h.Index), logKV("error", err))
	}
}

// insertRegular stores q in the regular table and assigns its QP number.
// The number is set before the entry is published, so no lookup or erase
// ever sees the record without it.
func (m *Manager) insertRegular(q *queuePair) (uint32, error) {
	_, err := m.regular.InsertFunc(func(index uint32) *queuePair {
		q.qpn = m.qpns.allocate(m.cfg.firstRegular() + index)
		return q
	})
	if err != nil {
		return 0, classify("insert", err, ResourceExhausted)
	}
	return q.qpn, nil
}
