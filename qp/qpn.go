package qp

import "sync/atomic"

const qpnBuckets = 256

// qpnAllocator derives QP numbers from table indices. The high bits carry
// a per-bucket rotating counter so a destroy/create cycle on the same index
// does not hand the same number back immediately.
type qpnAllocator struct {
	log2MaxQP uint8
	counters  [qpnBuckets]atomic.Uint32
}

func newQPNAllocator(log2MaxQP uint8) *qpnAllocator {
	return &qpnAllocator{log2MaxQP: log2MaxQP}
}

func (a *qpnAllocator) allocate(index uint32) uint32 {
	counter := a.counters[index%qpnBuckets].Add(1) & 0xff
	qpn := (counter<<a.log2MaxQP | index) & qpnMask
	if qpn == multicastQPN {
		return index
	}
	return qpn
}
