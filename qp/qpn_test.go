package qp

import "testing"

func TestQPNAllocatorRotates(t *testing.T) {
	a := newQPNAllocator(16)
	const index = 0x42
	first := a.allocate(index)
	second := a.allocate(index)
	if first == second {
		t.Fatalf("consecutive allocations returned 0x%x twice", first)
	}
	for _, qpn := range []uint32{first, second} {
		if qpn&0xFFFF != index {
			t.Fatalf("qpn 0x%x lost its index", qpn)
		}
		if qpn > qpnMask {
			t.Fatalf("qpn 0x%x exceeds 24 bits", qpn)
		}
	}
	if other := a.allocate(index + 1); other>>16 != 1 {
		t.Fatalf("buckets should count independently, got 0x%x", other)
	}
}

func TestQPNAllocatorAvoidsMulticast(t *testing.T) {
	a := newQPNAllocator(16)
	const index = 0xFFFF
	var last uint32
	for i := 0; i < 0xFF; i++ {
		last = a.allocate(index)
	}
	if last != index {
		t.Fatalf("expected fallback to the bare index, got 0x%x", last)
	}
	if next := a.allocate(index); next == multicastQPN {
		t.Fatalf("allocated the multicast QPN")
	}
}

func TestQPNAllocatorWideIndexSpace(t *testing.T) {
	a := newQPNAllocator(24)
	const index = 0x123456
	if qpn := a.allocate(index); qpn != index {
		t.Fatalf("a 24-bit index space leaves no counter bits, got 0x%x", qpn)
	}
}
