package qp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rocketbitz/hcaqp-go/hw"
	"github.com/rocketbitz/hcaqp-go/internal/sim"
)

func specialInit(s Special, port uint8) InitAttr {
	return InitAttr{PD: 1, SendCQ: 1, RecvCQ: 2, Special: s, Port: port, Cap: Caps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}}
}

// specialToRTR moves a special QP from RESET to RTR.
func specialToRTR(t *testing.T, m *Manager, qpn uint32) {
	t.Helper()
	mustModify(t, m, qpn, StateReset, &Attr{State: StateInit, QKey: 0x80010000}, AttrState|AttrPkeyIndex|AttrQKey)
	mustModify(t, m, qpn, StateInit, &Attr{State: StateRTR}, AttrState)
}

func TestSpecialQPNumbers(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	first := m.Config().firstSpecial()

	cases := []struct {
		special Special
		port    uint8
		qpn     uint32
		visible uint32
	}{
		{SpecialSMI, 1, first, 0},
		{SpecialSMI, 2, first + 1, 0},
		{SpecialGSI, 1, first + 2, 1},
		{SpecialGSI, 2, first + 3, 1},
	}
	for _, tc := range cases {
		qpn := mustCreate(t, m, specialInit(tc.special, tc.port), UserResources{})
		if qpn != tc.qpn {
			t.Fatalf("%s port %d: qpn %d, want %d", tc.special, tc.port, qpn, tc.qpn)
		}
		res, err := m.Query(context.Background(), qpn)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if res.QPN != tc.visible || res.ServiceType != ServiceMLX || res.Attr.Port != tc.port {
			t.Fatalf("%s port %d: unexpected query result %+v", tc.special, tc.port, res)
		}
	}
	if got := m.Stats().SpecialQPs; got != 4 {
		t.Fatalf("expected four special QPs, got %d", got)
	}
}

func TestSpecialCreateBusy(t *testing.T) {
	m, hca := newTestManager(t, Config{})
	ctx := context.Background()
	mustCreate(t, m, specialInit(SpecialGSI, 1), UserResources{WQEBufSize: 4096})

	_, err := m.Create(ctx, specialInit(SpecialGSI, 1), UserResources{WQEBufSize: 4096})
	if !errors.Is(err, Busy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if got := hca.Memory.Outstanding(); got != 1 {
		t.Fatalf("rejected create allocated memory: %d outstanding", got)
	}
	if _, err := m.Create(ctx, specialInit(SpecialSMI, 3), UserResources{}); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected invalid port rejected, got %v", err)
	}
}

func TestSpecialQPNMustBeExact(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	qpn := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{})
	if _, err := m.Query(context.Background(), qpn|1<<m.Config().Log2MaxQP); !errors.Is(err, InvalidQpNumber) {
		t.Fatalf("expected invalid QP number, got %v", err)
	}
}

func TestSpecialPortLifecycle(t *testing.T) {
	m, hca := newTestManager(t, Config{})
	ctx := context.Background()

	smi := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{})
	gsi := mustCreate(t, m, specialInit(SpecialGSI, 1), UserResources{})

	specialToRTR(t, m, smi)
	configure := hca.Device.CommandsFor(sim.OpConfigureSpecial)
	if len(configure) != 2 {
		t.Fatalf("expected two configure commands, got %d", len(configure))
	}
	if configure[0].Special != hw.SpecialSMI || configure[0].QPN != smi {
		t.Fatalf("unexpected SMI configure %+v", configure[0])
	}
	if configure[1].Special != hw.SpecialGSI || configure[1].QPN != gsi {
		t.Fatalf("unexpected GSI configure %+v", configure[1])
	}
	if !hca.Device.PortActive(1) {
		t.Fatalf("port 1 should be active")
	}
	if active, _ := m.PortActive(1); !active {
		t.Fatalf("manager should report port 1 active")
	}

	specialToRTR(t, m, gsi)
	if got := len(hca.Device.CommandsFor(sim.OpConfigureSpecial)); got != 2 {
		t.Fatalf("special QPs configured again: %d commands", got)
	}
	if got := len(hca.Device.CommandsFor(sim.OpActivatePort)); got != 1 {
		t.Fatalf("expected one activation, got %d", got)
	}

	mustModify(t, m, smi, StateRTR, &Attr{State: StateErr}, AttrState)
	mustModify(t, m, smi, StateErr, &Attr{State: StateReset}, AttrState)
	if got := len(hca.Device.CommandsFor(sim.OpDeactivatePort)); got != 0 {
		t.Fatalf("port closed while the GSI QP is live")
	}

	mustModify(t, m, gsi, StateRTR, &Attr{State: StateReset}, AttrState)
	if got := len(hca.Device.CommandsFor(sim.OpDeactivatePort)); got != 1 {
		t.Fatalf("expected port closed once, got %d", got)
	}
	if active, _ := m.PortActive(1); active {
		t.Fatalf("port 1 should be down")
	}

	specialToRTR(t, m, gsi)
	if got := len(hca.Device.CommandsFor(sim.OpActivatePort)); got != 2 {
		t.Fatalf("expected the port to be reactivated, got %d activations", got)
	}
	if err := m.Destroy(ctx, gsi); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(ctx, smi); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestSpecialActivationFailureKeepsState(t *testing.T) {
	m, hca := newTestManager(t, Config{})
	smi := mustCreate(t, m, specialInit(SpecialSMI, 2), UserResources{})
	mustModify(t, m, smi, StateReset, &Attr{State: StateInit}, AttrState)

	hca.Device.FailNext(sim.OpActivatePort, hw.StatusResourceBusy)
	err := m.Modify(context.Background(), smi, StateInit, &Attr{State: StateRTR}, AttrState)
	if !errors.Is(err, Busy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if s := cachedState(t, m, smi); s != StateInit {
		t.Fatalf("expected init, got %s", s)
	}
	if got := modifiesFor(hca, smi); !equalTransitions(got, []hw.Transition{hw.TransRST2INIT}) {
		t.Fatalf("INIT to RTR was submitted before the port came up: %v", got)
	}
	mustModify(t, m, smi, StateInit, &Attr{State: StateRTR}, AttrState)
	if !hca.Device.PortActive(2) {
		t.Fatalf("port 2 should be active after retry")
	}
}

func TestSpecialConfigureFailureRetries(t *testing.T) {
	m, hca := newTestManager(t, Config{})
	gsi := mustCreate(t, m, specialInit(SpecialGSI, 1), UserResources{})
	mustModify(t, m, gsi, StateReset, &Attr{State: StateInit}, AttrState)

	hca.Device.FailNext(sim.OpConfigureSpecial, hw.StatusInternalErr)
	if err := m.Modify(context.Background(), gsi, StateInit, &Attr{State: StateRTR}, AttrState); !errors.Is(err, Fatal) {
		t.Fatalf("expected fatal, got %v", err)
	}
	mustModify(t, m, gsi, StateInit, &Attr{State: StateRTR}, AttrState)
	if _, ok := hca.Device.SpecialBase(hw.SpecialGSI); !ok {
		t.Fatalf("GSI base never configured")
	}
}

func TestSpecialPortActivationAtOpen(t *testing.T) {
	m, hca := newTestManager(t, Config{PortActivationAtOpen: true})
	smi := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{})
	specialToRTR(t, m, smi)
	mustModify(t, m, smi, StateRTR, &Attr{State: StateReset}, AttrState)

	if got := len(hca.Device.CommandsFor(sim.OpActivatePort)) + len(hca.Device.CommandsFor(sim.OpDeactivatePort)); got != 0 {
		t.Fatalf("expected no port commands, got %d", got)
	}
	if got := len(hca.Device.CommandsFor(sim.OpConfigureSpecial)); got != 2 {
		t.Fatalf("special QPs still need configuring, got %d commands", got)
	}
	if active, _ := m.PortActive(1); !active {
		t.Fatalf("ports are up from open")
	}
}

func TestSpecialDestroyGoesThroughErr(t *testing.T) {
	m, hca := newTestManager(t, Config{})
	ctx := context.Background()
	smi := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{WQEBufSize: 4096})
	specialToRTR(t, m, smi)
	mustModify(t, m, smi, StateRTR, &Attr{State: StateRTS, SQPSN: 1}, AttrState|AttrSQPSN)
	hca.Device.ResetLog()

	if err := m.Destroy(ctx, smi); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := modifiesFor(hca, smi); !equalTransitions(got, []hw.Transition{hw.TransToERR, hw.TransToRST}) {
		t.Fatalf("unexpected commands %v", got)
	}
	if got := len(hca.Device.CommandsFor(sim.OpDeactivatePort)); got != 1 {
		t.Fatalf("expected port closed, got %d", got)
	}
	assertNoLeaks(t, hca)

	again := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{})
	if again != smi {
		t.Fatalf("special QP number changed: %d vs %d", again, smi)
	}
}

func TestSpecialDeactivateFailureIsLogged(t *testing.T) {
	logger, logs := newObservedLogger()
	m, hca := newTestManager(t, Config{StructuredLogger: logger})
	smi := mustCreate(t, m, specialInit(SpecialSMI, 1), UserResources{})
	specialToRTR(t, m, smi)

	hca.Device.FailNext(sim.OpDeactivatePort, hw.StatusInternalErr)
	mustModify(t, m, smi, StateRTR, &Attr{State: StateReset}, AttrState)
	if s := cachedState(t, m, smi); s != StateReset {
		t.Fatalf("expected reset despite the port failure, got %s", s)
	}
	if !waitForLogEvent(logs, "port_deactivate_failed", time.Second) {
		t.Fatalf("missing port_deactivate_failed log")
	}
	if got := m.Stats().CommandErrors; got != 1 {
		t.Fatalf("expected one command error, got %d", got)
	}
}

func TestGSIPkeyMirror(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.SetPkeyTable(1, []uint16{0xffff, 0x8001, 0x7fff}); err != nil {
		t.Fatalf("SetPkeyTable: %v", err)
	}
	gsi := mustCreate(t, m, specialInit(SpecialGSI, 1), UserResources{})

	if err := m.Modify(ctx, gsi, StateReset, &Attr{State: StateInit, PkeyIndex: 3}, AttrState|AttrPkeyIndex); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected index beyond the mirror to fail, got %v", err)
	}
	mustModify(t, m, gsi, StateReset, &Attr{State: StateInit, PkeyIndex: 2}, AttrState|AttrPkeyIndex)
	if got, _ := m.QP1Pkey(1); got != 2 {
		t.Fatalf("QP1 pkey index %d, want 2", got)
	}
	mustModify(t, m, gsi, StateInit, &Attr{State: StateInit, PkeyIndex: 1}, AttrState|AttrPkeyIndex)
	if got, _ := m.QP1Pkey(1); got != 1 {
		t.Fatalf("QP1 pkey index %d, want 1", got)
	}
	if got, _ := m.QP1Pkey(2); got != 0 {
		t.Fatalf("port 2 mirror changed: %d", got)
	}
}

func TestMirrorTables(t *testing.T) {
	m, _ := newTestManager(t, Config{PkeyTableLen: 4, GIDTableLen: 2})
	ctx := context.Background()

	pkeys := []uint16{0xffff, 0x8001}
	if err := m.SetPkeyTable(2, pkeys); err != nil {
		t.Fatalf("SetPkeyTable: %v", err)
	}
	pkeys[0] = 0
	got, err := m.PkeyTable(2)
	if err != nil || len(got) != 2 || got[0] != 0xffff {
		t.Fatalf("unexpected pkey table %v (%v)", got, err)
	}
	if err := m.SetPkeyTable(1, make([]uint16, 5)); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected oversized table rejected, got %v", err)
	}
	if err := m.SetPkeyTable(3, nil); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected bad port rejected, got %v", err)
	}
	if _, err := m.GIDTable(0); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected bad port rejected, got %v", err)
	}

	gid := hw.GID{0xfe, 0x80}
	if err := m.SetGIDTable(1, []hw.GID{gid}); err != nil {
		t.Fatalf("SetGIDTable: %v", err)
	}
	gids, err := m.GIDTable(1)
	if err != nil || len(gids) != 1 || gids[0] != gid {
		t.Fatalf("unexpected GID table %v (%v)", gids, err)
	}

	qpn := mustCreate(t, m, rcInit(), UserResources{})
	bringUp(t, m, qpn, StateInit)
	attr, mask := rtrAttr()
	attr.AV.GRH = &GlobalRoute{SGIDIndex: 1, HopLimit: 64, DGID: gid}
	if err := m.Modify(ctx, qpn, StateInit, attr, mask); !errors.Is(err, InvalidParam) {
		t.Fatalf("expected GID index beyond the mirror rejected, got %v", err)
	}
	attr.AV.GRH.SGIDIndex = 0
	mustModify(t, m, qpn, StateInit, attr, mask)
}
