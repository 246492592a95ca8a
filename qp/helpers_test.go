package qp

import (
	"context"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/hcaqp-go/hw"
	"github.com/rocketbitz/hcaqp-go/internal/sim"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *sim.HCA) {
	t.Helper()
	hca := sim.New()
	m, err := New(cfg, deviceOf(hca))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, hca
}

func deviceOf(hca *sim.HCA) Device {
	return Device{
		Commands: hca.Device,
		Memory:   hca.Memory,
		Regions:  hca.Regions,
		Domains:  hca.Domains,
	}
}

func rcInit() InitAttr {
	return InitAttr{PD: 1, SendCQ: 10, RecvCQ: 11, ServiceType: ServiceRC, Cap: Caps{MaxSendWR: 64, MaxRecvWR: 64, MaxSendSGE: 4, MaxRecvSGE: 4}}
}

func mustCreate(t *testing.T, m *Manager, init InitAttr, res UserResources) uint32 {
	t.Helper()
	qpn, err := m.Create(context.Background(), init, res)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return qpn
}

func mustModify(t *testing.T, m *Manager, qpn uint32, cur State, attr *Attr, mask AttrMask) {
	t.Helper()
	if err := m.Modify(context.Background(), qpn, cur, attr, mask); err != nil {
		t.Fatalf("Modify %s->%s: %v", cur, attr.State, err)
	}
}

func initAttr() (*Attr, AttrMask) {
	return &Attr{
		State:       StateInit,
		Port:        1,
		PkeyIndex:   0,
		QKey:        0x11111111,
		AccessFlags: AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic,
	}, AttrState | AttrPort | AttrPkeyIndex | AttrQKey | AttrAccessFlags
}

func rtrAttr() (*Attr, AttrMask) {
	return &Attr{
		State:           StateRTR,
		PathMTU:         MTU1024,
		AV:              AddressVector{DLID: 0x22, SL: 3},
		DestQPN:         0x4242,
		RQPSN:           100,
		MaxDestRdAtomic: 4,
		MinRNRTimer:     12,
	}, AttrState | AttrPathMTU | AttrAV | AttrDestQPN | AttrRQPSN | AttrMaxDestRdAtomic | AttrMinRNRTimer
}

func rtsAttr() (*Attr, AttrMask) {
	return &Attr{
		State:       StateRTS,
		SQPSN:       200,
		Timeout:     14,
		RetryCount:  7,
		RNRRetry:    7,
		MaxRdAtomic: 4,
	}, AttrState | AttrSQPSN | AttrTimeout | AttrRetryCount | AttrRNRRetry | AttrMaxRdAtomic
}

// bringUp moves a QP from RESET to target along RESET, INIT, RTR, RTS, SQD.
func bringUp(t *testing.T, m *Manager, qpn uint32, target State) {
	t.Helper()
	if target == StateReset {
		return
	}
	attr, mask := initAttr()
	mustModify(t, m, qpn, StateReset, attr, mask)
	if target == StateInit {
		return
	}
	attr, mask = rtrAttr()
	mustModify(t, m, qpn, StateInit, attr, mask)
	if target == StateRTR {
		return
	}
	attr, mask = rtsAttr()
	mustModify(t, m, qpn, StateRTR, attr, mask)
	if target == StateRTS {
		return
	}
	mustModify(t, m, qpn, StateRTS, &Attr{State: StateSQD}, AttrState)
}

// qpInState creates a regular QP and drives it into s, using the device to
// raise SQE and ERR where no modify leads there directly.
func qpInState(t *testing.T, m *Manager, hca *sim.HCA, s State) uint32 {
	t.Helper()
	qpn := mustCreate(t, m, rcInit(), UserResources{WQEBufSize: 4096})
	switch s {
	case StateSQE:
		bringUp(t, m, qpn, StateRTS)
		hca.Device.SetState(qpn, hw.QPStateSQE)
		res, err := m.Query(context.Background(), qpn)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if res.Attr.State != StateSQE {
			t.Fatalf("expected refreshed state sqe, got %s", res.Attr.State)
		}
	case StateErr:
		bringUp(t, m, qpn, StateRTS)
		mustModify(t, m, qpn, StateRTS, &Attr{State: StateErr}, AttrState)
	default:
		bringUp(t, m, qpn, s)
	}
	return qpn
}

func cachedState(t *testing.T, m *Manager, qpn uint32) State {
	t.Helper()
	lk, err := m.acquire(qpn, lockUse)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lk.unlock()
	return lk.q.state
}

func lastModify(t *testing.T, hca *sim.HCA, qpn uint32) sim.Command {
	t.Helper()
	cmds := hca.Device.CommandsFor(sim.OpModify)
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].QPN == qpn {
			return cmds[i]
		}
	}
	t.Fatalf("no modify command for qpn 0x%x", qpn)
	return sim.Command{}
}

func modifiesFor(hca *sim.HCA, qpn uint32) []hw.Transition {
	var out []hw.Transition
	for _, cmd := range hca.Device.CommandsFor(sim.OpModify) {
		if cmd.QPN == qpn {
			out = append(out, cmd.Transition)
		}
	}
	return out
}

func equalTransitions(got, want []hw.Transition) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func assertNoLeaks(t *testing.T, hca *sim.HCA) {
	t.Helper()
	if allocs, mappings, regions := hca.Leaks(); allocs != 0 || mappings != 0 || regions != 0 {
		t.Fatalf("leaked allocs=%d mappings=%d regions=%d", allocs, mappings, regions)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, span, event string) bool {
	for _, s := range recorder.Ended() {
		if s.Name() != span {
			continue
		}
		for _, evt := range s.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type metricRecorder struct {
	mu                  sync.Mutex
	created             int
	createFailed        int
	destroyed           int
	transitions         []string
	transitionFailures  int
	commandErrors       []string
	lastCreateFailCodes []string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (r *metricRecorder) QPCreated(_ map[string]string) {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *metricRecorder) QPCreateFailed(_ error, attrs map[string]string) {
	r.mu.Lock()
	r.createFailed++
	r.lastCreateFailCodes = append(r.lastCreateFailCodes, attrs[labelCode])
	r.mu.Unlock()
}

func (r *metricRecorder) QPDestroyed(_ map[string]string) {
	r.mu.Lock()
	r.destroyed++
	r.mu.Unlock()
}

func (r *metricRecorder) TransitionCompleted(attrs map[string]string) {
	r.mu.Lock()
	r.transitions = append(r.transitions, attrs[labelTransition])
	r.mu.Unlock()
}

func (r *metricRecorder) TransitionFailed(_ error, _ map[string]string) {
	r.mu.Lock()
	r.transitionFailures++
	r.mu.Unlock()
}

func (r *metricRecorder) CommandError(command string, _ error, _ map[string]string) {
	r.mu.Lock()
	r.commandErrors = append(r.commandErrors, command)
	r.mu.Unlock()
}

type metricSnapshot struct {
	Created            int
	CreateFailed       int
	CreateFailCodes    []string
	Destroyed          int
	Transitions        []string
	TransitionFailures int
	CommandErrors      []string
}

func (r *metricRecorder) Snapshot() metricSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metricSnapshot{
		Created:            r.created,
		CreateFailed:       r.createFailed,
		CreateFailCodes:    append([]string(nil), r.lastCreateFailCodes...),
		Destroyed:          r.destroyed,
		Transitions:        append([]string(nil), r.transitions...),
		TransitionFailures: r.transitionFailures,
		CommandErrors:      append([]string(nil), r.commandErrors...),
	}
}
