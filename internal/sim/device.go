// Package sim provides in-memory stand-ins for the HCA collaborators of the
// QP manager: a command interface with its own QP state tracking, a bump
// physical allocator, per protection domain address spaces and a memory
// region registry. Every component records its calls and accepts injected
// faults so tests and tools can drive failure paths without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// Command operations recorded in the device log.
const (
	OpModify           = "modify"
	OpQuery            = "query"
	OpConfigureSpecial = "configure_special"
	OpActivatePort     = "activate_port"
	OpDeactivatePort   = "deactivate_port"
	OpSuspend          = "suspend"
)

// Command is one call received by the Device.
type Command struct {
	Op         string
	QPN        uint32
	Transition hw.Transition
	Opt        hw.OptParam
	Context    hw.QPContext
	Special    hw.SpecialType
	Port       uint8
	Suspend    bool
}

// DeviceMetrics counts device activity.
type DeviceMetrics struct {
	Commands int64
	Errors   int64
}

var (
	_ hw.CommandInterface = (*Device)(nil)
	_ hw.Suspender        = (*Device)(nil)
)

// Device simulates the command interface of one HCA.
type Device struct {
	mu        sync.Mutex
	qps       map[uint32]*hw.QPContext
	suspended map[uint32]bool
	ports     map[uint8]hw.PortProps
	special   map[hw.SpecialType]uint32
	log       []Command
	faults    map[string][]error
	metrics   DeviceMetrics
}

// NewDevice returns a device with every QP in RESET and every port down.
func NewDevice() *Device {
	return &Device{
		qps:       make(map[uint32]*hw.QPContext),
		suspended: make(map[uint32]bool),
		ports:     make(map[uint8]hw.PortProps),
		special:   make(map[hw.SpecialType]uint32),
		faults:    make(map[string][]error),
	}
}

func modifyKey(trans hw.Transition) string {
	return OpModify + ":" + trans.String()
}

// FailNext makes the next call of op return err. Faults queue up per op.
func (d *Device) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], err)
}

// FailNextModify makes the next MODIFY_QP command carrying trans return err.
func (d *Device) FailNextModify(trans hw.Transition, err error) {
	d.FailNext(modifyKey(trans), err)
}

func (d *Device) takeFault(keys ...string) error {
	for _, key := range keys {
		queue := d.faults[key]
		if len(queue) == 0 {
			continue
		}
		err := queue[0]
		if len(queue) == 1 {
			delete(d.faults, key)
		} else {
			d.faults[key] = queue[1:]
		}
		return err
	}
	return nil
}

// record appends cmd to the log and returns the fault to report, if any.
func (d *Device) record(ctx context.Context, cmd Command, keys ...string) error {
	atomic.AddInt64(&d.metrics.Commands, 1)
	d.log = append(d.log, cmd)
	if err := ctx.Err(); err != nil {
		atomic.AddInt64(&d.metrics.Errors, 1)
		return err
	}
	if err := d.takeFault(keys...); err != nil {
		atomic.AddInt64(&d.metrics.Errors, 1)
		return err
	}
	return nil
}

func (d *Device) stateLocked(qpn uint32) hw.QPState {
	if qpc, ok := d.qps[qpn]; ok {
		return qpc.State
	}
	return hw.QPStateReset
}

// legalSource reports whether a QP in state s may receive trans.
func legalSource(trans hw.Transition, s hw.QPState) bool {
	switch trans {
	case hw.TransRST2INIT:
		return s == hw.QPStateReset
	case hw.TransINIT2INIT, hw.TransINIT2RTR:
		return s == hw.QPStateInit
	case hw.TransRTR2RTS:
		return s == hw.QPStateRTR
	case hw.TransRTS2RTS, hw.TransRTS2SQD:
		return s == hw.QPStateRTS
	case hw.TransSQERR2RTS:
		return s == hw.QPStateSQE
	case hw.TransSQD2SQD, hw.TransSQD2RTS:
		return s == hw.QPStateSQD
	case hw.TransToERR:
		return s != hw.QPStateReset
	case hw.TransToRST:
		return true
	default:
		return false
	}
}

// Modify applies trans to qpn when the simulated QP is in a legal source
// state. The stored context is replaced by qpc.
func (d *Device) Modify(ctx context.Context, qpn uint32, trans hw.Transition, qpc *hw.QPContext, opt hw.OptParam) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd := Command{Op: OpModify, QPN: qpn, Transition: trans, Opt: opt}
	if qpc != nil {
		cmd.Context = *qpc
	}
	if err := d.record(ctx, cmd, modifyKey(trans), OpModify); err != nil {
		return err
	}
	if qpc == nil {
		atomic.AddInt64(&d.metrics.Errors, 1)
		return hw.StatusBadParam.WithOp("modify")
	}
	if cur := d.stateLocked(qpn); !legalSource(trans, cur) {
		atomic.AddInt64(&d.metrics.Errors, 1)
		return hw.StatusBadQPState.WithOp(fmt.Sprintf("modify %s from %s", trans, cur))
	}
	if trans == hw.TransToRST {
		delete(d.qps, qpn)
		return nil
	}
	next := *qpc
	next.State = trans.Target()
	d.qps[qpn] = &next
	return nil
}

// Query returns a copy of the stored context of qpn.
func (d *Device) Query(ctx context.Context, qpn uint32) (*hw.QPContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(ctx, Command{Op: OpQuery, QPN: qpn}, OpQuery); err != nil {
		return nil, err
	}
	qpc, ok := d.qps[qpn]
	if !ok {
		return &hw.QPContext{State: hw.QPStateReset, LocalQPN: qpn}, nil
	}
	out := *qpc
	return &out, nil
}

// ConfigureSpecial records the base QP number of a special type.
func (d *Device) ConfigureSpecial(ctx context.Context, typ hw.SpecialType, baseQPN uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(ctx, Command{Op: OpConfigureSpecial, QPN: baseQPN, Special: typ}, OpConfigureSpecial); err != nil {
		return err
	}
	d.special[typ] = baseQPN
	return nil
}

// ActivatePort brings a port up.
func (d *Device) ActivatePort(ctx context.Context, port uint8, props hw.PortProps) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(ctx, Command{Op: OpActivatePort, Port: port}, OpActivatePort); err != nil {
		return err
	}
	d.ports[port] = props
	return nil
}

// DeactivatePort takes a port down.
func (d *Device) DeactivatePort(ctx context.Context, port uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(ctx, Command{Op: OpDeactivatePort, Port: port}, OpDeactivatePort); err != nil {
		return err
	}
	if _, ok := d.ports[port]; !ok {
		atomic.AddInt64(&d.metrics.Errors, 1)
		return hw.StatusBadSysState.WithOp(fmt.Sprintf("deactivate port %d", port))
	}
	delete(d.ports, port)
	return nil
}

// Suspend marks qpn suspended or resumed.
func (d *Device) Suspend(ctx context.Context, qpn uint32, suspend bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(ctx, Command{Op: OpSuspend, QPN: qpn, Suspend: suspend}, OpSuspend); err != nil {
		return err
	}
	d.suspended[qpn] = suspend
	return nil
}

// SetState forces the simulated state of qpn, as an asynchronous error
// event would.
func (d *Device) SetState(qpn uint32, state hw.QPState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state == hw.QPStateReset {
		delete(d.qps, qpn)
		return
	}
	qpc, ok := d.qps[qpn]
	if !ok {
		qpc = &hw.QPContext{LocalQPN: qpn}
		d.qps[qpn] = qpc
	}
	qpc.State = state
}

// State returns the simulated state of qpn.
func (d *Device) State(qpn uint32) hw.QPState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked(qpn)
}

// Suspended reports whether qpn is suspended.
func (d *Device) Suspended(qpn uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended[qpn]
}

// PortActive reports whether port is up.
func (d *Device) PortActive(port uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ports[port]
	return ok
}

// SpecialBase returns the base QP number configured for typ.
func (d *Device) SpecialBase(typ hw.SpecialType) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base, ok := d.special[typ]
	return base, ok
}

// Commands returns a copy of the command log.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.log...)
}

// CommandsFor returns the logged commands of op, in order.
func (d *Device) CommandsFor(op string) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, cmd := range d.log {
		if cmd.Op == op {
			out = append(out, cmd)
		}
	}
	return out
}

// Transitions returns the transitions submitted for qpn, in order.
func (d *Device) Transitions(qpn uint32) []hw.Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []hw.Transition
	for _, cmd := range d.log {
		if cmd.Op == OpModify && cmd.QPN == qpn {
			out = append(out, cmd.Transition)
		}
	}
	return out
}

// ResetLog clears the command log.
func (d *Device) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
}

// Metrics returns a snapshot of device counters.
func (d *Device) Metrics() DeviceMetrics {
	return DeviceMetrics{
		Commands: atomic.LoadInt64(&d.metrics.Commands),
		Errors:   atomic.LoadInt64(&d.metrics.Errors),
	}
}
