// Package qp manages the lifecycle of InfiniBand queue pairs on one HCA:
// creation with WQE buffer setup, state transitions through the hardware
// command interface, queries, suspension and teardown, for both regular QPs
// and the per-port SMI/GSI special QPs.
package qp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/hcaqp-go/hw"
	"github.com/rocketbitz/hcaqp-go/internal/handle"
)

// Device bundles the collaborators a Manager drives.
type Device struct {
	Commands hw.CommandInterface
	Memory   hw.PhysAllocator
	Regions  hw.Registrar
	Domains  hw.PDResolver
}

// Manager creates, modifies, queries, suspends and destroys QPs. All methods
// are safe for concurrent use.
type Manager struct {
	cfg       Config
	cmd       hw.CommandInterface
	suspender hw.Suspender
	alloc     hw.PhysAllocator
	reg       hw.Registrar
	pds       hw.PDResolver

	transitions transitionTable
	qpns        *qpnAllocator
	regular     *handle.Table[*queuePair]
	special     *specialRegistry

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook

	stats  managerStats
	closed atomic.Bool
}

// Stats contains counters for manager operations.
type Stats struct {
	Created            uint64
	CreateFailed       uint64
	Destroyed          uint64
	Transitions        uint64
	TransitionFailures uint64
	CommandErrors      uint64
	RegularQPs         int
	SpecialQPs         int
}

type managerStats struct {
	created            atomic.Uint64
	createFailed       atomic.Uint64
	destroyed          atomic.Uint64
	transitions        atomic.Uint64
	transitionFailures atomic.Uint64
	commandErrors      atomic.Uint64
}

// New validates cfg, applies defaults and returns a Manager bound to dev.
func New(cfg Config, dev Device) (*Manager, error) {
	if dev.Commands == nil || dev.Memory == nil || dev.Regions == nil || dev.Domains == nil {
		return nil, InvalidParam.WithOp("new: device collaborators are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:              cfg,
		cmd:              dev.Commands,
		alloc:            dev.Memory,
		reg:              dev.Regions,
		pds:              dev.Domains,
		transitions:      newTransitionTable(),
		qpns:             newQPNAllocator(cfg.Log2MaxQP),
		regular:          handle.New[*queuePair](cfg.regularCapacity()),
		special:          newSpecialRegistry(cfg),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if s, ok := dev.Commands.(hw.Suspender); ok {
		m.suspender = s
	}
	m.logEvent("manager_ready",
		logKV("log2_max_qp", cfg.Log2MaxQP),
		logKV("first_regular", cfg.firstRegular()),
		logKV("regular_capacity", cfg.regularCapacity()),
		logKV("ports", cfg.NumPorts),
	)
	return m, nil
}

// Config returns the resolved configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.special.mu.Lock()
	specials := m.special.countLocked()
	m.special.mu.Unlock()
	return Stats{
		Created:            m.stats.created.Load(),
		CreateFailed:       m.stats.createFailed.Load(),
		Destroyed:          m.stats.destroyed.Load(),
		Transitions:        m.stats.transitions.Load(),
		TransitionFailures: m.stats.transitionFailures.Load(),
		CommandErrors:      m.stats.commandErrors.Load(),
		RegularQPs:         m.regular.Count(),
		SpecialQPs:         specials,
	}
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Manager) validateInit(init *InitAttr) error {
	const op = "create"
	if init.Port == 0 {
		init.Port = 1
	}
	if init.Port > m.cfg.NumPorts {
		return InvalidParam.WithOp(fmt.Sprintf("%s: port %d", op, init.Port))
	}
	switch init.Special {
	case SpecialNone:
		if init.ServiceType != ServiceRC && init.ServiceType != ServiceUC && init.ServiceType != ServiceUD {
			return InvalidParam.WithOp(fmt.Sprintf("%s: service type %s", op, init.ServiceType))
		}
	case SpecialSMI, SpecialGSI:
		init.ServiceType = ServiceMLX
	default:
		return InvalidParam.WithOp(fmt.Sprintf("%s: special type %d", op, init.Special))
	}
	c := init.Cap
	if c.MaxSendWR > m.cfg.MaxWR || c.MaxRecvWR > m.cfg.MaxWR {
		return InvalidParam.WithOp(fmt.Sprintf("%s: work requests exceed %d", op, m.cfg.MaxWR))
	}
	if c.MaxSendSGE > m.cfg.MaxSGE || c.MaxRecvSGE > m.cfg.MaxSGE {
		return InvalidParam.WithOp(fmt.Sprintf("%s: scatter/gather entries exceed %d", op, m.cfg.MaxSGE))
	}
	if c.MaxInlineData > m.cfg.MaxInlineData {
		return InvalidParam.WithOp(fmt.Sprintf("%s: inline data exceeds %d", op, m.cfg.MaxInlineData))
	}
	if init.HasSRQ && c.MaxRecvWR != 0 {
		return InvalidParam.WithOp(op + ": receive queue depth given with a shared receive queue")
	}
	return nil
}

func newQueuePair(init InitAttr, buf wqeBuffer) *queuePair {
	return &queuePair{
		special:   init.Special,
		service:   init.ServiceType,
		pd:        init.PD,
		sendCQ:    init.SendCQ,
		recvCQ:    init.RecvCQ,
		srq:       init.SRQ,
		hasSRQ:    init.HasSRQ,
		caps:      init.Cap,
		sqSigAll:  init.SQSigAll,
		state:     StateReset,
		buf:       buf,
		port:      init.Port,
		pkeyIndex: init.PkeyIndex,
		qkey:      init.QKey,
	}
}

// Create allocates a QP in RESET and returns its QP number. Special QPs are
// created with init.Special set; their QP number is fixed by type and port.
func (m *Manager) Create(ctx context.Context, init InitAttr, res UserResources) (qpn uint32, err error) {
	ctx = ensureContext(ctx)
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	if err := m.validateInit(&init); err != nil {
		return 0, err
	}
	fields := []logField{logKV(labelCategory, categoryRegular), logKV(labelService, init.ServiceType.String())}
	if init.Special != SpecialNone {
		fields[0] = logKV(labelCategory, categorySpecial)
	}
	span := m.startSpan("qp.create", fields...)
	defer func() {
		if err != nil {
			m.stats.createFailed.Add(1)
			m.metricQPCreateFailed(err, fields...)
			m.logEvent("qp_create_failed", append(fields, logKV("error", err))...)
		}
		finishSpan(span, err)
	}()

	if init.Special != SpecialNone {
		return m.createSpecial(ctx, init, res, span)
	}
	if err := m.special.limits().checkPkeyIndex(init.Port, init.PkeyIndex); err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}

	buf, err := m.acquireWQE(ctx, init.PD, res)
	if err != nil {
		return 0, err
	}
	spanAddEvent(span, "wqe_ready", logKV("size", buf.size), logKV("lkey", buf.lkey))

	qpn, err = m.insertRegular(newQueuePair(init, buf))
	if err != nil {
		if rerr := m.releaseWQE(ctx, buf); rerr != nil {
			m.logEvent("rollback_failed", logKV("step", "release wqe buffer"), logKV("error", rerr))
		}
		return 0, err
	}
	m.stats.created.Add(1)
	m.metricQPCreated(fields...)
	m.logEvent("qp_created", append(fields, logKV("qpn", qpn), logKV("wqe_size", buf.size))...)
	return qpn, nil
}

func (m *Manager) createSpecial(ctx context.Context, init InitAttr, res UserResources, span Span) (uint32, error) {
	r := m.special
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.limitsLocked().checkPkeyIndex(init.Port, init.PkeyIndex); err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	idx := r.index(init.Special, init.Port)
	slot, _ := r.slotLocked(idx)
	if *slot != nil {
		return 0, Busy.WithOp(fmt.Sprintf("create %s on port %d", init.Special, init.Port))
	}

	buf, err := m.acquireWQE(ctx, init.PD, res)
	if err != nil {
		return 0, err
	}
	spanAddEvent(span, "wqe_ready", logKV("size", buf.size), logKV("lkey", buf.lkey))

	q := newQueuePair(init, buf)
	q.qpn = idx
	*slot = q
	fields := qpFields(q)
	m.stats.created.Add(1)
	m.metricQPCreated(fields...)
	m.logEvent("qp_created", append(fields, logKV("qpn", idx), logKV("special", init.Special), logKV("port", init.Port))...)
	return idx, nil
}

// Modify moves the QP from cur to attr.State (when AttrState is set) and
// applies the attributes selected by mask. cur must match the state the
// manager has cached for the QP.
func (m *Manager) Modify(ctx context.Context, qpn uint32, cur State, attr *Attr, mask AttrMask) (err error) {
	ctx = ensureContext(ctx)
	if err := m.checkOpen(); err != nil {
		return err
	}
	if attr == nil && mask != 0 {
		return InvalidParam.WithOp("modify: attributes are required with a non-empty mask")
	}
	lk, err := m.acquire(qpn, lockUse)
	if err != nil {
		return err
	}
	defer lk.unlock()
	q := lk.q

	next := cur
	if mask&AttrState != 0 {
		next = attr.State
	}
	fields := append(qpFields(q), logKV("qpn", qpn), logKV("from", cur), logKV("to", next))
	span := m.startSpan("qp.modify", fields...)
	defer func() {
		if err != nil {
			m.stats.transitionFailures.Add(1)
			m.metricTransitionFailed(err, append(qpFields(q), logKV(labelTransition, fmt.Sprintf("%s->%s", cur, next)))...)
			m.logEvent("modify_failed", append(fields, logKV("error", err))...)
		}
		finishSpan(span, err)
	}()

	if !cur.valid() || cur != q.state {
		return InvalidQpState.WithOp(fmt.Sprintf("modify qpn 0x%06x: current state %s, cached %s", qpn, cur, q.state))
	}
	if mask&AttrCap != 0 {
		return Unsupported.WithOp(fmt.Sprintf("modify qpn 0x%06x: queue resize", qpn))
	}
	plan, err := m.transitions.resolve(cur, next, q.hasSRQ)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		spanAddEvent(span, "noop")
		return nil
	}
	return m.apply(ctx, lk, plan, attr, mask, span)
}

// apply issues one MODIFY_QP command per step. Each step that succeeds is
// committed to the cached state before the next one runs.
func (m *Manager) apply(ctx context.Context, lk *qpLock, plan []step, attr *Attr, mask AttrMask, span Span) error {
	q := lk.q
	for _, st := range plan {
		a, msk := attr, mask
		if st.synthesized {
			a, msk = q.synthesizedAttr()
		}
		qpc, opt, t, err := m.translate(q, a, msk, st.trans, q.tracked(), lk.lim)
		if err != nil {
			return err
		}
		if lk.special {
			if err := m.beforeSpecialStep(ctx, q, st); err != nil {
				spanRecordError(span, err)
				return err
			}
		}
		if err := m.cmd.Modify(ctx, q.qpn, st.trans, qpc, opt); err != nil {
			m.metricCommandError(st.trans.String(), err, logKV(labelCategory, categoryOf(q)))
			spanRecordError(span, err)
			return classify(fmt.Sprintf("modify qpn 0x%06x %s", q.qpn, st.trans), err, Fatal)
		}
		q.state = st.to
		q.commit(t)
		if lk.special {
			m.afterSpecialStep(ctx, q, st)
		}
		m.stats.transitions.Add(1)
		m.metricTransitionCompleted(append(qpFields(q), logKV(labelTransition, st.trans.String()))...)
		spanAddEvent(span, st.trans.String(), logKV("opt", uint32(opt)), logKV("synthesized", st.synthesized))
		m.logEvent("transition", logKV("qpn", q.qpn), logKV("transition", st.trans), logKV("state", q.state))
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func categoryOf(q *queuePair) string {
	if q.special != SpecialNone {
		return categorySpecial
	}
	return categoryRegular
}

// Query returns the logical attributes of a QP. A QP in RESET is answered
// from the cache without a hardware command.
func (m *Manager) Query(ctx context.Context, qpn uint32) (res *QueryResult, err error) {
	ctx = ensureContext(ctx)
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	lk, err := m.acquire(qpn, lockUse)
	if err != nil {
		return nil, err
	}
	defer lk.unlock()
	q := lk.q

	span := m.startSpan("qp.query", append(qpFields(q), logKV("qpn", qpn))...)
	defer func() { finishSpan(span, err) }()

	res = &QueryResult{
		QPN:         q.qpn,
		ServiceType: q.service,
		SQSigAll:    q.sqSigAll,
		Suspended:   q.suspended,
		SRQ:         q.srq,
		HasSRQ:      q.hasSRQ,
	}
	switch q.special {
	case SpecialSMI:
		res.QPN = 0
	case SpecialGSI:
		res.QPN = 1
	}

	if q.state == StateReset {
		res.Attr = q.resetAttr()
		return res, nil
	}
	qpc, err := m.cmd.Query(ctx, q.qpn)
	if err != nil {
		m.metricCommandError("query", err, logKV(labelCategory, categoryOf(q)))
		return nil, classify(fmt.Sprintf("query qpn 0x%06x", qpn), err, Fatal)
	}
	attr, err := m.fromHardware(q, qpc)
	if err != nil {
		return nil, err
	}
	if attr.State != q.state {
		m.logEvent("state_refreshed", logKV("qpn", qpn), logKV("cached", q.state), logKV("hardware", attr.State))
		q.state = attr.State
	}
	res.Attr = attr
	return res, nil
}

// Buffer describes the WQE buffer backing a QP.
func (m *Manager) Buffer(qpn uint32) (BufferInfo, error) {
	if err := m.checkOpen(); err != nil {
		return BufferInfo{}, err
	}
	lk, err := m.acquire(qpn, lockUse)
	if err != nil {
		return BufferInfo{}, err
	}
	defer lk.unlock()
	return lk.q.buf.info(), nil
}

// Destroy drives the QP back to RESET, releases its WQE buffer and frees its
// slot. Buffer teardown failures are reported but do not keep the slot; a
// failed transition to RESET leaves the QP in place.
func (m *Manager) Destroy(ctx context.Context, qpn uint32) error {
	ctx = ensureContext(ctx)
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.destroy(ctx, qpn)
}

func (m *Manager) destroy(ctx context.Context, qpn uint32) (err error) {
	lk, err := m.acquire(qpn, lockErase)
	if err != nil {
		return err
	}
	q := lk.q
	fields := qpFields(q)
	span := m.startSpan("qp.destroy", append(fields, logKV("qpn", qpn))...)
	defer func() { finishSpan(span, err) }()

	var first error
	if q.suspended {
		if serr := m.setSuspended(ctx, q, false); serr != nil {
			m.logEvent("resume_failed", logKV("qpn", qpn), logKV("error", serr))
			first = serr
		}
	}

	if q.state != StateReset {
		var plan []step
		if lk.special {
			// Special QPs always pass through ERR so the port close logic
			// sees an ERR to RESET transition.
			if q.state != StateErr {
				plan = append(plan, step{from: q.state, to: StateErr, trans: hw.TransToERR})
			}
			plan = append(plan, step{from: StateErr, to: StateReset, trans: hw.TransToRST})
		} else if plan, err = m.transitions.resolve(q.state, StateReset, q.hasSRQ); err != nil {
			lk.unlock()
			return err
		}
		if err := m.apply(ctx, lk, plan, nil, 0, span); err != nil {
			lk.unlock()
			m.logEvent("destroy_failed", append(fields, logKV("qpn", qpn), logKV("error", err))...)
			return err
		}
	}

	if rerr := m.releaseWQE(ctx, q.buf); rerr != nil && first == nil {
		first = rerr
	}
	q.buf = wqeBuffer{lkey: hw.NoLKey}
	lk.erase()

	m.stats.destroyed.Add(1)
	m.metricQPDestroyed(fields...)
	m.logEvent("qp_destroyed", append(fields, logKV("qpn", qpn))...)
	return first
}

// Suspend suspends or resumes QP processing. Requesting the current
// suspension state is a no-op.
func (m *Manager) Suspend(ctx context.Context, qpn uint32, suspend bool) error {
	ctx = ensureContext(ctx)
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.suspender == nil {
		return Unsupported.WithOp("suspend")
	}
	lk, err := m.acquire(qpn, lockUse)
	if err != nil {
		return err
	}
	defer lk.unlock()
	if lk.q.suspended == suspend {
		return nil
	}
	return m.setSuspended(ctx, lk.q, suspend)
}

// setSuspended runs the hardware suspend and the region suspend in an order
// that keeps the buffer registered while the QP can still touch it, and
// undoes the first step if the second fails.
func (m *Manager) setSuspended(ctx context.Context, q *queuePair, suspend bool) error {
	if m.suspender == nil {
		return Unsupported.WithOp("suspend")
	}
	op := fmt.Sprintf("suspend qpn 0x%06x", q.qpn)
	if !suspend {
		op = fmt.Sprintf("resume qpn 0x%06x", q.qpn)
	}
	hasRegion := q.buf.size != 0

	if suspend {
		if err := m.suspender.Suspend(ctx, q.qpn, true); err != nil {
			m.metricCommandError("suspend", err, logKV(labelCategory, categoryOf(q)))
			return classify(op, err, Fatal)
		}
		if hasRegion {
			if err := m.reg.SuspendRegion(ctx, q.buf.lkey, true); err != nil {
				m.metricCommandError("suspend_region", err, logKV(labelCategory, categoryOf(q)))
				if uerr := m.suspender.Suspend(ctx, q.qpn, false); uerr != nil {
					m.logEvent("rollback_failed", logKV("step", "resume"), logKV("qpn", q.qpn), logKV("error", uerr))
				}
				return classify(op, err, Fatal)
			}
		}
	} else {
		if hasRegion {
			if err := m.reg.SuspendRegion(ctx, q.buf.lkey, false); err != nil {
				m.metricCommandError("resume_region", err, logKV(labelCategory, categoryOf(q)))
				return classify(op, err, Fatal)
			}
		}
		if err := m.suspender.Suspend(ctx, q.qpn, false); err != nil {
			m.metricCommandError("resume", err, logKV(labelCategory, categoryOf(q)))
			if hasRegion {
				if uerr := m.reg.SuspendRegion(ctx, q.buf.lkey, true); uerr != nil {
					m.logEvent("rollback_failed", logKV("step", "suspend_region"), logKV("qpn", q.qpn), logKV("error", uerr))
				}
			}
			return classify(op, err, Fatal)
		}
	}
	q.suspended = suspend
	m.logEvent("suspend", logKV("qpn", q.qpn), logKV("suspended", suspend))
	return nil
}

// Close destroys every remaining QP and rejects further calls. It returns
// the joined destroy failures.
func (m *Manager) Close(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var errs []error
	for _, index := range m.regular.Indices() {
		q, h, err := m.regular.Hold(index)
		if err != nil {
			continue
		}
		qpn := q.qpn
		if err := m.regular.Release(h); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.destroy(ctx, qpn); err != nil {
			errs = append(errs, err)
		}
	}

	m.special.mu.Lock()
	var specials []uint32
	for _, slots := range m.special.slots {
		for _, q := range slots {
			if q != nil {
				specials = append(specials, q.qpn)
			}
		}
	}
	m.special.mu.Unlock()
	for _, qpn := range specials {
		if err := m.destroy(ctx, qpn); err != nil {
			errs = append(errs, err)
		}
	}
	m.logEvent("manager_closed", logKV("errors", len(errs)))
	return errors.Join(errs...)
}
