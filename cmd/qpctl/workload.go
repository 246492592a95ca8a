package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rocketbitz/hcaqp-go/qp"
)

const (
	workloadPD   = 1
	workloadQKey = 0x11111111
	gsiQKey      = 0x80010000
)

func workloadInit(svc qp.ServiceType) qp.InitAttr {
	return qp.InitAttr{
		PD:          workloadPD,
		SendCQ:      1,
		RecvCQ:      2,
		ServiceType: svc,
		Cap:         qp.Caps{MaxSendWR: 64, MaxRecvWR: 64, MaxSendSGE: 2, MaxRecvSGE: 2},
	}
}

// connect walks a fresh QP from RESET to RTS. Connected services are aimed
// at peer; UD ignores it.
func connect(ctx context.Context, m *qp.Manager, qpn uint32, svc qp.ServiceType, peer uint32, psn uint32) error {
	init := &qp.Attr{State: qp.StateInit, Port: 1, QKey: workloadQKey}
	initMask := qp.AttrState | qp.AttrPort | qp.AttrPkeyIndex
	if svc == qp.ServiceUD {
		initMask |= qp.AttrQKey
	} else {
		init.AccessFlags = qp.AccessRemoteWrite | qp.AccessRemoteRead
		initMask |= qp.AttrAccessFlags
	}
	if err := m.Modify(ctx, qpn, qp.StateReset, init, initMask); err != nil {
		return err
	}

	rtr := &qp.Attr{State: qp.StateRTR}
	rtrMask := qp.AttrState
	if svc != qp.ServiceUD {
		rtr.PathMTU = qp.MTU1024
		rtr.AV = qp.AddressVector{DLID: uint16(peer & 0xFFFF)}
		rtr.DestQPN = peer
		rtr.RQPSN = psn
		rtrMask |= qp.AttrPathMTU | qp.AttrAV | qp.AttrDestQPN | qp.AttrRQPSN
		if svc == qp.ServiceRC {
			rtr.MaxDestRdAtomic = 4
			rtr.MinRNRTimer = 12
			rtrMask |= qp.AttrMaxDestRdAtomic | qp.AttrMinRNRTimer
		}
	}
	if err := m.Modify(ctx, qpn, qp.StateInit, rtr, rtrMask); err != nil {
		return err
	}

	rts := &qp.Attr{State: qp.StateRTS, SQPSN: psn}
	rtsMask := qp.AttrState | qp.AttrSQPSN
	if svc == qp.ServiceRC {
		rts.Timeout = 14
		rts.RetryCount = 7
		rts.RNRRetry = 7
		rts.MaxRdAtomic = 4
		rtsMask |= qp.AttrTimeout | qp.AttrRetryCount | qp.AttrRNRRetry | qp.AttrMaxRdAtomic
	}
	return m.Modify(ctx, qpn, qp.StateRTR, rts, rtsMask)
}

// runScenario brings up the GSI QP of port 1 and a connected RC pair, then
// drains, suspends and tears everything down, reporting each step to out.
func runScenario(ctx context.Context, m *qp.Manager, out io.Writer) error {
	gsi, err := m.Create(ctx, qp.InitAttr{
		PD:      workloadPD,
		SendCQ:  1,
		RecvCQ:  2,
		Special: qp.SpecialGSI,
		Port:    1,
		Cap:     qp.Caps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1},
	}, qp.UserResources{})
	if err != nil {
		return fmt.Errorf("create gsi: %w", err)
	}
	steps := []struct {
		cur  qp.State
		attr *qp.Attr
		mask qp.AttrMask
	}{
		{qp.StateReset, &qp.Attr{State: qp.StateInit, QKey: gsiQKey}, qp.AttrState | qp.AttrPkeyIndex | qp.AttrQKey},
		{qp.StateInit, &qp.Attr{State: qp.StateRTR}, qp.AttrState},
		{qp.StateRTR, &qp.Attr{State: qp.StateRTS}, qp.AttrState | qp.AttrSQPSN},
	}
	for _, st := range steps {
		if err := m.Modify(ctx, gsi, st.cur, st.attr, st.mask); err != nil {
			return fmt.Errorf("gsi %s->%s: %w", st.cur, st.attr.State, err)
		}
	}
	active, err := m.PortActive(1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "gsi qpn=0x%06x state=%s port1_active=%t\n", gsi, qp.StateRTS, active)

	var pair [2]uint32
	for i := range pair {
		if pair[i], err = m.Create(ctx, workloadInit(qp.ServiceRC), qp.UserResources{WQEBufSize: 8192}); err != nil {
			return fmt.Errorf("create rc: %w", err)
		}
	}
	for i, qpn := range pair {
		if err := connect(ctx, m, qpn, qp.ServiceRC, pair[1-i], uint32(100*(i+1))); err != nil {
			return fmt.Errorf("connect 0x%06x: %w", qpn, err)
		}
	}
	for _, qpn := range pair {
		res, err := m.Query(ctx, qpn)
		if err != nil {
			return fmt.Errorf("query 0x%06x: %w", qpn, err)
		}
		buf, err := m.Buffer(qpn)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rc qpn=0x%06x state=%s sq_psn=%d wqe=0x%x+%d\n",
			qpn, res.Attr.State, res.Attr.SQPSN, buf.Virt, buf.Size)
	}

	if err := m.Modify(ctx, pair[0], qp.StateRTS, &qp.Attr{State: qp.StateSQD, EnSQDAsyncNotify: true}, qp.AttrState|qp.AttrEnSQDAsyncNotify); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if err := m.Modify(ctx, pair[0], qp.StateSQD, &qp.Attr{State: qp.StateRTS}, qp.AttrState); err != nil {
		return fmt.Errorf("resume send queue: %w", err)
	}
	fmt.Fprintf(out, "rc qpn=0x%06x drained and resumed\n", pair[0])

	if err := m.Suspend(ctx, pair[1], true); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	res, err := m.Query(ctx, pair[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rc qpn=0x%06x suspended=%t\n", pair[1], res.Suspended)
	if err := m.Suspend(ctx, pair[1], false); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	for _, qpn := range append(pair[:], gsi) {
		if err := m.Destroy(ctx, qpn); err != nil {
			return fmt.Errorf("destroy 0x%06x: %w", qpn, err)
		}
	}
	if active, err = m.PortActive(1); err != nil {
		return err
	}
	fmt.Fprintf(out, "destroyed all qps port1_active=%t\n", active)
	return nil
}

// cycle runs one create, connect, query and destroy round on a QP of svc.
func cycle(ctx context.Context, m *qp.Manager, svc qp.ServiceType, bufSize uint64, psn uint32) error {
	qpn, err := m.Create(ctx, workloadInit(svc), qp.UserResources{WQEBufSize: bufSize})
	if err != nil {
		return err
	}
	if err := connect(ctx, m, qpn, svc, qpn, psn); err != nil {
		_ = m.Destroy(ctx, qpn)
		return err
	}
	if _, err := m.Query(ctx, qpn); err != nil {
		_ = m.Destroy(ctx, qpn)
		return err
	}
	return m.Destroy(ctx, qpn)
}
