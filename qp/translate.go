package qp

import (
	"fmt"
	"math/bits"

	"github.com/rocketbitz/hcaqp-go/hw"
)

const (
	psnMask = 0xFFFFFF
	// log2 of the largest message the hardware accepts.
	msgMaxLog2 = 31
)

// legalOptParams lists the optional parameters each MODIFY_QP command may
// carry. Bits outside the set are dropped before submission.
var legalOptParams = map[hw.Transition]hw.OptParam{
	hw.TransRST2INIT:  0,
	hw.TransINIT2INIT: hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptPkeyIndex | hw.OptPort | hw.OptQKey,
	hw.TransINIT2RTR:  hw.OptAltPath | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptPkeyIndex | hw.OptQKey,
	hw.TransRTR2RTS:   hw.OptAltPath | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptPMState | hw.OptMinRNRNak | hw.OptQKey,
	hw.TransRTS2RTS:   hw.OptAltPath | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptPMState | hw.OptMinRNRNak | hw.OptQKey,
	hw.TransSQERR2RTS: hw.OptMinRNRNak | hw.OptQKey | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptSRAMax | hw.OptRRAMax,
	hw.TransSQD2RTS: hw.OptMinRNRNak | hw.OptQKey | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptSRAMax |
		hw.OptRRAMax | hw.OptAltPath | hw.OptPMState,
	hw.TransRTS2SQD: 0,
	hw.TransSQD2SQD: hw.OptAltPath | hw.OptRRE | hw.OptRWE | hw.OptRAE | hw.OptPkeyIndex | hw.OptQKey |
		hw.OptMinRNRNak | hw.OptPrimaryPath | hw.OptSRAMax | hw.OptRRAMax | hw.OptPMState | hw.OptPort |
		hw.OptRetryCount | hw.OptRNRRetry | hw.OptAckTimeout | hw.OptSchedQueue,
	hw.TransToERR: 0,
	hw.TransToRST: 0,
}

// tracked holds accepted attributes the hardware context does not echo back
// and later transitions need. It is committed to the QP only after the
// command carrying it succeeds.
type tracked struct {
	access       AccessFlags
	rdAtomic     uint8
	destRdAtomic uint8
	// remoteMasked is set by an explicit zero target depth and holds remote
	// read and atomic off until a resume to RTS raises the depth again.
	remoteMasked bool
	port         uint8
	pkeyIndex    uint16
	qkey         uint32
	altLoaded    bool
}

func (q *queuePair) tracked() tracked {
	return tracked{
		access:       q.access,
		rdAtomic:     q.rdAtomic,
		destRdAtomic: q.destRdAtomic,
		remoteMasked: q.remoteMasked,
		port:         q.port,
		pkeyIndex:    q.pkeyIndex,
		qkey:         q.qkey,
		altLoaded:    q.altLoaded,
	}
}

func (q *queuePair) commit(t tracked) {
	q.access = t.access
	q.rdAtomic = t.rdAtomic
	q.destRdAtomic = t.destRdAtomic
	q.remoteMasked = t.remoteMasked
	q.port = t.port
	q.pkeyIndex = t.pkeyIndex
	q.qkey = t.qkey
	q.altLoaded = t.altLoaded
}

// synthesizedAttr returns the attributes used for the implicit RESET to
// INIT step of a RESET to ERR modify.
func (q *queuePair) synthesizedAttr() (*Attr, AttrMask) {
	attr := &Attr{
		Port:        q.port,
		PkeyIndex:   q.pkeyIndex,
		QKey:        q.qkey,
		AccessFlags: q.access,
	}
	return attr, AttrPort | AttrPkeyIndex | AttrQKey | AttrAccessFlags
}

func (s ServiceType) hardware() hw.ServiceType {
	switch s {
	case ServiceUC:
		return hw.ServiceUC
	case ServiceUD:
		return hw.ServiceUD
	case ServiceMLX:
		return hw.ServiceMLX
	default:
		return hw.ServiceRC
	}
}

func (s ServiceType) datagram() bool {
	return s == ServiceUD || s == ServiceMLX
}

// carriesDepth reports whether trans hands the read/atomic depth selected by
// bit to the hardware, either as an optional parameter or as part of the
// context the transition requires.
func carriesDepth(trans hw.Transition, bit hw.OptParam) bool {
	switch {
	case bit == hw.OptRRAMax && trans == hw.TransINIT2RTR:
		return true
	case bit == hw.OptSRAMax && trans == hw.TransRTR2RTS:
		return true
	}
	return legalOptParams[trans]&bit != 0
}

// log2Ceil returns the smallest e with 1<<e >= n; zero for n <= 1.
func log2Ceil(n uint8) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len8(n - 1))
}

func schedQueue(port, sl uint8) uint8 {
	return (port-1)<<6 | (sl&0xf)<<2
}

// translate builds the hardware context and optional parameter mask for one
// MODIFY_QP command. It never modifies q; the returned tracked values are
// committed by the caller once the command succeeds.
func (m *Manager) translate(q *queuePair, attr *Attr, mask AttrMask, trans hw.Transition, in tracked, lim mirrorLimits) (*hw.QPContext, hw.OptParam, tracked, error) {
	t := in
	op := fmt.Sprintf("translate %s", trans)
	if attr == nil {
		attr = &Attr{}
	}
	if mask&AttrCap != 0 {
		return nil, 0, in, Unsupported.WithOp(op + ": queue resize")
	}

	qpc := &hw.QPContext{
		State:       trans.Target(),
		ServiceType: q.service.hardware(),
		PMState:     hw.PathMigMigrated,
		MsgMax:      msgMaxLog2,
		PD:          q.pd,
		SendCQ:      q.sendCQ,
		RecvCQ:      q.recvCQ,
		SRQ:         q.srq,
		SRQEnable:   q.hasSRQ,
		LocalQPN:    q.qpn,
		SendSigAll:  q.sqSigAll,
		WQELKey:     q.buf.lkey,
		WQEBase:     q.buf.virt,
	}
	var opt hw.OptParam

	if q.special != SpecialNone {
		t.port = q.port
	} else if mask&AttrPort != 0 {
		if attr.Port == 0 || attr.Port > m.cfg.NumPorts {
			return nil, 0, in, InvalidParam.WithOp(fmt.Sprintf("%s: port %d", op, attr.Port))
		}
		t.port = attr.Port
		opt |= hw.OptPort
	} else if trans == hw.TransRST2INIT {
		return nil, 0, in, InvalidParam.WithOp(op + ": port is required")
	}

	if mask&AttrPkeyIndex != 0 {
		if err := lim.checkPkeyIndex(t.port, attr.PkeyIndex); err != nil {
			return nil, 0, in, fmt.Errorf("%s: %w", op, err)
		}
		t.pkeyIndex = attr.PkeyIndex
		opt |= hw.OptPkeyIndex
	}
	if mask&AttrQKey != 0 {
		t.qkey = attr.QKey
		opt |= hw.OptQKey
	}
	if mask&AttrAccessFlags != 0 && !q.service.datagram() {
		t.access = attr.AccessFlags & (AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic)
		opt |= hw.OptRRE | hw.OptRWE | hw.OptRAE
	}

	sl := uint8(0)
	if mask&AttrAV != 0 {
		if err := fillPath(&qpc.Primary, attr.AV, t.port, lim); err != nil {
			return nil, 0, in, fmt.Errorf("%s: %w", op, err)
		}
		sl = attr.AV.SL
		opt |= hw.OptPrimaryPath
	}
	qpc.Primary.Port = t.port
	qpc.Primary.PkeyIndex = t.pkeyIndex
	qpc.QKey = t.qkey

	if mask&AttrSchedQueue != 0 {
		qpc.SchedQueue = attr.SchedQueue
		opt |= hw.OptSchedQueue
	} else {
		qpc.SchedQueue = schedQueue(t.port, sl)
		if mask&AttrAV != 0 {
			opt |= hw.OptSchedQueue
		}
	}

	if mask&AttrTimeout != 0 {
		qpc.Primary.AckTimeout = attr.Timeout
		opt |= hw.OptAckTimeout
	}
	if mask&AttrRetryCount != 0 {
		qpc.RetryCount = attr.RetryCount
		opt |= hw.OptRetryCount
	}
	if mask&AttrRNRRetry != 0 {
		qpc.RNRRetry = attr.RNRRetry
		opt |= hw.OptRNRRetry
	}
	if mask&AttrMinRNRTimer != 0 {
		qpc.MinRNRNak = attr.MinRNRTimer
		opt |= hw.OptMinRNRNak
	}
	if mask&AttrRQPSN != 0 {
		qpc.NextRecvPSN = attr.RQPSN & psnMask
	}
	if mask&AttrSQPSN != 0 {
		qpc.NextSendPSN = attr.SQPSN & psnMask
	}
	if mask&AttrDestQPN != 0 {
		qpc.RemoteQPN = attr.DestQPN & qpnMask
	}
	if mask&AttrEnSQDAsyncNotify != 0 {
		qpc.SQDEvent = attr.EnSQDAsyncNotify
	}
	qpc.SQDraining = attr.SQDraining && trans == hw.TransRTS2SQD

	if q.service.datagram() {
		qpc.MTU = uint8(m.cfg.MaxMTU)
	} else if mask&AttrPathMTU != 0 {
		if attr.PathMTU.Bytes() == 0 || attr.PathMTU > m.cfg.MaxMTU {
			return nil, 0, in, InvalidParam.WithOp(fmt.Sprintf("%s: path MTU code %d", op, attr.PathMTU))
		}
		qpc.MTU = uint8(attr.PathMTU)
	}

	if trans == hw.TransINIT2RTR && !q.service.datagram() {
		const required = AttrPathMTU | AttrAV | AttrDestQPN | AttrRQPSN
		if mask&required != required {
			return nil, 0, in, InvalidParam.WithOp(op + ": path MTU, address vector, destination QPN and receive PSN are required")
		}
	}
	if trans == hw.TransRTR2RTS && mask&AttrSQPSN == 0 {
		return nil, 0, in, InvalidParam.WithOp(op + ": send PSN is required")
	}

	if mask&AttrMaxRdAtomic != 0 {
		if limit := 1 << m.cfg.Log2MaxRdAtomicInitiator; int(attr.MaxRdAtomic) > limit {
			return nil, 0, in, InvalidParam.WithOp(fmt.Sprintf("%s: max read/atomic %d exceeds %d", op, attr.MaxRdAtomic, limit))
		}
		if carriesDepth(trans, hw.OptSRAMax) {
			t.rdAtomic = attr.MaxRdAtomic
			opt |= hw.OptSRAMax
		}
	}
	if mask&AttrMaxDestRdAtomic != 0 {
		if limit := 1 << m.cfg.Log2MaxRdAtomicTarget; int(attr.MaxDestRdAtomic) > limit {
			return nil, 0, in, InvalidParam.WithOp(fmt.Sprintf("%s: max destination read/atomic %d exceeds %d", op, attr.MaxDestRdAtomic, limit))
		}
		if carriesDepth(trans, hw.OptRRAMax) {
			switch {
			case attr.MaxDestRdAtomic == 0:
				t.remoteMasked = true
			case trans == hw.TransSQERR2RTS || trans == hw.TransSQD2RTS:
				t.remoteMasked = false
			}
			t.destRdAtomic = attr.MaxDestRdAtomic
			opt |= hw.OptRRAMax | hw.OptRRE | hw.OptRWE | hw.OptRAE
		}
	}
	qpc.SRE = t.rdAtomic > 0
	qpc.SAE = t.rdAtomic > 0
	qpc.SRAMax = log2Ceil(t.rdAtomic)
	qpc.RRAMax = log2Ceil(t.destRdAtomic)

	remote := t.access
	if t.destRdAtomic == 0 || t.remoteMasked {
		remote &^= AccessRemoteRead | AccessRemoteAtomic
	}
	if !q.service.datagram() {
		qpc.RWE = remote&AccessRemoteWrite != 0
		qpc.RRE = remote&AccessRemoteRead != 0
		qpc.RAE = remote&AccessRemoteAtomic != 0
	}

	if mask&AttrAltPath != 0 {
		port := attr.AltPort
		if q.special != SpecialNone {
			port = q.port
		}
		if port == 0 || port > m.cfg.NumPorts {
			return nil, 0, in, InvalidParam.WithOp(fmt.Sprintf("%s: alternate port %d", op, port))
		}
		if err := lim.checkPkeyIndex(port, attr.AltPkeyIndex); err != nil {
			return nil, 0, in, fmt.Errorf("%s: alternate path: %w", op, err)
		}
		if err := fillPath(&qpc.Alt, attr.AltAV, port, lim); err != nil {
			return nil, 0, in, fmt.Errorf("%s: alternate path: %w", op, err)
		}
		qpc.Alt.Port = port
		qpc.Alt.PkeyIndex = attr.AltPkeyIndex
		qpc.Alt.AckTimeout = attr.AltTimeout
		t.altLoaded = true
		opt |= hw.OptAltPath
	}

	if mask&AttrPathMigState != 0 {
		switch attr.PathMigState {
		case PathMigMigrated:
			qpc.PMState = hw.PathMigMigrated
		case PathMigRearm:
			if !t.altLoaded {
				return nil, 0, in, InvalidMigrationState.WithOp(op + ": rearm without an alternate path")
			}
			qpc.PMState = hw.PathMigRearm
		default:
			return nil, 0, in, InvalidMigrationState.WithOp(fmt.Sprintf("%s: migration state %d", op, attr.PathMigState))
		}
		opt |= hw.OptPMState
	}

	return qpc, opt & legalOptParams[trans], t, nil
}

func fillPath(path *hw.AddressPath, av AddressVector, port uint8, lim mirrorLimits) error {
	path.RemoteLID = av.DLID
	path.SL = av.SL & 0xf
	path.SrcPathBits = av.SrcPathBits & 0x7f
	path.StaticRate = av.StaticRate
	if av.GRH == nil {
		return nil
	}
	if err := lim.checkGIDIndex(port, av.GRH.SGIDIndex); err != nil {
		return err
	}
	path.GRH = true
	path.GIDIndex = av.GRH.SGIDIndex
	path.HopLimit = av.GRH.HopLimit
	path.TrafficClass = av.GRH.TrafficClass
	path.FlowLabel = av.GRH.FlowLabel & 0xFFFFF
	path.RemoteGID = av.GRH.DGID
	return nil
}

func pathFromHardware(path hw.AddressPath) AddressVector {
	av := AddressVector{
		DLID:        path.RemoteLID,
		SL:          path.SL,
		SrcPathBits: path.SrcPathBits,
		StaticRate:  path.StaticRate,
	}
	if path.GRH {
		av.GRH = &GlobalRoute{
			DGID:         path.RemoteGID,
			FlowLabel:    path.FlowLabel,
			SGIDIndex:    path.GIDIndex,
			HopLimit:     path.HopLimit,
			TrafficClass: path.TrafficClass,
		}
	}
	return av
}

// fromHardware converts a queried hardware context back into logical
// attributes, overlaying the values only the QP itself tracks.
func (m *Manager) fromHardware(q *queuePair, qpc *hw.QPContext) (Attr, error) {
	state, err := stateFromHardware(qpc.State)
	if err != nil {
		return Attr{}, err
	}
	attr := Attr{
		State:            state,
		PathMTU:          MTU(qpc.MTU),
		QKey:             qpc.QKey,
		RQPSN:            qpc.NextRecvPSN & psnMask,
		SQPSN:            qpc.NextSendPSN & psnMask,
		DestQPN:          qpc.RemoteQPN & qpnMask,
		Cap:              q.caps,
		AV:               pathFromHardware(qpc.Primary),
		AltAV:            pathFromHardware(qpc.Alt),
		PkeyIndex:        qpc.Primary.PkeyIndex,
		AltPkeyIndex:     qpc.Alt.PkeyIndex,
		EnSQDAsyncNotify: qpc.SQDEvent,
		SQDraining:       qpc.SQDraining,
		MaxRdAtomic:      q.rdAtomic,
		MaxDestRdAtomic:  q.destRdAtomic,
		MinRNRTimer:      qpc.MinRNRNak,
		Port:             qpc.Primary.Port,
		Timeout:          qpc.Primary.AckTimeout,
		RetryCount:       qpc.RetryCount,
		RNRRetry:         qpc.RNRRetry,
		AltPort:          qpc.Alt.Port,
		AltTimeout:       qpc.Alt.AckTimeout,
		SchedQueue:       qpc.SchedQueue,
	}
	switch qpc.PMState {
	case hw.PathMigArmed:
		attr.PathMigState = PathMigArmed
	case hw.PathMigRearm:
		attr.PathMigState = PathMigRearm
	default:
		attr.PathMigState = PathMigMigrated
	}
	if qpc.RWE {
		attr.AccessFlags |= AccessRemoteWrite
	}
	if qpc.RRE {
		attr.AccessFlags |= AccessRemoteRead
	}
	if qpc.RAE {
		attr.AccessFlags |= AccessRemoteAtomic
	}
	return attr, nil
}

// resetAttr synthesizes the attributes of a QP in RESET without asking the
// hardware.
func (q *queuePair) resetAttr() Attr {
	return Attr{
		State:           StateReset,
		PathMigState:    PathMigMigrated,
		Cap:             q.caps,
		Port:            q.port,
		PkeyIndex:       q.pkeyIndex,
		QKey:            q.qkey,
		AccessFlags:     q.access,
		MaxRdAtomic:     q.rdAtomic,
		MaxDestRdAtomic: q.destRdAtomic,
	}
}
