package qp

import (
	"fmt"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// State is the logical QP state.
type State int

const (
	StateReset State = iota
	StateInit
	StateRTR
	StateRTS
	StateSQD
	StateSQE
	StateErr

	numStates = int(StateErr) + 1
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateInit:
		return "init"
	case StateRTR:
		return "rtr"
	case StateRTS:
		return "rts"
	case StateSQD:
		return "sqd"
	case StateSQE:
		return "sqe"
	case StateErr:
		return "err"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) valid() bool {
	return s >= StateReset && s <= StateErr
}

// ServiceType is the transport service negotiated for a QP.
type ServiceType int

const (
	ServiceRC ServiceType = iota
	ServiceUC
	ServiceUD
	// ServiceMLX is the management service used by special QPs only.
	ServiceMLX
)

func (s ServiceType) String() string {
	switch s {
	case ServiceRC:
		return "rc"
	case ServiceUC:
		return "uc"
	case ServiceUD:
		return "ud"
	case ServiceMLX:
		return "mlx"
	default:
		return fmt.Sprintf("service(%d)", int(s))
	}
}

// Special selects a special QP when creating management QPs.
type Special int

const (
	SpecialNone Special = iota
	SpecialSMI
	SpecialGSI
)

func (s Special) String() string {
	switch s {
	case SpecialNone:
		return "none"
	case SpecialSMI:
		return "smi"
	case SpecialGSI:
		return "gsi"
	default:
		return fmt.Sprintf("special(%d)", int(s))
	}
}

func (s Special) hwType() hw.SpecialType {
	if s == SpecialGSI {
		return hw.SpecialGSI
	}
	return hw.SpecialSMI
}

// AccessFlags are the remote access permissions of a QP.
type AccessFlags uint32

const (
	AccessRemoteWrite AccessFlags = 1 << iota
	AccessRemoteRead
	AccessRemoteAtomic
)

// MTU is a path MTU in its log2 encoding.
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Bytes returns the MTU size in bytes, or 0 for an illegal encoding.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << m
}

// PathMigState is the automatic path migration state.
type PathMigState int

const (
	PathMigMigrated PathMigState = iota
	PathMigRearm
	PathMigArmed
)

// GlobalRoute carries GRH fields of an address vector.
type GlobalRoute struct {
	DGID         hw.GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AddressVector describes a primary or alternate path.
type AddressVector struct {
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	GRH         *GlobalRoute
}

// Caps is the capability snapshot of a QP.
type Caps struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// AttrMask selects the Attr fields a Modify applies.
type AttrMask uint32

const (
	AttrState AttrMask = 1 << iota
	AttrEnSQDAsyncNotify
	AttrAccessFlags
	AttrPkeyIndex
	AttrPort
	AttrQKey
	AttrAV
	AttrPathMTU
	AttrTimeout
	AttrRetryCount
	AttrRNRRetry
	AttrRQPSN
	AttrMaxRdAtomic
	AttrAltPath
	AttrMinRNRTimer
	AttrSQPSN
	AttrMaxDestRdAtomic
	AttrPathMigState
	AttrCap
	AttrDestQPN
	AttrSchedQueue
)

// Attr is the logical attribute set of a QP.
type Attr struct {
	State            State
	PathMTU          MTU
	PathMigState     PathMigState
	QKey             uint32
	RQPSN            uint32
	SQPSN            uint32
	DestQPN          uint32
	AccessFlags      AccessFlags
	Cap              Caps
	AV               AddressVector
	AltAV            AddressVector
	PkeyIndex        uint16
	AltPkeyIndex     uint16
	EnSQDAsyncNotify bool
	SQDraining       bool
	// MaxRdAtomic is the outstanding RDMA read/atomic depth as initiator.
	MaxRdAtomic uint8
	// MaxDestRdAtomic is the outstanding RDMA read/atomic depth as target.
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	Port            uint8
	Timeout         uint8
	RetryCount      uint8
	RNRRetry        uint8
	AltPort         uint8
	AltTimeout      uint8
	SchedQueue      uint8
}

// InitAttr describes a QP to create.
type InitAttr struct {
	PD          uint32
	SendCQ      uint32
	RecvCQ      uint32
	SRQ         uint32
	HasSRQ      bool
	ServiceType ServiceType
	Cap         Caps
	SQSigAll    bool
	// Special selects a special QP; Port is then the QP's fixed port.
	Special Special
	// Port is used for the synthesized RESET to INIT step of a RESET to ERR
	// modify, and is the fixed port of a special QP. Defaults to 1.
	Port uint8
	// PkeyIndex and QKey are captured for the synthesized RESET to INIT step.
	PkeyIndex uint16
	QKey      uint32
}

// UserResources carries the caller-provided WQE buffer, if any.
type UserResources struct {
	// WQEBuf is the caller's buffer address; zero asks the manager to
	// allocate WQEBufSize bytes itself.
	WQEBuf     uint64
	WQEBufSize uint64
}

// QueryResult is returned by Query.
type QueryResult struct {
	// QPN is the QP number as seen by consumers: 0 and 1 for special QPs.
	QPN         uint32
	Attr        Attr
	ServiceType ServiceType
	SQSigAll    bool
	Suspended   bool
	SRQ         uint32
	HasSRQ      bool
}

// BufferInfo describes the WQE buffer backing a QP.
type BufferInfo struct {
	Virt  uint64
	Size  uint64
	LKey  hw.LKey
	Phys  hw.PhysAddr
	Owned bool
}
