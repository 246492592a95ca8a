// Package hw defines the hardware boundary of the QP manager: the
// hardware-shaped QP context, the per-transition optional parameter mask,
// command completion statuses, and the collaborator contracts the manager
// consumes (command interface, physical allocator, memory registration and
// protection-context resolution).
package hw

import "fmt"

// LKey is a local access key produced by memory registration.
type LKey uint32

// NoLKey marks a QP that has no WQE buffer registered.
const NoLKey LKey = 0xFFFFFFFF

// PhysAddr is an opaque physical address handed out by a PhysAllocator.
type PhysAddr uint64

// GID is a 128-bit global identifier.
type GID [16]byte

// QPState is the hardware encoding of a QP state inside the QP context.
type QPState uint8

const (
	QPStateReset QPState = 0
	QPStateInit  QPState = 1
	QPStateRTR   QPState = 2
	QPStateRTS   QPState = 3
	QPStateSQE   QPState = 4
	QPStateSQD   QPState = 5
	QPStateErr   QPState = 6
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "rst"
	case QPStateInit:
		return "init"
	case QPStateRTR:
		return "rtr"
	case QPStateRTS:
		return "rts"
	case QPStateSQE:
		return "sqe"
	case QPStateSQD:
		return "sqd"
	case QPStateErr:
		return "err"
	default:
		return fmt.Sprintf("qpstate(%d)", uint8(s))
	}
}

// ServiceType is the transport service encoded in the QP context.
type ServiceType uint8

const (
	ServiceRC  ServiceType = 0x0
	ServiceUC  ServiceType = 0x1
	ServiceUD  ServiceType = 0x3
	ServiceMLX ServiceType = 0x7
)

// PathMigState is the hardware path migration state.
type PathMigState uint8

const (
	PathMigMigrated PathMigState = 0x3
	PathMigArmed    PathMigState = 0x0
	PathMigRearm    PathMigState = 0x1
)

// Transition identifies a hardware MODIFY_QP command.
type Transition uint8

const (
	TransitionNone Transition = iota
	TransRST2INIT
	TransINIT2INIT
	TransINIT2RTR
	TransRTR2RTS
	TransRTS2RTS
	TransSQERR2RTS
	TransToERR
	TransRTS2SQD
	TransSQD2SQD
	TransSQD2RTS
	TransToRST
)

var transitionNames = [...]string{
	TransitionNone: "none",
	TransRST2INIT:  "rst2init",
	TransINIT2INIT: "init2init",
	TransINIT2RTR:  "init2rtr",
	TransRTR2RTS:   "rtr2rts",
	TransRTS2RTS:   "rts2rts",
	TransSQERR2RTS: "sqerr2rts",
	TransToERR:     "2err",
	TransRTS2SQD:   "rts2sqd",
	TransSQD2SQD:   "sqd2sqd",
	TransSQD2RTS:   "sqd2rts",
	TransToRST:     "2rst",
}

func (t Transition) String() string {
	if int(t) < len(transitionNames) {
		return transitionNames[t]
	}
	return fmt.Sprintf("transition(%d)", uint8(t))
}

// Target reports the hardware state a transition leaves the QP in.
func (t Transition) Target() QPState {
	switch t {
	case TransRST2INIT, TransINIT2INIT:
		return QPStateInit
	case TransINIT2RTR:
		return QPStateRTR
	case TransRTR2RTS, TransRTS2RTS, TransSQERR2RTS, TransSQD2RTS:
		return QPStateRTS
	case TransRTS2SQD, TransSQD2SQD:
		return QPStateSQD
	case TransToERR:
		return QPStateErr
	default:
		return QPStateReset
	}
}

// OptParam is the optional-parameter mask submitted with a MODIFY_QP command.
type OptParam uint32

const (
	OptAltPath OptParam = 1 << iota
	OptRRE
	OptRAE
	OptRWE
	OptPkeyIndex
	OptQKey
	OptMinRNRNak
	OptPrimaryPath
	OptSRAMax
	OptRRAMax
	OptPMState
	OptPort
	OptRetryCount
	OptRNRRetry
	OptAckTimeout
	OptSchedQueue
)

// SpecialType selects one of the two special QPs of a port.
type SpecialType uint8

const (
	SpecialSMI SpecialType = 0
	SpecialGSI SpecialType = 1
)

func (s SpecialType) String() string {
	switch s {
	case SpecialSMI:
		return "smi"
	case SpecialGSI:
		return "gsi"
	default:
		return fmt.Sprintf("special(%d)", uint8(s))
	}
}

// AddressPath is the hardware address path (primary or alternate).
type AddressPath struct {
	PkeyIndex    uint16
	Port         uint8
	RemoteLID    uint16
	SrcPathBits  uint8
	StaticRate   uint8
	GRH          bool
	GIDIndex     uint8
	HopLimit     uint8
	TrafficClass uint8
	FlowLabel    uint32
	RemoteGID    GID
	SL           uint8
	AckTimeout   uint8
}

// QPContext is the hardware QP context exchanged with the command
// interface. Field names follow the hardware layout; the QP manager fills
// it only from its attribute translator.
type QPContext struct {
	State       QPState
	ServiceType ServiceType
	PMState     PathMigState
	SQDEvent    bool
	MTU         uint8
	MsgMax      uint8

	// Remote read / write / atomic enables (target side).
	RRE bool
	RWE bool
	RAE bool
	// Send read / atomic enables (initiator side).
	SRE bool
	SAE bool
	// Log2 of outstanding read/atomic as initiator and as target.
	SRAMax uint8
	RRAMax uint8

	PD        uint32
	SendCQ    uint32
	RecvCQ    uint32
	SRQ       uint32
	SRQEnable bool
	LocalQPN  uint32
	RemoteQPN uint32
	QKey      uint32

	Primary AddressPath
	Alt     AddressPath

	NextSendPSN uint32
	NextRecvPSN uint32
	MinRNRNak   uint8
	RetryCount  uint8
	RNRRetry    uint8
	SchedQueue  uint8

	SendSigAll bool
	WQELKey    LKey
	WQEBase    uint64
	SQDraining bool
}

// PortProps is passed to ActivatePort when a special QP brings a port up.
type PortProps struct {
	MaxMTU    uint8
	VLCap     uint8
	MaxGID    uint16
	MaxPkey   uint16
	PortWidth uint8
}
