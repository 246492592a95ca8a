package qp

import (
	"fmt"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// transCompound marks RESET to ERR, which the hardware cannot perform in
// one command.
const transCompound = hw.Transition(0xff)

type transitionTable [numStates][numStates]hw.Transition

func newTransitionTable() transitionTable {
	var t transitionTable
	t[StateReset][StateInit] = hw.TransRST2INIT
	t[StateReset][StateErr] = transCompound
	t[StateReset][StateReset] = hw.TransToRST

	t[StateInit][StateInit] = hw.TransINIT2INIT
	t[StateInit][StateRTR] = hw.TransINIT2RTR

	t[StateRTR][StateRTS] = hw.TransRTR2RTS

	t[StateRTS][StateRTS] = hw.TransRTS2RTS
	t[StateRTS][StateSQD] = hw.TransRTS2SQD

	t[StateSQD][StateSQD] = hw.TransSQD2SQD
	t[StateSQD][StateRTS] = hw.TransSQD2RTS

	t[StateSQE][StateRTS] = hw.TransSQERR2RTS

	for s := StateInit; s <= StateErr; s++ {
		t[s][StateErr] = hw.TransToERR
		t[s][StateReset] = hw.TransToRST
	}
	return t
}

// step is one hardware command of a resolved modify.
type step struct {
	from  State
	to    State
	trans hw.Transition
	// synthesized steps use the attributes captured at create time instead
	// of the caller's.
	synthesized bool
}

// resolve expands (cur, next) into the hardware commands to issue. An empty
// plan with a nil error is the RESET to RESET no-op.
func (t *transitionTable) resolve(cur, next State, hasSRQ bool) ([]step, error) {
	if !cur.valid() || !next.valid() {
		return nil, InvalidQpState.WithOp(fmt.Sprintf("transition %s->%s", cur, next))
	}
	trans := t[cur][next]
	if trans == hw.TransitionNone {
		return nil, InvalidQpState.WithOp(fmt.Sprintf("transition %s->%s", cur, next))
	}
	if cur == StateReset && next == StateReset {
		return nil, nil
	}

	var plan []step
	if trans == transCompound {
		plan = append(plan, step{from: StateReset, to: StateInit, trans: hw.TransRST2INIT, synthesized: true})
		cur = StateInit
		trans = t[cur][next]
	}
	if next == StateReset && hasSRQ && cur != StateErr {
		plan = append(plan, step{from: cur, to: StateErr, trans: hw.TransToERR})
		cur = StateErr
		trans = t[cur][next]
	}
	return append(plan, step{from: cur, to: next, trans: trans}), nil
}

func stateFromHardware(s hw.QPState) (State, error) {
	switch s {
	case hw.QPStateReset:
		return StateReset, nil
	case hw.QPStateInit:
		return StateInit, nil
	case hw.QPStateRTR:
		return StateRTR, nil
	case hw.QPStateRTS:
		return StateRTS, nil
	case hw.QPStateSQD:
		return StateSQD, nil
	case hw.QPStateSQE:
		return StateSQE, nil
	case hw.QPStateErr:
		return StateErr, nil
	default:
		return 0, Fatal.WithOp(fmt.Sprintf("hardware reported %s", s))
	}
}

func (s State) hardware() hw.QPState {
	switch s {
	case StateInit:
		return hw.QPStateInit
	case StateRTR:
		return hw.QPStateRTR
	case StateRTS:
		return hw.QPStateRTS
	case StateSQD:
		return hw.QPStateSQD
	case StateSQE:
		return hw.QPStateSQE
	case StateErr:
		return hw.QPStateErr
	default:
		return hw.QPStateReset
	}
}
