package qp

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// specialRegistry owns the SMI and GSI slots of every port together with
// the per-port pkey and GID mirrors. One mutex guards all of it, and is held
// across the hardware commands of special QP operations.
type specialRegistry struct {
	mu         sync.Mutex
	nPorts     uint8
	first      uint32
	configured bool
	slots      [specialTypesPerPort][]*queuePair
	pkeys      [][]uint16
	gids       [][]hw.GID
	qp1Pkey    []uint16
	active     []bool

	defaultPkeys int
	defaultGIDs  int
}

func newSpecialRegistry(cfg Config) *specialRegistry {
	r := &specialRegistry{
		nPorts:       cfg.NumPorts,
		first:        cfg.firstSpecial(),
		pkeys:        make([][]uint16, cfg.NumPorts),
		gids:         make([][]hw.GID, cfg.NumPorts),
		qp1Pkey:      make([]uint16, cfg.NumPorts),
		active:       make([]bool, cfg.NumPorts),
		defaultPkeys: int(cfg.PkeyTableLen),
		defaultGIDs:  int(cfg.GIDTableLen),
	}
	for i := range r.slots {
		r.slots[i] = make([]*queuePair, cfg.NumPorts)
	}
	if cfg.PortActivationAtOpen {
		for i := range r.active {
			r.active[i] = true
		}
	}
	return r
}

func typeIndex(s Special) int {
	if s == SpecialGSI {
		return 1
	}
	return 0
}

// index returns the QP index of the special QP of the given type and port.
func (r *specialRegistry) index(s Special, port uint8) uint32 {
	return r.first + uint32(typeIndex(s))*uint32(r.nPorts) + uint32(port-1)
}

// base returns the first QP index of a special type, as committed to the
// hardware by ConfigureSpecial.
func (r *specialRegistry) base(s Special) uint32 {
	return r.first + uint32(typeIndex(s))*uint32(r.nPorts)
}

func (r *specialRegistry) contains(idx uint32) bool {
	return idx >= r.first && idx < r.first+specialTypesPerPort*uint32(r.nPorts)
}

// slotLocked returns the QP stored at a special index. r.mu must be held.
func (r *specialRegistry) slotLocked(idx uint32) (**queuePair, bool) {
	if !r.contains(idx) {
		return nil, false
	}
	off := idx - r.first
	typ := off / uint32(r.nPorts)
	port := off % uint32(r.nPorts)
	return &r.slots[typ][port], true
}

func (r *specialRegistry) siblingLocked(q *queuePair) *queuePair {
	other := SpecialGSI
	if q.special == SpecialGSI {
		other = SpecialSMI
	}
	return r.slots[typeIndex(other)][q.port-1]
}

func (r *specialRegistry) countLocked() int {
	n := 0
	for _, slots := range r.slots {
		for _, q := range slots {
			if q != nil {
				n++
			}
		}
	}
	return n
}

func (r *specialRegistry) validPort(port uint8) error {
	if port == 0 || port > r.nPorts {
		return InvalidParam.WithOp(fmt.Sprintf("port %d out of range 1..%d", port, r.nPorts))
	}
	return nil
}

// mirrorLimits bounds pkey and GID indices per port. A populated mirror
// bounds by its own length, an empty one by the device table size.
type mirrorLimits struct {
	pkeys [maxSupportedNumPorts]int
	gids  [maxSupportedNumPorts]int
}

func (r *specialRegistry) limitsLocked() mirrorLimits {
	var lim mirrorLimits
	for i := 0; i < int(r.nPorts); i++ {
		lim.pkeys[i] = r.defaultPkeys
		if n := len(r.pkeys[i]); n > 0 {
			lim.pkeys[i] = n
		}
		lim.gids[i] = r.defaultGIDs
		if n := len(r.gids[i]); n > 0 {
			lim.gids[i] = n
		}
	}
	return lim
}

func (r *specialRegistry) limits() mirrorLimits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limitsLocked()
}

func (l mirrorLimits) checkPkeyIndex(port uint8, idx uint16) error {
	if port == 0 || int(port) > len(l.pkeys) {
		return InvalidParam.WithOp(fmt.Sprintf("pkey index on port %d", port))
	}
	if int(idx) >= l.pkeys[port-1] {
		return InvalidParam.WithOp(fmt.Sprintf("pkey index %d out of range on port %d", idx, port))
	}
	return nil
}

func (l mirrorLimits) checkGIDIndex(port uint8, idx uint8) error {
	if port == 0 || int(port) > len(l.gids) {
		return InvalidParam.WithOp(fmt.Sprintf("GID index on port %d", port))
	}
	if int(idx) >= l.gids[port-1] {
		return InvalidParam.WithOp(fmt.Sprintf("GID index %d out of range on port %d", idx, port))
	}
	return nil
}

// beforeSpecialStep commits the special QP numbers and brings the port up
// ahead of the first INIT to RTR of a special QP. r.mu must be held.
func (m *Manager) beforeSpecialStep(ctx context.Context, q *queuePair, st step) error {
	if st.trans != hw.TransINIT2RTR {
		return nil
	}
	r := m.special
	if !r.configured {
		for _, s := range []Special{SpecialSMI, SpecialGSI} {
			if err := m.cmd.ConfigureSpecial(ctx, s.hwType(), r.base(s)); err != nil {
				m.metricCommandError("configure_special", err, logKV(labelCategory, categorySpecial))
				return classify(fmt.Sprintf("configure special %s", s), err, Fatal)
			}
		}
		r.configured = true
		m.logEvent("special_configured", logKV("smi_base", r.base(SpecialSMI)), logKV("gsi_base", r.base(SpecialGSI)))
	}
	if m.cfg.PortActivationAtOpen || r.active[q.port-1] {
		return nil
	}
	if err := m.cmd.ActivatePort(ctx, q.port, m.cfg.PortProps); err != nil {
		m.metricCommandError("activate_port", err, logKV(labelCategory, categorySpecial))
		return classify(fmt.Sprintf("activate port %d", q.port), err, Fatal)
	}
	r.active[q.port-1] = true
	m.logEvent("port_activated", logKV("port", q.port))
	return nil
}

// afterSpecialStep updates the per-port state once a special QP command has
// succeeded. r.mu must be held.
func (m *Manager) afterSpecialStep(ctx context.Context, q *queuePair, st step) {
	r := m.special
	if q.special == SpecialGSI {
		switch st.trans {
		case hw.TransRST2INIT, hw.TransINIT2INIT, hw.TransSQD2SQD:
			r.qp1Pkey[q.port-1] = q.pkeyIndex
		}
	}
	if st.to != StateReset || st.from == StateReset || m.cfg.PortActivationAtOpen || !r.active[q.port-1] {
		return
	}
	if sib := r.siblingLocked(q); sib != nil && sib.state != StateReset {
		return
	}
	if err := m.cmd.DeactivatePort(ctx, q.port); err != nil {
		m.metricCommandError("deactivate_port", err, logKV(labelCategory, categorySpecial))
		m.logEvent("port_deactivate_failed", logKV("port", q.port), logKV("error", err))
		return
	}
	r.active[q.port-1] = false
	m.logEvent("port_deactivated", logKV("port", q.port))
}

// SetPkeyTable replaces the mirrored pkey table of a port.
func (m *Manager) SetPkeyTable(port uint8, pkeys []uint16) error {
	r := m.special
	if err := r.validPort(port); err != nil {
		return err
	}
	if len(pkeys) > int(m.cfg.PkeyTableLen) {
		return InvalidParam.WithOp(fmt.Sprintf("pkey table of %d entries exceeds %d", len(pkeys), m.cfg.PkeyTableLen))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkeys[port-1] = append([]uint16(nil), pkeys...)
	return nil
}

// PkeyTable returns a copy of the mirrored pkey table of a port.
func (m *Manager) PkeyTable(port uint8) ([]uint16, error) {
	r := m.special
	if err := r.validPort(port); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.pkeys[port-1]...), nil
}

// SetGIDTable replaces the mirrored GID table of a port.
func (m *Manager) SetGIDTable(port uint8, gids []hw.GID) error {
	r := m.special
	if err := r.validPort(port); err != nil {
		return err
	}
	if len(gids) > int(m.cfg.GIDTableLen) {
		return InvalidParam.WithOp(fmt.Sprintf("GID table of %d entries exceeds %d", len(gids), m.cfg.GIDTableLen))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gids[port-1] = append([]hw.GID(nil), gids...)
	return nil
}

// GIDTable returns a copy of the mirrored GID table of a port.
func (m *Manager) GIDTable(port uint8) ([]hw.GID, error) {
	r := m.special
	if err := r.validPort(port); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hw.GID(nil), r.gids[port-1]...), nil
}

// QP1Pkey returns the pkey index last applied to the GSI QP of a port.
func (m *Manager) QP1Pkey(port uint8) (uint16, error) {
	r := m.special
	if err := r.validPort(port); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qp1Pkey[port-1], nil
}

// PortActive reports whether the port is up.
func (m *Manager) PortActive(port uint8) (bool, error) {
	r := m.special
	if err := r.validPort(port); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[port-1], nil
}
