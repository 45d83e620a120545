// Package x86 provides the architecture hooks for running x86 guests on
// the AEHD accelerator: register-state transfer, HLT handling and the
// crash-time state dump.
package x86

import (
	"fmt"

	"github.com/tinyrange/vmaccel/internal/hv"
	"github.com/tinyrange/vmaccel/internal/hv/aehd"
)

// Guest physical address reserved for the compatibility TSS pages, just
// below the BIOS region.
const tssAddr = 0xfffbd000

const exitHlt = 5

// Arch implements aehd.Arch for x86 guests.
type Arch struct {
	// Memory is the guest memory bus, used by the state dump to fetch the
	// code bytes around the fault.
	Memory hv.Bus

	// InjectEmulationErrors keeps the machine running when in-kernel
	// instruction emulation fails; the failure is injected into the guest
	// instead.
	InjectEmulationErrors bool
}

var _ aehd.Arch = &Arch{}

// New returns the x86 architecture hooks over the given guest memory bus.
func New(mem hv.Bus) *Arch {
	return &Arch{Memory: mem}
}

// cpuState is the in-memory register file for one vCPU, authoritative
// whenever the vCPU is marked dirty.
type cpuState struct {
	regs   Regs
	sregs  SRegs
	halted bool
}

func state(v *aehd.VCPU) *cpuState {
	return v.ArchData().(*cpuState)
}

// InitVM implements aehd.Arch.
func (a *Arch) InitVM(s *aehd.State) error {
	return s.SetTSSAddr(tssAddr)
}

// CreateIRQChip implements aehd.Arch. The generic in-kernel irqchip
// request covers x86; nothing extra is needed.
func (a *Arch) CreateIRQChip(s *aehd.State) (bool, error) {
	return false, nil
}

// InitVCPU implements aehd.Arch.
func (a *Arch) InitVCPU(v *aehd.VCPU) error {
	st := &cpuState{}
	st.regs.RFLAGS = 0x2
	v.SetArchData(st)
	return nil
}

// GetRegisters implements aehd.Arch.
func (a *Arch) GetRegisters(v *aehd.VCPU) error {
	st := state(v)

	if err := v.GetRegs(rawBytes(&st.regs)); err != nil {
		return fmt.Errorf("x86: get registers: %w", err)
	}
	if err := v.GetSRegs(rawBytes(&st.sregs)); err != nil {
		return fmt.Errorf("x86: get system registers: %w", err)
	}
	return nil
}

// PutRegisters implements aehd.Arch.
func (a *Arch) PutRegisters(v *aehd.VCPU, level aehd.PutLevel) error {
	st := state(v)

	if err := v.SetRegs(rawBytes(&st.regs)); err != nil {
		return fmt.Errorf("x86: set registers: %w", err)
	}
	if level >= aehd.PutResetState {
		if err := v.SetSRegs(rawBytes(&st.sregs)); err != nil {
			return fmt.Errorf("x86: set system registers: %w", err)
		}
	}
	return nil
}

// PreRun implements aehd.Arch.
func (a *Arch) PreRun(v *aehd.VCPU) {}

// PostRun implements aehd.Arch. The driver mirrors CR8 and the APIC base
// into the run structure on every exit; fold them into the register file
// lazily via the dirty mechanism instead of copying here.
func (a *Arch) PostRun(v *aehd.VCPU) {}

// ProcessAsyncEvents implements aehd.Arch. A halted vCPU stays out of the
// guest until the driver reports it can take an interrupt again.
func (a *Arch) ProcessAsyncEvents(v *aehd.VCPU) bool {
	st := state(v)
	if st.halted && v.Run().ReadyForInterruptInjection != 0 {
		st.halted = false
	}
	return st.halted
}

// HandleExit implements aehd.Arch.
func (a *Arch) HandleExit(v *aehd.VCPU) (aehd.Outcome, error) {
	switch v.Run().ExitReason {
	case exitHlt:
		state(v).halted = true
		return aehd.OutcomeInterrupted, nil
	default:
		return aehd.OutcomeContinue, fmt.Errorf(
			"x86: unexpected exit reason %d", v.Run().ExitReason)
	}
}

// StopOnEmulationError implements aehd.Arch.
func (a *Arch) StopOnEmulationError(v *aehd.VCPU) bool {
	return !a.InjectEmulationErrors
}

// ReleaseVirqPost implements aehd.Arch.
func (a *Arch) ReleaseVirqPost(virq int) {}

// AddMSIRoutePost implements aehd.Arch.
func (a *Arch) AddMSIRoutePost(virq, vector int) {}

// Regs returns the in-memory general-purpose registers for the vCPU. The
// caller must have synchronized state first.
func (a *Arch) Regs(v *aehd.VCPU) *Regs { return &state(v).regs }

// SRegs returns the in-memory system registers for the vCPU.
func (a *Arch) SRegs(v *aehd.VCPU) *SRegs { return &state(v).sregs }
