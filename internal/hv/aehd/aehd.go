// Package aehd implements the accelerator core on top of the AEHD kernel
// hypervisor driver: guest memory slot management with dirty-page logging,
// GSI/MSI interrupt routing, vCPU lifecycle, and the per-vCPU execution
// loop that alternates between kernel-mode guest execution and user-mode
// handling of VM exits.
package aehd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmaccel/internal/hv"
)

// Arch supplies the architecture-specific pieces the core delegates:
// register-state transfer, pre/post run fixups, and exits the generic
// dispatcher does not understand.
type Arch interface {
	// InitVM runs once after the VM handle is created.
	InitVM(s *State) error

	// CreateIRQChip may build an architecture-specific in-kernel interrupt
	// controller. Returning false asks the core to issue the generic
	// CREATE_IRQCHIP request instead.
	CreateIRQChip(s *State) (bool, error)

	// InitVCPU runs once per created vCPU, after the run structure is
	// mapped.
	InitVCPU(v *VCPU) error

	// GetRegisters pulls the full register file from the driver into the
	// in-memory state.
	GetRegisters(v *VCPU) error

	// PutRegisters pushes register state to the driver at the given level.
	PutRegisters(v *VCPU, level PutLevel) error

	// PreRun and PostRun bracket the privileged run call.
	PreRun(v *VCPU)
	PostRun(v *VCPU)

	// ProcessAsyncEvents handles pending architecture events before a
	// slice; returning true means the vCPU is halted and must not enter
	// the guest.
	ProcessAsyncEvents(v *VCPU) bool

	// HandleExit is the fallback for exit reasons the generic dispatcher
	// does not handle.
	HandleExit(v *VCPU) (Outcome, error)

	// StopOnEmulationError reports whether an in-kernel emulation failure
	// must stop the machine. When false the error is injected into the
	// guest and execution continues.
	StopOnEmulationError(v *VCPU) bool

	// ReleaseVirqPost runs after a route is released from the table.
	ReleaseVirqPost(virq int)

	// AddMSIRoutePost runs after an explicit MSI route is added, before
	// the table is committed.
	AddMSIRoutePost(virq, vector int)

	// DumpState writes a human-readable register and code dump, used when
	// the machine is about to stop on a hard failure.
	DumpState(v *VCPU, w io.Writer)
}

// Outcome is the result of dispatching one VM exit.
type Outcome int

const (
	// OutcomeContinue re-enters the guest.
	OutcomeContinue Outcome = iota
	// OutcomeInterrupted returns control to the caller to re-check pending
	// work.
	OutcomeInterrupted
)

// Config wires the accelerator to its collaborators.
type Config struct {
	Arch    Arch
	PortIO  hv.Bus
	Memory  hv.Bus
	Control hv.SystemControl
	Dirty   hv.DirtyTracker

	// SMPCPUs and MaxCPUs are validated against the driver's recommended
	// and hard vCPU limits before the VM is created.
	SMPCPUs int
	MaxCPUs int

	// InterruptSupport creates the in-kernel interrupt controller, which
	// owns the IRQ routing table.
	InterruptSupport bool
}

// State is the per-process accelerator context: the VM handle plus the
// slot table, routing table, GSI bitmap and parked-vCPU list. At most one
// is constructed per process lifetime, but ownership is explicit; every
// operation takes the receiver rather than consulting a global.
type State struct {
	// mu is the coarse lock shared by the slot manager, the routing table
	// and guest-visible global state. The execution loop drops it around
	// the privileged run call and I/O forwarding, which may re-enter.
	mu sync.Mutex

	dev Transport
	vm  Transport

	arch    Arch
	portIO  hv.Bus
	memory  hv.Bus
	control hv.SystemControl
	dirty   hv.DirtyTracker

	// capability cache
	nrSlots          int
	recommendedVCPUs int
	maxVCPUs         int
	maxVCPUID        int

	listeners []*MemoryListener

	gsiCount int
	routes   []route
	usedGSIs bitmap
	msiCache map[uint8][]*msiRoute

	parked map[uint64]Transport
}

// New builds the accelerator context over an open device transport. On
// failure every driver handle opened so far is closed, including dev.
func New(dev Transport, cfg Config) (*State, error) {
	s := &State{
		dev:     dev,
		arch:    cfg.Arch,
		portIO:  cfg.PortIO,
		memory:  cfg.Memory,
		control: cfg.Control,
		dirty:   cfg.Dirty,
		parked:  make(map[uint64]Transport),
	}

	s.nrSlots = s.CheckExtension(capNRMemslots)
	if s.nrSlots == 0 {
		s.nrSlots = 32
	}

	s.recommendedVCPUs = s.CheckExtension(capNRVCPUs)
	if s.recommendedVCPUs == 0 {
		s.recommendedVCPUs = 4
	}
	s.maxVCPUs = s.CheckExtension(capMaxVCPUs)
	if s.maxVCPUs == 0 {
		s.maxVCPUs = s.recommendedVCPUs
	}
	s.maxVCPUID = s.CheckExtension(capMaxVCPUID)
	if s.maxVCPUID == 0 {
		s.maxVCPUID = s.maxVCPUs
	}

	for _, nc := range []struct {
		name string
		num  int
	}{
		{"SMP", cfg.SMPCPUs},
		{"hotpluggable", cfg.MaxCPUs},
	} {
		if nc.num > s.recommendedVCPUs {
			slog.Warn("aehd: cpu count exceeds the recommended limit",
				"kind", nc.name, "requested", nc.num, "recommended", s.recommendedVCPUs)
		}
		if nc.num > s.maxVCPUs {
			dev.Close()
			return nil, fmt.Errorf("aehd: %s cpu count %d exceeds the driver maximum %d",
				nc.name, nc.num, s.maxVCPUs)
		}
	}

	vmHandle, err := s.createVM()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("aehd: create VM: %w", err)
	}
	s.vm = dev.Scope(vmHandle)

	if err := s.arch.InitVM(s); err != nil {
		s.vm.Close()
		dev.Close()
		return nil, fmt.Errorf("aehd: architecture VM init: %w", err)
	}

	if cfg.InterruptSupport {
		if err := s.createIRQChip(); err != nil {
			s.vm.Close()
			dev.Close()
			return nil, err
		}
	}

	slog.Info("aehd: accelerator operational",
		"slots", s.nrSlots, "maxVCPUs", s.maxVCPUs, "gsiCount", s.gsiCount)

	return s, nil
}

// createVM asks the driver for a VM handle, looping while it reports the
// transient retry condition.
func (s *State) createVM() (uint64, error) {
	var vmType [4]byte

	for {
		handle, err := callHandle(s.dev, reqCreateVM, vmType[:])
		if errors.Is(err, ErrRetry) {
			continue
		}
		return handle, err
	}
}

func (s *State) createIRQChip() error {
	handled, err := s.arch.CreateIRQChip(s)
	if err == nil && !handled {
		err = s.vm.Call(reqCreateIRQChip, nil, nil)
	}
	if err != nil {
		return fmt.Errorf("aehd: create in-kernel irqchip: %w", err)
	}

	s.initIRQRouting()
	return nil
}

// CheckExtension queries a device-scope capability. A zero result means
// the capability is absent or the query failed.
func (s *State) CheckExtension(extension uint32) int {
	var in [4]byte
	binary.LittleEndian.PutUint32(in[:], extension)

	result, err := callInt(s.dev, reqCheckExtension, in[:])
	if err != nil {
		return 0
	}
	return result
}

// VMCheckExtension queries a VM-scope capability, falling back to the
// device-wide query when the driver does not implement it per VM.
func (s *State) VMCheckExtension(extension uint32) int {
	var in [4]byte
	binary.LittleEndian.PutUint32(in[:], extension)

	result, err := callInt(s.vm, reqCheckExtension, in[:])
	if err != nil {
		return s.CheckExtension(extension)
	}
	return result
}

// SetTSSAddr tells the driver where to place the compatibility task state
// segment inside guest physical memory.
func (s *State) SetTSSAddr(addr uint64) error {
	var in [8]byte
	binary.LittleEndian.PutUint64(in[:], addr)

	if err := s.vm.Call(reqSetTSSAddr, in[:], nil); err != nil {
		return fmt.Errorf("aehd: set TSS address: %w", err)
	}
	return nil
}

// VCPUIDIsValid reports whether id is inside the driver's vCPU id space.
func (s *State) VCPUIDIsValid(id int) bool {
	return id >= 0 && id < s.maxVCPUID
}

// MaxVCPUs returns the hard vCPU limit reported by the driver.
func (s *State) MaxVCPUs() int { return s.maxVCPUs }

// VM exposes the VM-scope transport to architecture hooks.
func (s *State) VM() Transport { return s.vm }

// Device exposes the device-scope transport to architecture hooks.
func (s *State) Device() Transport { return s.dev }
