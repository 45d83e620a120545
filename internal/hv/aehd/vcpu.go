package aehd

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// VCPU is one virtual processor. All driver calls on the vCPU handle and
// all register-state transfers run on the goroutine started by InitVCPU;
// other goroutines marshal work onto it through call.
type VCPU struct {
	s  *State
	id uint64

	tr  Transport
	run *RunData

	// dirty means the in-memory register state is ahead of the driver and
	// must be pushed before the guest runs again. Only the owning
	// goroutine touches it.
	dirty bool

	exitRequest atomic.Bool

	// archData is opaque per-vCPU state owned by the architecture layer.
	archData any

	queue chan func()
}

// getVCPUHandle reuses a parked handle for the id when one exists;
// otherwise it asks the driver to create the vCPU. The driver does not
// support destroying a vCPU, so handles are parked on destroy and revived
// when the same id comes back.
func (s *State) getVCPUHandle(id uint64) (Transport, error) {
	s.mu.Lock()
	if tr, ok := s.parked[id]; ok {
		delete(s.parked, id)
		s.mu.Unlock()
		slog.Debug("aehd: reusing parked vcpu", "id", id)
		return tr, nil
	}
	s.mu.Unlock()

	var in [8]byte
	binary.LittleEndian.PutUint64(in[:], id)

	handle, err := callHandle(s.vm, reqCreateVCPU, in[:])
	if err != nil {
		return nil, fmt.Errorf("aehd: create vcpu %d: %w", id, err)
	}
	return s.vm.Scope(handle), nil
}

// InitVCPU creates (or revives) the vCPU for id, maps its run structure
// and starts the owning goroutine. The vCPU starts dirty so the first run
// pushes the initial register state.
func (s *State) InitVCPU(id uint64) (*VCPU, error) {
	if !s.VCPUIDIsValid(int(id)) {
		return nil, fmt.Errorf("aehd: vcpu id %d outside the driver id space (max %d)", id, s.maxVCPUID)
	}

	tr, err := s.getVCPUHandle(id)
	if err != nil {
		return nil, err
	}

	v := &VCPU{
		s:     s,
		id:    id,
		tr:    tr,
		dirty: true,
		queue: make(chan func()),
	}

	mmapSize, err := callInt(s.dev, reqGetVCPUMmapSize, nil)
	if err != nil {
		return nil, fmt.Errorf("aehd: query vcpu mmap size: %w", err)
	}
	if uintptr(mmapSize) < unsafe.Sizeof(RunData{}) {
		return nil, fmt.Errorf("aehd: vcpu mmap size %d smaller than the run structure", mmapSize)
	}

	// The driver allocates the run structure in kernel space and returns a
	// pointer into the process mapping; there is no host mmap call.
	ptr, err := callHandle(tr, reqVCPUMmap, nil)
	if err != nil {
		return nil, fmt.Errorf("aehd: map vcpu %d run structure: %w", id, err)
	}
	v.run = (*RunData)(unsafe.Pointer(uintptr(ptr)))

	if err := s.arch.InitVCPU(v); err != nil {
		return nil, fmt.Errorf("aehd: architecture vcpu init: %w", err)
	}

	go func() {
		runtime.LockOSThread()
		for f := range v.queue {
			f()
		}
	}()

	return v, nil
}

// call marshals f onto the owning goroutine and waits for it to finish.
// Calls from the owning goroutine itself would deadlock; none exist.
func (v *VCPU) call(f func()) {
	done := make(chan struct{})
	v.queue <- func() {
		f()
		close(done)
	}
	<-done
}

// ID returns the vCPU id this processor was created with.
func (v *VCPU) ID() uint64 { return v.id }

// Run exposes the mapped run structure to architecture hooks.
func (v *VCPU) Run() *RunData { return v.run }

// Transport exposes the vCPU-scope transport to architecture hooks.
func (v *VCPU) Transport() Transport { return v.tr }

// State returns the owning accelerator context.
func (v *VCPU) State() *State { return v.s }

// SetArchData attaches architecture-layer state to the vCPU.
func (v *VCPU) SetArchData(d any) { v.archData = d }

// ArchData returns the state attached by SetArchData.
func (v *VCPU) ArchData() any { return v.archData }

// GetRegs fills out with the general-purpose register block.
func (v *VCPU) GetRegs(out []byte) error {
	return callRetry(v.tr, reqGetRegs, nil, out)
}

// SetRegs pushes the general-purpose register block.
func (v *VCPU) SetRegs(in []byte) error {
	return callRetry(v.tr, reqSetRegs, in, nil)
}

// GetSRegs fills out with the system register block.
func (v *VCPU) GetSRegs(out []byte) error {
	return callRetry(v.tr, reqGetSRegs, nil, out)
}

// SetSRegs pushes the system register block.
func (v *VCPU) SetSRegs(in []byte) error {
	return callRetry(v.tr, reqSetSRegs, in, nil)
}

// Destroy unmaps the run structure, parks the driver handle for reuse by a
// future vCPU with the same id and stops the owning goroutine.
func (v *VCPU) Destroy() error {
	var err error
	v.call(func() {
		if callErr := v.tr.Call(reqVCPUMunmap, nil, nil); callErr != nil {
			err = fmt.Errorf("aehd: unmap vcpu %d run structure: %w", v.id, callErr)
		}
		v.run = nil

		v.s.mu.Lock()
		v.s.parked[v.id] = v.tr
		v.s.mu.Unlock()
	})
	close(v.queue)
	return err
}

// SynchronizeState pulls the register file from the driver unless the
// in-memory copy is already authoritative. The state stays dirty until the
// next push.
func (v *VCPU) SynchronizeState() error {
	var err error
	v.call(func() {
		if v.dirty {
			return
		}
		if err = v.s.arch.GetRegisters(v); err != nil {
			return
		}
		v.dirty = true
	})
	return err
}

// SynchronizePostReset pushes the post-reset register file to the driver.
func (v *VCPU) SynchronizePostReset() error {
	var err error
	v.call(func() {
		if err = v.s.arch.PutRegisters(v, PutResetState); err != nil {
			return
		}
		v.dirty = false
	})
	return err
}

// SynchronizePostInit pushes the full register file, including one-time
// init state, to the driver.
func (v *VCPU) SynchronizePostInit() error {
	var err error
	v.call(func() {
		if err = v.s.arch.PutRegisters(v, PutFullState); err != nil {
			return
		}
		v.dirty = false
	})
	return err
}

// SynchronizePreLoadVM marks the in-memory state authoritative without
// touching the driver; used before loading a machine snapshot overwrites
// the register file.
func (v *VCPU) SynchronizePreLoadVM() {
	v.call(func() {
		v.dirty = true
	})
}

// RaiseEvent asks the vCPU to leave the guest at the next opportunity. It
// may be called from any goroutine, including while the vCPU is inside the
// privileged run call.
func (v *VCPU) RaiseEvent() {
	v.exitRequest.Store(true)
	if v.run != nil {
		v.run.UserEventPending = 1
	}

	var in [8]byte
	binary.LittleEndian.PutUint64(in[:], v.id)
	if err := v.s.vm.Call(reqKickVCPU, in[:], nil); err != nil {
		slog.Error("aehd: kick vcpu", "id", v.id, "error", err)
	}
}
