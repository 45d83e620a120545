package aehd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/tinyrange/vmaccel/internal/hv"
)

// Exec runs one execution slice on the vCPU's owning goroutine. It returns
// hv.ErrInterrupted when the slice was cut short by an exit request or an
// interruption-class exit, hv.ErrVMHalted when the vCPU is halted, or a
// hard error after the machine has been stopped.
func (s *State) Exec(v *VCPU) error {
	var err error
	v.call(func() {
		err = s.execSlice(v)
	})
	return err
}

func (s *State) execSlice(v *VCPU) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.arch.ProcessAsyncEvents(v) {
		v.exitRequest.Store(false)
		return hv.ErrVMHalted
	}

	var hardErr error

	for {
		if v.dirty {
			if err := s.arch.PutRegisters(v, PutRuntimeState); err != nil {
				hardErr = fmt.Errorf("aehd: push runtime state: %w", err)
				break
			}
			v.dirty = false
		}

		s.arch.PreRun(v)

		if v.exitRequest.Load() {
			// The request arrived after the async-event check; enter the
			// guest anyway so pending driver work completes, but make the
			// stay immediate.
			v.RaiseEvent()
		}

		s.mu.Unlock()
		runErr := v.tr.Call(reqRun, nil, nil)
		s.mu.Lock()

		s.arch.PostRun(v)

		if runErr != nil {
			if errors.Is(runErr, ErrRetry) {
				v.exitRequest.Store(false)
				return hv.ErrInterrupted
			}
			hardErr = fmt.Errorf("aehd: run vcpu %d: %w", v.id, runErr)
			break
		}

		outcome, err := s.dispatchExit(v)
		if err != nil {
			hardErr = err
			break
		}
		if outcome == OutcomeInterrupted {
			v.exitRequest.Store(false)
			return hv.ErrInterrupted
		}
	}

	s.arch.DumpState(v, os.Stderr)
	s.control.StopMachine()
	v.exitRequest.Store(false)
	return hardErr
}

// dispatchExit handles one VM exit with the state lock held, dropping it
// around bus forwarding.
func (s *State) dispatchExit(v *VCPU) (Outcome, error) {
	run := v.run
	reason := exitReason(run.ExitReason)

	switch reason {
	case exitIO:
		io := (*ioExit)(unsafe.Pointer(&run.Exit[0]))
		s.mu.Unlock()
		s.handlePortIO(run, io)
		s.mu.Lock()
		return OutcomeContinue, nil

	case exitMMIO:
		mmio := (*mmioExit)(unsafe.Pointer(&run.Exit[0]))
		s.mu.Unlock()
		s.handleMMIO(mmio)
		s.mu.Lock()
		return OutcomeContinue, nil

	case exitIRQWindowOpen, exitIntr:
		return OutcomeInterrupted, nil

	case exitShutdown:
		// Triple fault. Reset the guest and let the caller re-enter.
		s.control.RequestGuestReset()
		return OutcomeInterrupted, nil

	case exitUnknown:
		hw := (*hardwareExit)(unsafe.Pointer(&run.Exit[0]))
		return OutcomeContinue, fmt.Errorf(
			"aehd: unknown hardware exit reason %#x on vcpu %d", hw.HardwareExitReason, v.id)

	case exitInternalError:
		return s.handleInternalError(v)

	case exitSystemEvent:
		return s.handleSystemEvent(v)

	default:
		outcome, err := s.arch.HandleExit(v)
		if err != nil {
			return outcome, fmt.Errorf("aehd: exit %v on vcpu %d: %w", reason, v.id, err)
		}
		return outcome, nil
	}
}

// handlePortIO forwards a port I/O exit to the port bus. The driver packs
// Count elements of Size bytes at DataOffset from the run structure base;
// each element is forwarded separately. Bus errors mean no device claims
// the port; reads then keep whatever the driver left in the buffer.
func (s *State) handlePortIO(run *RunData, io *ioExit) {
	base := uintptr(unsafe.Pointer(run)) + uintptr(io.DataOffset)
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(io.Count)*int(io.Size))

	for i := 0; i < int(io.Count); i++ {
		chunk := data[i*int(io.Size) : (i+1)*int(io.Size)]

		var err error
		if io.Direction == ioDirectionOut {
			err = s.portIO.Write(uint64(io.Port), chunk)
		} else {
			err = s.portIO.Read(uint64(io.Port), chunk)
		}
		if err != nil {
			slog.Debug("aehd: unclaimed port io",
				"port", io.Port, "direction", io.Direction, "error", err)
		}
	}
}

// handleMMIO forwards an MMIO exit to the memory bus. For reads the result
// lands in the run structure for the driver to complete the instruction.
func (s *State) handleMMIO(mmio *mmioExit) {
	data := mmio.Data[:mmio.Len]

	var err error
	if mmio.IsWrite != 0 {
		err = s.memory.Write(mmio.PhysAddr, data)
	} else {
		err = s.memory.Read(mmio.PhysAddr, data)
	}
	if err != nil {
		slog.Debug("aehd: unclaimed mmio",
			"addr", fmt.Sprintf("%#x", mmio.PhysAddr), "write", mmio.IsWrite != 0, "error", err)
	}
}

func (s *State) handleInternalError(v *VCPU) (Outcome, error) {
	ie := (*internalErrorExit)(unsafe.Pointer(&v.run.Exit[0]))

	fmt.Fprintf(os.Stderr, "AEHD internal error. Suberror: %d (%v)\n",
		uint32(ie.Suberror), ie.Suberror)
	for i := uint32(0); i < ie.NData && i < uint32(len(ie.Data)); i++ {
		fmt.Fprintf(os.Stderr, "extra data[%d]: %#016x\n", i, ie.Data[i])
	}

	if ie.Suberror == internalErrorEmulation && !s.arch.StopOnEmulationError(v) {
		// The instruction cannot be emulated; the architecture layer
		// injects a fault into the guest instead of stopping the machine.
		s.arch.DumpState(v, os.Stderr)
		return OutcomeInterrupted, nil
	}

	return OutcomeContinue, fmt.Errorf(
		"aehd: internal error %v on vcpu %d", ie.Suberror, v.id)
}

func (s *State) handleSystemEvent(v *VCPU) (Outcome, error) {
	ev := (*systemEventExit)(unsafe.Pointer(&v.run.Exit[0]))

	switch ev.Type {
	case systemEventShutdown:
		s.control.RequestShutdown()
		return OutcomeInterrupted, nil

	case systemEventReset:
		s.control.RequestGuestReset()
		return OutcomeInterrupted, nil

	case systemEventCrash:
		// Capture the register file at the crash point for the report. The
		// lock is already held and this is the owning goroutine, so pull
		// the state inline rather than through SynchronizeState.
		if !v.dirty {
			if err := s.arch.GetRegisters(v); err != nil {
				return OutcomeContinue, fmt.Errorf("aehd: pull state after guest crash: %w", err)
			}
			v.dirty = true
		}
		s.control.GuestPanicked()
		return OutcomeContinue, nil

	default:
		slog.Warn("aehd: unhandled system event", "type", ev.Type, "vcpu", v.id)
		return OutcomeContinue, nil
	}
}
