package aehd

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/vmaccel/internal/hv"
)

func newRunEnv(t *testing.T) (*testEnv, *VCPU) {
	t.Helper()

	env := newTestEnv(t, false)
	v, err := env.s.InitVCPU(0)
	if err != nil {
		t.Fatalf("InitVCPU: %v", err)
	}
	t.Cleanup(func() { v.Destroy() })
	return env, v
}

func scriptExit(reason exitReason, fill func(run *RunData)) func(*RunData) error {
	return func(run *RunData) error {
		run.ExitReason = uint32(reason)
		if fill != nil {
			fill(run)
		}
		return nil
	}
}

func scriptMMIOWrite(addr uint64, data []byte) func(*RunData) error {
	return scriptExit(exitMMIO, func(run *RunData) {
		m := (*mmioExit)(unsafe.Pointer(&run.Exit[0]))
		m.PhysAddr = addr
		copy(m.Data[:], data)
		m.Len = uint32(len(data))
		m.IsWrite = 1
	})
}

func TestExecForwardsMMIOWrite(t *testing.T) {
	env, v := newRunEnv(t)
	env.d.runScript = []func(*RunData) error{
		scriptMMIOWrite(0x1000, []byte{1, 2, 3, 4}),
	}

	err := env.s.Exec(v)
	if !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec returned %v, want ErrInterrupted once the script drains", err)
	}

	if len(env.memory.accesses) != 1 {
		t.Fatalf("memory bus saw %d accesses, want 1", len(env.memory.accesses))
	}
	acc := env.memory.accesses[0]
	if !acc.write || acc.addr != 0x1000 || !bytes.Equal(acc.data, []byte{1, 2, 3, 4}) {
		t.Errorf("access = %+v, want a 4-byte write at 0x1000", acc)
	}

	if env.arch.dumps != 0 || env.control.stops != 0 {
		t.Error("clean interruption dumped state or stopped the machine")
	}
}

func TestExecForwardsPortIOPerElement(t *testing.T) {
	env, v := newRunEnv(t)

	dataOffset := uint64(unsafe.Offsetof(RunData{}.Exit)) + 32
	env.d.runScript = []func(*RunData) error{
		scriptExit(exitIO, func(run *RunData) {
			io := (*ioExit)(unsafe.Pointer(&run.Exit[0]))
			io.Direction = ioDirectionOut
			io.Size = 2
			io.Port = 0x3f8
			io.Count = 3
			io.DataOffset = dataOffset
			copy(run.Exit[32:], []byte{0xa, 0xb, 0xc, 0xd, 0xe, 0xf})
		}),
	}

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}

	if len(env.portIO.accesses) != 3 {
		t.Fatalf("port bus saw %d accesses, want one per element", len(env.portIO.accesses))
	}
	for i, want := range [][]byte{{0xa, 0xb}, {0xc, 0xd}, {0xe, 0xf}} {
		acc := env.portIO.accesses[i]
		if !acc.write || acc.addr != 0x3f8 || !bytes.Equal(acc.data, want) {
			t.Errorf("element %d = %+v, want write of % x at port 0x3f8", i, acc, want)
		}
	}
}

func TestExecPushesDirtyStateBeforeRunning(t *testing.T) {
	env, v := newRunEnv(t)
	env.d.runScript = []func(*RunData) error{
		scriptExit(exitIntr, nil),
	}

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}

	if env.arch.puts != 1 || env.arch.lastPutLevel != PutRuntimeState {
		t.Errorf("state push = %d times at level %d, want one PutRuntimeState push",
			env.arch.puts, env.arch.lastPutLevel)
	}
	if v.dirty {
		t.Error("vCPU still dirty after the push")
	}

	// A clean vCPU is not pushed again.
	env.d.runScript = []func(*RunData) error{scriptExit(exitIntr, nil)}
	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("second Exec: %v", err)
	}
	if env.arch.puts != 1 {
		t.Errorf("clean vCPU pushed state again (%d pushes)", env.arch.puts)
	}
}

func TestExecHaltedVCPU(t *testing.T) {
	env, v := newRunEnv(t)
	env.arch.haltNext = true
	v.exitRequest.Store(true)

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Exec returned %v, want ErrVMHalted", err)
	}
	if v.exitRequest.Load() {
		t.Error("exit request survived the slice")
	}
	if got := env.d.countCalls(reqRun); got != 0 {
		t.Errorf("halted vCPU entered the guest %d times", got)
	}
}

func TestExecGuestTripleFault(t *testing.T) {
	env, v := newRunEnv(t)
	env.d.runScript = []func(*RunData) error{
		scriptExit(exitShutdown, nil),
	}

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}
	if env.control.resets != 1 {
		t.Errorf("guest reset requested %d times, want 1", env.control.resets)
	}
}

func TestExecSystemEvents(t *testing.T) {
	env, v := newRunEnv(t)

	systemEvent := func(typ uint32) func(*RunData) error {
		return scriptExit(exitSystemEvent, func(run *RunData) {
			ev := (*systemEventExit)(unsafe.Pointer(&run.Exit[0]))
			ev.Type = typ
		})
	}

	env.d.runScript = []func(*RunData) error{systemEvent(systemEventShutdown)}
	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}
	if env.control.shutdowns != 1 {
		t.Errorf("shutdown requested %d times, want 1", env.control.shutdowns)
	}

	env.d.runScript = []func(*RunData) error{systemEvent(systemEventReset)}
	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}
	if env.control.resets != 1 {
		t.Errorf("reset requested %d times, want 1", env.control.resets)
	}
}

func TestExecGuestCrashSynchronizesState(t *testing.T) {
	env, v := newRunEnv(t)

	env.d.runScript = []func(*RunData) error{
		scriptExit(exitSystemEvent, func(run *RunData) {
			ev := (*systemEventExit)(unsafe.Pointer(&run.Exit[0]))
			ev.Type = systemEventCrash
		}),
	}

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}
	if env.control.panics != 1 {
		t.Errorf("panic reported %d times, want 1", env.control.panics)
	}
	// The register file is pulled at the crash point for the report.
	if env.arch.gets != 1 {
		t.Errorf("GetRegisters ran %d times, want 1", env.arch.gets)
	}
}

func TestExecHardFailureStopsMachine(t *testing.T) {
	env, v := newRunEnv(t)
	env.d.runScript = []func(*RunData) error{
		func(run *RunData) error { return &TransportError{Code: 0x1f} },
	}

	err := env.s.Exec(v)
	if err == nil || errors.Is(err, hv.ErrInterrupted) || errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Exec returned %v, want a hard error", err)
	}
	if env.arch.dumps != 1 {
		t.Errorf("state dumped %d times, want 1", env.arch.dumps)
	}
	if env.control.stops != 1 {
		t.Errorf("machine stopped %d times, want 1", env.control.stops)
	}
}

func TestExecUnknownHardwareExit(t *testing.T) {
	env, v := newRunEnv(t)
	env.d.runScript = []func(*RunData) error{
		scriptExit(exitUnknown, func(run *RunData) {
			hw := (*hardwareExit)(unsafe.Pointer(&run.Exit[0]))
			hw.HardwareExitReason = 0x33
		}),
	}

	if err := env.s.Exec(v); err == nil || errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec returned %v, want a hard error", err)
	}
	if env.control.stops != 1 {
		t.Errorf("machine stopped %d times, want 1", env.control.stops)
	}
}

func TestExecInternalErrorPolicy(t *testing.T) {
	internalEmulation := scriptExit(exitInternalError, func(run *RunData) {
		ie := (*internalErrorExit)(unsafe.Pointer(&run.Exit[0]))
		ie.Suberror = internalErrorEmulation
	})

	t.Run("inject", func(t *testing.T) {
		env, v := newRunEnv(t)
		env.arch.stopOnEmu = false
		env.d.runScript = []func(*RunData) error{internalEmulation}

		if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
			t.Fatalf("Exec returned %v, want ErrInterrupted", err)
		}
		if env.arch.dumps != 1 {
			t.Errorf("state dumped %d times, want 1 for the diagnostic", env.arch.dumps)
		}
		if env.control.stops != 0 {
			t.Error("machine stopped despite the injection policy")
		}
	})

	t.Run("stop", func(t *testing.T) {
		env, v := newRunEnv(t)
		env.arch.stopOnEmu = true
		env.d.runScript = []func(*RunData) error{internalEmulation}

		if err := env.s.Exec(v); err == nil || errors.Is(err, hv.ErrInterrupted) {
			t.Fatalf("Exec returned %v, want a hard error", err)
		}
		if env.control.stops != 1 {
			t.Errorf("machine stopped %d times, want 1", env.control.stops)
		}
	})
}

func TestExecDelegatesUnhandledExits(t *testing.T) {
	env, v := newRunEnv(t)
	// Exit reason 5 (HLT) is not handled by the generic dispatcher.
	env.d.runScript = []func(*RunData) error{
		scriptExit(exitHlt, nil),
	}

	if err := env.s.Exec(v); !errors.Is(err, hv.ErrInterrupted) {
		t.Fatalf("Exec: %v", err)
	}
}
