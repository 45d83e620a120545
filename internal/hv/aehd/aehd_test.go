package aehd

import (
	"testing"
)

type testEnv struct {
	d       *fakeDriver
	arch    *fakeArch
	control *recordingControl
	portIO  *recordingBus
	memory  *recordingBus
	tracker *recordingTracker
	s       *State
}

func newTestEnv(t *testing.T, interruptSupport bool) *testEnv {
	t.Helper()

	env := &testEnv{
		d:       newFakeDriver(),
		arch:    &fakeArch{},
		control: &recordingControl{},
		portIO:  &recordingBus{},
		memory:  &recordingBus{},
		tracker: &recordingTracker{},
	}

	s, err := New(env.d.device(), Config{
		Arch:             env.arch,
		PortIO:           env.portIO,
		Memory:           env.memory,
		Control:          env.control,
		Dirty:            env.tracker,
		SMPCPUs:          1,
		MaxCPUs:          1,
		InterruptSupport: interruptSupport,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.s = s
	return env
}

func TestNewReadsCapabilities(t *testing.T) {
	env := newTestEnv(t, true)

	if env.s.nrSlots != 8 {
		t.Errorf("nrSlots = %d, want 8", env.s.nrSlots)
	}
	if env.s.MaxVCPUs() != 8 {
		t.Errorf("MaxVCPUs = %d, want 8", env.s.MaxVCPUs())
	}
	if env.arch.initVM != 1 {
		t.Errorf("InitVM ran %d times, want 1", env.arch.initVM)
	}
	if got := env.d.countCalls(reqCreateIRQChip); got != 1 {
		t.Errorf("CREATE_IRQCHIP issued %d times, want 1", got)
	}

	// gsiCount is the routing capability minus the reserved entry.
	if env.s.gsiCount != 24 {
		t.Errorf("gsiCount = %d, want 24", env.s.gsiCount)
	}
}

func TestNewWithoutInterruptSupport(t *testing.T) {
	env := newTestEnv(t, false)

	if got := env.d.countCalls(reqCreateIRQChip); got != 0 {
		t.Errorf("CREATE_IRQCHIP issued %d times, want 0", got)
	}
	if env.s.gsiCount != 0 {
		t.Errorf("gsiCount = %d, want 0", env.s.gsiCount)
	}
}

func TestNewRejectsTooManyCPUs(t *testing.T) {
	d := newFakeDriver()
	d.caps[capMaxVCPUs] = 2

	_, err := New(d.device(), Config{
		Arch:    &fakeArch{},
		Control: &recordingControl{},
		SMPCPUs: 4,
	})
	if err == nil {
		t.Fatal("New accepted an SMP count above the driver maximum")
	}
}

func TestNewDefaultsMissingCapabilities(t *testing.T) {
	d := newFakeDriver()
	delete(d.caps, capNRMemslots)
	delete(d.caps, capNRVCPUs)
	delete(d.caps, capMaxVCPUs)
	delete(d.caps, capMaxVCPUID)

	s, err := New(d.device(), Config{Arch: &fakeArch{}, Control: &recordingControl{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.nrSlots != 32 {
		t.Errorf("nrSlots = %d, want the 32 fallback", s.nrSlots)
	}
	if s.recommendedVCPUs != 4 {
		t.Errorf("recommendedVCPUs = %d, want the 4 fallback", s.recommendedVCPUs)
	}
	if s.maxVCPUs != 4 {
		t.Errorf("maxVCPUs = %d, want the recommended fallback", s.maxVCPUs)
	}
	if s.maxVCPUID != 4 {
		t.Errorf("maxVCPUID = %d, want the maxVCPUs fallback", s.maxVCPUID)
	}
}

func TestVCPUIDIsValid(t *testing.T) {
	env := newTestEnv(t, false)

	for _, tc := range []struct {
		id   int
		want bool
	}{
		{0, true},
		{15, true},
		{16, false},
		{-1, false},
	} {
		if got := env.s.VCPUIDIsValid(tc.id); got != tc.want {
			t.Errorf("VCPUIDIsValid(%d) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestVMCheckExtensionFallsBack(t *testing.T) {
	env := newTestEnv(t, false)

	// The fake answers CHECK_EXTENSION on every handle, so the VM-scope
	// query works directly.
	if got := env.s.VMCheckExtension(capNRVCPUs); got != 4 {
		t.Errorf("VMCheckExtension = %d, want 4", got)
	}
}
