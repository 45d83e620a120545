package aehd

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/tinyrange/vmaccel/internal/hv"
)

// fakeDriver emulates the kernel driver behind the Transport interface so
// the core can be exercised without the real device. Every handle family
// (device, VM, vCPU) is a fakeTransport sharing this struct.
type fakeDriver struct {
	caps map[uint32]int

	nextHandle uint64
	calls      []fakeCall

	// Per-vCPU run structures, keyed by vCPU handle. The fake allocates
	// real RunData values so VCPU_MMAP can hand out genuine pointers.
	runData map[uint64]*RunData

	// runScript is popped once per RUN call; each entry mutates the run
	// structure to fake an exit, or returns an error instead. An empty
	// script makes RUN report the transient retry condition.
	runScript []func(run *RunData) error

	// irqStatus is the delivery status IRQ_LINE_STATUS reports back.
	irqStatus int32

	// dirtyFill is written into every word of a requested dirty bitmap.
	dirtyFill uint64

	createdVCPUs int
	commits      [][]byte
	regs         map[uint64][]byte
	sregs        map[uint64][]byte
}

type fakeCall struct {
	handle uint64
	code   uint32
	in     []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		caps: map[uint32]int{
			capNRMemslots: 8,
			capNRVCPUs:    4,
			capMaxVCPUs:   8,
			capMaxVCPUID:  16,
			capIRQRouting: 25,
		},
		nextHandle: 0x1000,
		runData:    make(map[uint64]*RunData),
		regs:       make(map[uint64][]byte),
		sregs:      make(map[uint64][]byte),
	}
}

func (d *fakeDriver) countCalls(code uint32) int {
	n := 0
	for _, c := range d.calls {
		if c.code == code {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	d      *fakeDriver
	handle uint64
}

func (d *fakeDriver) device() Transport {
	return &fakeTransport{d: d}
}

func (t *fakeTransport) Scope(handle uint64) Transport {
	return &fakeTransport{d: t.d, handle: handle}
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) Call(code uint32, in, out []byte) error {
	d := t.d
	d.calls = append(d.calls, fakeCall{handle: t.handle, code: code, in: append([]byte(nil), in...)})

	switch code {
	case reqCheckExtension:
		ext := binary.LittleEndian.Uint32(in)
		binary.LittleEndian.PutUint32(out, uint32(int32(d.caps[ext])))
		return nil

	case reqCreateVM, reqCreateVCPU:
		d.nextHandle++
		if code == reqCreateVCPU {
			d.createdVCPUs++
		}
		binary.LittleEndian.PutUint64(out, d.nextHandle)
		return nil

	case reqGetVCPUMmapSize:
		binary.LittleEndian.PutUint32(out, uint32(unsafe.Sizeof(RunData{})))
		return nil

	case reqVCPUMmap:
		run, ok := d.runData[t.handle]
		if !ok {
			run = &RunData{}
			d.runData[t.handle] = run
		}
		binary.LittleEndian.PutUint64(out, uint64(uintptr(unsafe.Pointer(run))))
		return nil

	case reqVCPUMunmap, reqKickVCPU, reqCreateIRQChip,
		reqSetTSSAddr, reqSetUserMemoryRegion:
		return nil

	case reqSetGSIRouting:
		d.commits = append(d.commits, append([]byte(nil), in...))
		return nil

	case reqIRQLineStatus:
		ev := (*irqLevel)(unsafe.Pointer(&out[0]))
		ev.IRQOrStatus = uint32(d.irqStatus)
		return nil

	case reqGetDirtyLog:
		log := (*dirtyLog)(unsafe.Pointer(&in[0]))
		// The bitmap length is derived from the slot by the caller; the
		// fake just fills the first word.
		word := (*uint64)(unsafe.Pointer(uintptr(log.BitmapPtr)))
		*word = d.dirtyFill
		return nil

	case reqGetRegs:
		copy(out, d.regs[t.handle])
		return nil
	case reqSetRegs:
		d.regs[t.handle] = append([]byte(nil), in...)
		return nil
	case reqGetSRegs:
		copy(out, d.sregs[t.handle])
		return nil
	case reqSetSRegs:
		d.sregs[t.handle] = append([]byte(nil), in...)
		return nil

	case reqRun:
		if len(d.runScript) == 0 {
			return ErrRetry
		}
		step := d.runScript[0]
		d.runScript = d.runScript[1:]
		return step(d.runData[t.handle])

	default:
		return &TransportError{Code: 0x1}
	}
}

// fakeArch is a recording Arch implementation with scriptable emulation
// error policy.
type fakeArch struct {
	initVM, initVCPU int
	gets, puts       int
	lastPutLevel     PutLevel
	dumps            int
	haltNext         bool
	stopOnEmu        bool

	released []int
	msiPosts []int
}

func (a *fakeArch) InitVM(s *State) error { a.initVM++; return nil }

func (a *fakeArch) CreateIRQChip(s *State) (bool, error) { return false, nil }

func (a *fakeArch) InitVCPU(v *VCPU) error { a.initVCPU++; return nil }

func (a *fakeArch) GetRegisters(v *VCPU) error { a.gets++; return nil }

func (a *fakeArch) PreRun(v *VCPU) {}

func (a *fakeArch) PostRun(v *VCPU) {}

func (a *fakeArch) StopOnEmulationError(v *VCPU) bool { return a.stopOnEmu }

func (a *fakeArch) ReleaseVirqPost(virq int) { a.released = append(a.released, virq) }

func (a *fakeArch) AddMSIRoutePost(virq, vector int) { a.msiPosts = append(a.msiPosts, virq) }

func (a *fakeArch) DumpState(v *VCPU, w io.Writer) { a.dumps++ }

func (a *fakeArch) PutRegisters(v *VCPU, level PutLevel) error {
	a.puts++
	a.lastPutLevel = level
	return nil
}

func (a *fakeArch) ProcessAsyncEvents(v *VCPU) bool {
	halted := a.haltNext
	a.haltNext = false
	return halted
}

func (a *fakeArch) HandleExit(v *VCPU) (Outcome, error) {
	return OutcomeInterrupted, nil
}

// recordingBus remembers every access and serves reads from a fill byte.
type busAccess struct {
	addr  uint64
	data  []byte
	write bool
}

type recordingBus struct {
	accesses []busAccess
	fill     byte
	err      error
}

func (b *recordingBus) Read(addr uint64, p []byte) error {
	if b.err != nil {
		return b.err
	}
	for i := range p {
		p[i] = b.fill
	}
	b.accesses = append(b.accesses, busAccess{addr: addr, data: append([]byte(nil), p...)})
	return nil
}

func (b *recordingBus) Write(addr uint64, p []byte) error {
	if b.err != nil {
		return b.err
	}
	b.accesses = append(b.accesses, busAccess{addr: addr, data: append([]byte(nil), p...), write: true})
	return nil
}

// recordingControl counts lifecycle requests.
type recordingControl struct {
	resets, shutdowns, panics, stops int
}

func (c *recordingControl) RequestGuestReset() { c.resets++ }
func (c *recordingControl) RequestShutdown()   { c.shutdowns++ }
func (c *recordingControl) GuestPanicked()     { c.panics++ }
func (c *recordingControl) StopMachine()       { c.stops++ }

// recordingTracker collects dirty bitmap syncs.
type recordingTracker struct {
	sections []hv.Section
	bitmaps  [][]uint64
}

func (tr *recordingTracker) MarkDirtyLEBitmap(sec hv.Section, bitmap []uint64) {
	tr.sections = append(tr.sections, sec)
	tr.bitmaps = append(tr.bitmaps, append([]uint64(nil), bitmap...))
}
