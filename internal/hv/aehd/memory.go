package aehd

import (
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/tinyrange/vmaccel/internal/hv"
)

// The driver tracks dirty state in target-page units and hands bitmaps
// back rounded up to host long words.
const (
	targetPageBits = 12
	hostLongBits   = 64
)

// slot is one guest-physical mapping registered with the driver. A zero
// MemorySize marks the slot free for reuse; indices are therefore not a
// stable identity across remove/add cycles.
type slot struct {
	index      uint32
	startAddr  uint64
	memorySize uint64
	ram        uintptr
	flags      uint32
}

// MemoryListener mirrors one address space into driver memory slots. It
// implements hv.MemoryListener; the region tracker drives it through those
// callbacks.
type MemoryListener struct {
	s     *State
	asID  int
	slots []slot
}

var _ hv.MemoryListener = &MemoryListener{}

// RegisterMemoryListener creates the slot arena for one address space.
// The returned listener is handed to the region-tracking collaborator.
func (s *State) RegisterMemoryListener(asID int) *MemoryListener {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &MemoryListener{
		s:     s,
		asID:  asID,
		slots: make([]slot, s.nrSlots),
	}
	for i := range l.slots {
		l.slots[i].index = uint32(i)
	}

	s.listeners = append(s.listeners, l)
	return l
}

func (l *MemoryListener) getFreeSlot() *slot {
	for i := range l.slots {
		if l.slots[i].memorySize == 0 {
			return &l.slots[i]
		}
	}
	return nil
}

// HasFreeSlot reports whether another region can be registered. Callers
// are expected to check this before adding regions; allocation failure is
// fatal.
func (l *MemoryListener) HasFreeSlot() bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.getFreeSlot() != nil
}

func (l *MemoryListener) allocSlot() *slot {
	if mem := l.getFreeSlot(); mem != nil {
		return mem
	}
	panic("aehd: no free memory slot available")
}

// lookupMatchingSlot finds the live slot exactly covering [start,
// start+size); partial overlaps never match.
func (l *MemoryListener) lookupMatchingSlot(start, size uint64) *slot {
	for i := range l.slots {
		mem := &l.slots[i]
		if start == mem.startAddr && size == mem.memorySize {
			return mem
		}
	}
	return nil
}

// alignSection pads the section start up to the next host page boundary
// and truncates the size down to one. A zero result means the aligned
// section is empty and must be ignored.
func alignSection(sec hv.Section) (start, size uint64) {
	pageSize := uint64(os.Getpagesize())

	aligned := (sec.Start + pageSize - 1) &^ (pageSize - 1)
	delta := aligned - sec.Start
	if delta > sec.Size {
		return aligned, 0
	}
	return aligned, (sec.Size - delta) &^ (pageSize - 1)
}

func memFlags(sec hv.Section) uint32 {
	var flags uint32
	if sec.LogDirty {
		flags |= memLogDirtyPages
	}
	if sec.ReadOnly || (sec.ROMDevice && sec.ROMDeviceMode) {
		flags |= memReadonly
	}
	return flags
}

// setUserMemoryRegion pushes the slot's current fields to the driver.
// Re-registering a live slot as read-only requires a zero-size commit
// first so the driver drops the old mapping; this ordering is a quirk of
// the underlying kernel implementation, not a general invariant.
func (l *MemoryListener) setUserMemoryRegion(mem *slot) error {
	region := userspaceMemoryRegion{
		Slot:          mem.index | uint32(l.asID)<<16,
		Flags:         mem.flags,
		GuestPhysAddr: mem.startAddr,
		UserspaceAddr: uint64(mem.ram),
	}

	if mem.memorySize != 0 && mem.flags&memReadonly != 0 {
		region.MemorySize = 0
		_ = l.s.vm.Call(reqSetUserMemoryRegion, rawBytes(&region), nil)
	}

	region.MemorySize = mem.memorySize
	return l.s.vm.Call(reqSetUserMemoryRegion, rawBytes(&region), nil)
}

// slotUpdateFlags recomputes the slot flags from the section and commits
// only when they effectively changed.
func (l *MemoryListener) slotUpdateFlags(mem *slot, sec hv.Section) error {
	oldFlags := mem.flags
	mem.flags = memFlags(sec)

	if mem.flags == oldFlags {
		return nil
	}
	return l.setUserMemoryRegion(mem)
}

func (l *MemoryListener) sectionUpdateFlags(sec hv.Section) error {
	start, size := alignSection(sec)
	if size == 0 {
		return nil
	}

	mem := l.lookupMatchingSlot(start, size)
	if mem == nil {
		// No slot means every access traps already.
		return nil
	}

	return l.slotUpdateFlags(mem, sec)
}

// LogStart implements hv.MemoryListener.
func (l *MemoryListener) LogStart(sec hv.Section) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if err := l.sectionUpdateFlags(sec); err != nil {
		panic(fmt.Sprintf("aehd: dirty pages log change: %v", err))
	}
}

// LogStop implements hv.MemoryListener.
func (l *MemoryListener) LogStop(sec hv.Section) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if err := l.sectionUpdateFlags(sec); err != nil {
		panic(fmt.Sprintf("aehd: dirty pages log change: %v", err))
	}
}

// syncDirtyBitmap fetches the kernel-tracked dirty bitmap for the slot
// matching the section and folds it into the public dirty tracker.
func (l *MemoryListener) syncDirtyBitmap(sec hv.Section) error {
	start, size := alignSection(sec)
	if size == 0 {
		return nil
	}

	mem := l.lookupMatchingSlot(start, size)
	if mem == nil {
		return nil
	}

	pages := mem.memorySize >> targetPageBits
	words := (pages + hostLongBits - 1) / hostLongBits
	buf := make([]uint64, words)

	d := dirtyLog{
		Slot:      mem.index | uint32(l.asID)<<16,
		BitmapPtr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if err := l.s.vm.Call(reqGetDirtyLog, rawBytes(&d), rawBytes(&d)); err != nil {
		return fmt.Errorf("aehd: get dirty log for slot %d: %w", mem.index, err)
	}

	if l.s.dirty != nil {
		l.s.dirty.MarkDirtyLEBitmap(sec, buf)
	}
	return nil
}

// LogSync implements hv.MemoryListener.
func (l *MemoryListener) LogSync(sec hv.Section) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if err := l.syncDirtyBitmap(sec); err != nil {
		panic(fmt.Sprintf("aehd: sync dirty bitmap: %v", err))
	}
}

// setPhysMem registers or unregisters the driver slot for a section.
func (l *MemoryListener) setPhysMem(sec hv.Section, add bool) {
	if !sec.RAM {
		writable := !sec.ReadOnly && !sec.ROMDevice
		if writable {
			return
		}
		if !sec.ROMDeviceMode {
			// A ROM device outside romd mode must trap every access, so
			// drop the slot instead of registering one.
			add = false
		}
	}

	start, size := alignSection(sec)
	if size == 0 {
		return
	}

	// Advance the host pointer by the same amount the start was padded.
	ram := sec.Host + uintptr(start-sec.Start)

	if !add {
		mem := l.lookupMatchingSlot(start, size)
		if mem == nil {
			return
		}
		if mem.flags&memLogDirtyPages != 0 {
			if err := l.syncDirtyBitmap(sec); err != nil {
				slog.Error("aehd: final dirty sync before removal", "error", err)
			}
		}

		mem.memorySize = 0
		if err := l.setUserMemoryRegion(mem); err != nil {
			panic(fmt.Sprintf("aehd: unregister slot %d: %v", mem.index, err))
		}
		return
	}

	mem := l.allocSlot()
	mem.memorySize = size
	mem.startAddr = start
	mem.ram = ram
	mem.flags = memFlags(sec)

	if err := l.setUserMemoryRegion(mem); err != nil {
		panic(fmt.Sprintf("aehd: register slot %d: %v", mem.index, err))
	}
}

// RegionAdd implements hv.MemoryListener.
func (l *MemoryListener) RegionAdd(sec hv.Section) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.setPhysMem(sec, true)
}

// RegionDel implements hv.MemoryListener.
func (l *MemoryListener) RegionDel(sec hv.Section) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.setPhysMem(sec, false)
}
