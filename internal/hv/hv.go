// Package hv defines the contracts between the hardware-virtualization
// accelerator core and its collaborators: the address-space/region tracker
// that feeds memory sections in, the buses that absorb guest I/O, and the
// machine-level code that reacts to guest lifecycle events.
package hv

import "errors"

var (
	// ErrInterrupted is returned from an execution slice when the vCPU was
	// kicked out of guest mode by a signal or pending work. The caller
	// should re-evaluate pending conditions and run another slice.
	ErrInterrupted = errors.New("vcpu interrupted")

	// ErrVMHalted is returned when the vCPU has nothing to run until the
	// next event (pending halt).
	ErrVMHalted = errors.New("virtual machine halted")

	// ErrAcceleratorUnsupported is returned by accelerator constructors on
	// platforms without the kernel driver.
	ErrAcceleratorUnsupported = errors.New("accelerator unsupported on this platform")
)

// Section describes a guest-physical memory range within one address space.
// It is the unit handed to MemoryListener callbacks by the region tracker.
type Section struct {
	// AddressSpaceID scopes the section; the accelerator encodes it into
	// the driver slot number.
	AddressSpaceID int

	// Start is the offset of the section within the address space.
	Start uint64
	Size  uint64

	// Host is the host virtual address backing Start. Only meaningful for
	// RAM-backed sections.
	Host uintptr

	// RAM is set when the section is backed by host memory. Non-RAM
	// sections are only registered when they must trap accesses.
	RAM       bool
	ReadOnly  bool
	ROMDevice bool
	// ROMDeviceMode is set when a ROM device currently services reads from
	// RAM (writes still trap). A ROM device outside this mode must have its
	// slot dropped so every access traps.
	ROMDeviceMode bool

	// LogDirty is set when dirty-page tracking is requested for the range.
	LogDirty bool
}

// MemoryListener receives region lifecycle callbacks from the address-space
// tracker. The accelerator core implements this for each address space it
// mirrors into driver memory slots.
type MemoryListener interface {
	RegionAdd(sec Section)
	RegionDel(sec Section)
	LogStart(sec Section)
	LogStop(sec Section)
	LogSync(sec Section)
}

// DirtyTracker is the public dirty-page structure maintained outside the
// accelerator core. The core folds kernel bitmaps into it during log syncs.
type DirtyTracker interface {
	// MarkDirtyLEBitmap applies a little-endian dirty bitmap fetched from
	// the driver. Bit N covers the Nth target page of the section.
	MarkDirtyLEBitmap(sec Section, bitmap []uint64)
}

// Bus is a byte-addressed dispatch target for guest accesses. Two instances
// collaborate with the execution loop: the port I/O space (addresses are
// port numbers) and the physical memory space (MMIO).
type Bus interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// SystemControl receives guest lifecycle requests from the execution loop.
// These are not errors; they are translated guest-visible events.
type SystemControl interface {
	// RequestGuestReset asks for a machine reset on behalf of the guest.
	RequestGuestReset()
	// RequestShutdown asks for an orderly process shutdown.
	RequestShutdown()
	// GuestPanicked reports a guest crash after register state has been
	// synchronized for inspection.
	GuestPanicked()
	// StopMachine halts execution after an internal error; the machine must
	// not keep running in a possibly inconsistent state.
	StopMachine()
}

// MSIMessage is a message-signaled interrupt as written by a device: a
// 64-bit doorbell address and a 32-bit payload.
type MSIMessage struct {
	Address uint64
	Data    uint32
}
