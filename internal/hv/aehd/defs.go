package aehd

import "fmt"

// Request codes for the AEHD kernel driver. The driver multiplexes all
// operations over buffered device I/O control; codes follow the usual
// CTL_CODE layout (device type 0x22, method buffered, any access) with the
// function number carrying the operation.
const (
	ctlBase = 0x22 << 16

	// device scope
	reqGetAPIVersion   = ctlBase | 0x800<<2
	reqCreateVM        = ctlBase | 0x801<<2
	reqCheckExtension  = ctlBase | 0x803<<2
	reqGetVCPUMmapSize = ctlBase | 0x804<<2

	// VM scope
	reqCreateVCPU          = ctlBase | 0x841<<2
	reqGetDirtyLog         = ctlBase | 0x842<<2
	reqSetUserMemoryRegion = ctlBase | 0x846<<2
	reqSetTSSAddr          = ctlBase | 0x847<<2
	reqCreateIRQChip       = ctlBase | 0x860<<2
	reqIRQLineStatus       = ctlBase | 0x861<<2
	reqSetGSIRouting       = ctlBase | 0x86a<<2
	reqKickVCPU            = ctlBase | 0x8c0<<2

	// vCPU scope
	reqRun        = ctlBase | 0x880<<2
	reqGetRegs    = ctlBase | 0x881<<2
	reqSetRegs    = ctlBase | 0x882<<2
	reqGetSRegs   = ctlBase | 0x883<<2
	reqSetSRegs   = ctlBase | 0x884<<2
	reqVCPUMmap   = ctlBase | 0x8c1<<2
	reqVCPUMunmap = ctlBase | 0x8c2<<2
)

// Capability numbers understood by CHECK_EXTENSION.
const (
	capNRVCPUs    = 9
	capNRMemslots = 10
	capIRQRouting = 25
	capMaxVCPUs   = 66
	capMaxVCPUID  = 128
)

// Memory slot flags.
const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// Routing entry kinds.
const (
	routeIRQChip = 1
	routeMSI     = 2
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type dirtyLog struct {
	Slot      uint32
	Pad       uint32
	BitmapPtr uint64
}

type irqLevel struct {
	// IRQOrStatus carries the GSI on input and the delivery status on
	// output; the driver reuses the field.
	IRQOrStatus uint32
	Level       uint32
}

type exitReason uint32

const (
	exitUnknown       exitReason = 0
	exitIO            exitReason = 2
	exitHlt           exitReason = 5
	exitMMIO          exitReason = 6
	exitIRQWindowOpen exitReason = 7
	exitShutdown      exitReason = 8
	exitIntr          exitReason = 10
	exitInternalError exitReason = 17
	exitSystemEvent   exitReason = 24
)

func (r exitReason) String() string {
	switch r {
	case exitUnknown:
		return "AEHD_EXIT_UNKNOWN"
	case exitIO:
		return "AEHD_EXIT_IO"
	case exitHlt:
		return "AEHD_EXIT_HLT"
	case exitMMIO:
		return "AEHD_EXIT_MMIO"
	case exitIRQWindowOpen:
		return "AEHD_EXIT_IRQ_WINDOW_OPEN"
	case exitShutdown:
		return "AEHD_EXIT_SHUTDOWN"
	case exitIntr:
		return "AEHD_EXIT_INTR"
	case exitInternalError:
		return "AEHD_EXIT_INTERNAL_ERROR"
	case exitSystemEvent:
		return "AEHD_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("AEHD_EXIT_???(%d)", uint32(r))
	}
}

const (
	systemEventShutdown = 1
	systemEventReset    = 2
	systemEventCrash    = 3
)

type internalErrorSub uint32

const (
	internalErrorEmulation internalErrorSub = 1
	internalErrorSimulEx   internalErrorSub = 2
	internalErrorDelivery  internalErrorSub = 3
)

func (s internalErrorSub) String() string {
	switch s {
	case internalErrorEmulation:
		return "AEHD_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "AEHD_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDelivery:
		return "AEHD_INTERNAL_ERROR_DELIVERY_EV"
	default:
		return fmt.Sprintf("AEHDInternalErrorSub(%d)", uint32(s))
	}
}

// RunData mirrors the run structure the driver maps for each vCPU. The
// pointer returned by VCPU_MMAP stays valid until VCPU_MUNMAP.
type RunData struct {
	RequestInterruptWindow     uint8
	UserEventPending           uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	Cr8                        uint64
	ApicBase                   uint64
	// Exit carries the reason-specific payload; overlaid by the structs
	// below according to ExitReason.
	Exit [256]byte
}

type ioExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

const (
	ioDirectionIn  = 0
	ioDirectionOut = 1
)

type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

type hardwareExit struct {
	HardwareExitReason uint64
}

type internalErrorExit struct {
	Suberror internalErrorSub
	NData    uint32
	Data     [16]uint64
}

type systemEventExit struct {
	Type  uint32
	NData uint32
	Data  [16]uint64
}

// PutLevel selects how much register state PutRegisters pushes to the
// driver.
type PutLevel int

const (
	// PutRuntimeState pushes the state that changes during normal
	// execution; used before re-entering the guest with a dirty vCPU.
	PutRuntimeState PutLevel = iota + 1
	// PutResetState pushes the post-reset register file.
	PutResetState
	// PutFullState pushes everything, including one-time init state.
	PutFullState
)
