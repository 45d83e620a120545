package x86

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmaccel/internal/hv/aehd"
)

// eferLMA is set when the CPU runs in long mode.
const eferLMA = 1 << 10

// DumpState implements aehd.Arch. It writes the register file and a short
// disassembly around the current instruction pointer, best effort; the
// machine is about to stop, so transfer errors are reported inline rather
// than returned.
func (a *Arch) DumpState(v *aehd.VCPU, w io.Writer) {
	st := state(v)

	if err := a.GetRegisters(v); err != nil {
		fmt.Fprintf(w, "x86: register state may be stale: %v\n", err)
	}

	fmt.Fprintf(w, "vcpu %d register state:\n", v.ID())
	spew.Fdump(w, st.regs)
	spew.Fdump(w, st.sregs)

	a.dumpCode(v, w)
}

func (a *Arch) dumpCode(v *aehd.VCPU, w io.Writer) {
	st := state(v)

	mode := 16
	if st.sregs.EFER&eferLMA != 0 && st.sregs.CS.L != 0 {
		mode = 64
	} else if st.sregs.CS.DB != 0 {
		mode = 32
	}

	// Linear address only; paging translation is out of reach here, so the
	// dump is meaningful for identity-mapped or unpaged guests.
	addr := st.sregs.CS.Base + st.regs.RIP

	var code [16]byte
	if err := a.Memory.Read(addr, code[:]); err != nil {
		fmt.Fprintf(w, "code at %#x unavailable: %v\n", addr, err)
		return
	}

	inst, err := x86asm.Decode(code[:], mode)
	if err != nil {
		fmt.Fprintf(w, "code at %#x: % x (undecodable: %v)\n", addr, code, err)
		return
	}

	fmt.Fprintf(w, "code at %#x: % x\n\t%s\n",
		addr, code[:inst.Len], x86asm.GNUSyntax(inst, addr, nil))
}
