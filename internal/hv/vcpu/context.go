package vcpu

// sstatus / sie / hvip bits used by the injection core.
const (
	SieSSIE uint64 = 1 << 1 // Supervisor software interrupt enable
	SieSTIE uint64 = 1 << 5 // Supervisor timer interrupt enable
	SieSEIE uint64 = 1 << 9 // Supervisor external interrupt enable

	// SieGuestMask is the set of enables that make the guest accept an
	// injected interrupt.
	SieGuestMask = SieSSIE | SieSTIE | SieSEIE

	HvipVSSIP uint64 = 1 << 2  // VS-level software interrupt pending
	HvipVSTIP uint64 = 1 << 6  // VS-level timer interrupt pending
	HvipVSEIP uint64 = 1 << 10 // VS-level external interrupt pending
)

// scause layout
const (
	ScauseInterrupt uint64 = 1 << 63
	ScauseCodeMask         = ^ScauseInterrupt
)

// Interrupt cause codes (scause with the interrupt bit set).
const (
	IntSupervisorSoftware uint64 = 1
	IntSupervisorTimer    uint64 = 5
	IntSupervisorExternal uint64 = 9
)

// EOIExitWords is the number of 64-bit words in an EOI-exit bitmap
// (256 vectors).
const EOIExitWords = 4

// Regs is the integer register file, x0..x31.
type Regs struct {
	X [32]uint64
}

// A returns argument register a<n>.
func (r *Regs) A(n int) uint64 { return r.X[10+n] }

// SetA writes argument register a<n>.
func (r *Regs) SetA(n int, v uint64) { r.X[10+n] = v }

// RunContext is the architectural state the hypervisor reads and writes
// between guest exits.
//
// It is owned by the vCPU's own thread. The TEE/REE switch writes a peer's
// return registers only while the peer is blocked.
type RunContext struct {
	Regs Regs

	Sepc    uint64
	Sstatus uint64
	Sie     uint64
	Scause  uint64
	Stval   uint64
	Hvip    uint64

	// Length of the trapping instruction; 0 means 4.
	TrapInstLen uint64

	// VS-level trap state written by exception injection.
	Vstvec    uint64
	Vsepc     uint64
	Vscause   uint64
	Vstval    uint64
	ErrorCode uint32

	// Exit-trapping modes re-armed by the window exit handlers.
	IntrWindowExiting bool
	NMIWindowExiting  bool

	// NMIPending is set when an NMI is scheduled for delivery and cleared
	// by the NMI-window exit once the guest has taken it.
	NMIPending bool

	// Active EOI-exit bitmap.
	EOIExit [EOIExitWords]uint64

	// ControlValid is set by InitControl.
	ControlValid bool
}

// GuestIRQEnabled reports whether the guest currently accepts interrupts.
func (c *RunContext) GuestIRQEnabled() bool {
	return c.Sie&SieGuestMask != 0
}

// SkipInstruction moves sepc past the trapping instruction.
func (c *RunContext) SkipInstruction() {
	n := c.TrapInstLen
	if n == 0 {
		n = 4
	}
	c.Sepc += n
	c.TrapInstLen = 0
}

// resetControl brings the trap-control state back to its reset value.
func (c *RunContext) resetControl() {
	c.Hvip = 0
	c.Vscause = 0
	c.Vsepc = 0
	c.Vstval = 0
	c.ErrorCode = 0
	c.IntrWindowExiting = false
	c.NMIWindowExiting = false
	c.NMIPending = false
	c.EOIExit = [EOIExitWords]uint64{}
	c.ControlValid = true
}
