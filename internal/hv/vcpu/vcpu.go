// Package vcpu holds the per-vCPU state of the injection core: the pending
// request bitmap, the exception slot, the run context, the thread object
// and the mailbox.
package vcpu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/notify"
	"github.com/tinyrange/hvcore/internal/hv/request"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// VectorInvalid marks an empty exception slot.
const VectorInvalid uint32 = 0x100

// Config describes a vCPU at creation.
type Config struct {
	VMID uint16
	ID   int
	PCPU int

	// Blocked creates the thread parked; the TEE side of a pair starts
	// this way.
	Blocked bool

	Logger *slog.Logger
}

// Stats are informational counters.
type Stats struct {
	Passes             atomic.Uint64
	ExceptionsInjected atomic.Uint64
	ExtIntsInjected    atomic.Uint64
	EventsInjected     atomic.Uint64
	NMIsScheduled      atomic.Uint64
	EPTFlushes         atomic.Uint64
	VPIDFlushes        atomic.Uint64
	Switches           atomic.Uint64
}

// VCPU is one virtual CPU, identified by (VM id, vCPU id).
type VCPU struct {
	requests request.Bitmap

	vmID uint16
	id   int
	pcpu int
	log  *slog.Logger

	ctx RunContext

	excVector atomic.Uint32
	excCode   atomic.Uint32
	excTval   atomic.Uint64

	// eoiExit is the requested EOI-exit bitmap, copied into the run
	// context on EOIExitBitmapUpdate.
	eoiExit [EOIExitWords]atomicbitops.Uint64

	thread *Thread
	events [numEvents]Event

	mailbox atomic.Pointer[Mailbox]

	Stats Stats
}

// New creates a vCPU without a mailbox; see InitMailbox.
func New(cfg Config) *VCPU {
	state := StateRunnable
	if cfg.Blocked {
		state = StateBlocked
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	v := &VCPU{
		vmID:   cfg.VMID,
		id:     cfg.ID,
		pcpu:   cfg.PCPU,
		thread: newThread(state),
	}
	v.log = log.With("vm", cfg.VMID, "vcpu", cfg.ID)
	v.excVector.Store(VectorInvalid)
	v.ctx.resetControl()
	return v
}

func (v *VCPU) VMID() uint16 { return v.vmID }
func (v *VCPU) ID() int { return v.id }
func (v *VCPU) PCPU() int { return v.pcpu }
func (v *VCPU) Logger() *slog.Logger { return v.log }
func (v *VCPU) Thread() *Thread { return v.thread }
func (v *VCPU) Context() *RunContext { return &v.ctx }
func (v *VCPU) Event(id EventID) *Event { return &v.events[id] }

func (v *VCPU) String() string {
	return fmt.Sprintf("vm%d/vcpu%d", v.vmID, v.id)
}

// Requests exposes the pending-request bitmap. Only the owning physical CPU
// may call TestAndClear on it.
func (v *VCPU) Requests() *request.Bitmap {
	return &v.requests
}

// MakeRequest marks kind pending and kicks the physical CPU hosting v so
// it re-runs the injection pass. Safe from any goroutine or CPU.
func (v *VCPU) MakeRequest(kind request.Kind) {
	v.requests.Set(kind)
	if err := notify.Kick(v.pcpu); err != nil {
		v.log.Warn("kick failed", "request", kind, "pcpu", v.pcpu, "error", err)
	}
}

// SetException fills the exception slot if it is empty. It reports false
// when an earlier exception has not drained yet; the slot is unchanged.
func (v *VCPU) SetException(vector, errCode uint32, tval uint64) bool {
	if !v.excVector.CompareAndSwap(VectorInvalid, vector) {
		return false
	}
	v.excCode.Store(errCode)
	v.excTval.Store(tval)
	return true
}

// PendingException returns the queued vector, or VectorInvalid.
func (v *VCPU) PendingException() uint32 {
	return v.excVector.Load()
}

// TakeException empties the slot and returns what it held.
func (v *VCPU) TakeException() (vector, errCode uint32, tval uint64) {
	errCode = v.excCode.Load()
	tval = v.excTval.Load()
	vector = v.excVector.Swap(VectorInvalid)
	return vector, errCode, tval
}

// SetEOIExit requests that guest EOI of vector traps to the hypervisor.
// It takes effect on the next EOIExitBitmapUpdate.
func (v *VCPU) SetEOIExit(vector uint8) {
	updateWord(&v.eoiExit[vector/64], func(w uint64) uint64 { return w | 1<<(vector%64) })
}

// ClearEOIExit reverses SetEOIExit.
func (v *VCPU) ClearEOIExit(vector uint8) {
	updateWord(&v.eoiExit[vector/64], func(w uint64) uint64 { return w &^ (1 << (vector % 64)) })
}

func updateWord(u *atomicbitops.Uint64, f func(uint64) uint64) {
	for {
		old := u.Load()
		if u.CompareAndSwap(old, f(old)) {
			return
		}
	}
}

// LoadEOIExit copies the requested EOI-exit bitmap into the run context.
func (v *VCPU) LoadEOIExit() {
	for i := range v.eoiExit {
		v.ctx.EOIExit[i] = v.eoiExit[i].Load()
	}
}

// InitControl re-initializes the trap-control state of the run context.
func (v *VCPU) InitControl() {
	v.ctx.resetControl()
	v.LoadEOIExit()
}

// InitMailbox allocates the mailbox and publishes it to the companion.
func (v *VCPU) InitMailbox() error {
	mb, err := NewMailbox()
	if err != nil {
		return err
	}
	v.PublishMailbox(mb)
	return nil
}

// PublishMailbox makes mb visible to other goroutines. The atomic store
// orders all prior writes to the page before any reader that observes it.
func (v *VCPU) PublishMailbox(mb *Mailbox) {
	v.mailbox.Store(mb)
}

// Mailbox returns the published mailbox, or nil if the vCPU has not
// finished initialization.
func (v *VCPU) Mailbox() *Mailbox {
	return v.mailbox.Load()
}

// Close releases the mailbox.
func (v *VCPU) Close() error {
	if mb := v.mailbox.Swap(nil); mb != nil {
		return mb.Close()
	}
	return nil
}

// SetRegisters implements hv.VirtualCPU.
func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("vcpu: unsupported register value type %T", value)
		}

		switch {
		case reg == hv.RegisterRISCVX0:
			// x0 is hardwired to zero
		case reg > hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			v.ctx.Regs.X[reg-hv.RegisterRISCVX0] = uint64(val64)
		case reg == hv.RegisterRISCVPc:
			v.ctx.Sepc = uint64(val64)
		default:
			return fmt.Errorf("vcpu: unsupported register %v", reg)
		}
	}
	return nil
}

// GetRegisters implements hv.VirtualCPU.
func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			regs[reg] = hv.Register64(v.ctx.Regs.X[reg-hv.RegisterRISCVX0])
		case reg == hv.RegisterRISCVPc:
			regs[reg] = hv.Register64(v.ctx.Sepc)
		default:
			return fmt.Errorf("vcpu: unsupported register %v", reg)
		}
	}
	return nil
}

var _ hv.VirtualCPU = (*VCPU)(nil)
