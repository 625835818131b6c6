package pcpu

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/tee"
	"github.com/tinyrange/hvcore/internal/hv/vcpu"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var (
	tsPark    = timeslice.RegisterKind("pcpu::park", 0)
	tsArbiter = timeslice.RegisterKind("pcpu::arbiter", 0)
	tsGuest   = timeslice.RegisterKind("pcpu::guest", timeslice.SliceFlagGuest)
	tsExit    = timeslice.RegisterKind("pcpu::exit", 0)
)

// ExitReason is why the guest stopped running.
type ExitReason int

const (
	ExitKick ExitReason = iota
	ExitException
	ExitExternalInterrupt
	ExitInterruptWindow
	ExitNMIWindow
	ExitEcall
	ExitHalt
)

var exitNames = [...]string{
	ExitKick:              "kick",
	ExitException:         "exception",
	ExitExternalInterrupt: "external_interrupt",
	ExitInterruptWindow:   "interrupt_window",
	ExitNMIWindow:         "nmi_window",
	ExitEcall:             "ecall",
	ExitHalt:              "halt",
}

func (r ExitReason) String() string {
	if r >= 0 && int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Guest runs guest code for one vCPU until the next exit. Enter should
// return ExitKick promptly once kick is readable.
type Guest interface {
	Enter(ctx context.Context, v *vcpu.VCPU, kick <-chan struct{}) (ExitReason, error)
}

type GuestFunc func(ctx context.Context, v *vcpu.VCPU, kick <-chan struct{}) (ExitReason, error)

func (f GuestFunc) Enter(ctx context.Context, v *vcpu.VCPU, kick <-chan struct{}) (ExitReason, error) {
	return f(ctx, v, kick)
}

// RunVCPU runs v on c until the guest halts, the VM shuts down or ctx is
// done. A halt returns nil. Exit handler errors other than shutdown are
// logged and the guest resumed.
func (c *CPU) RunVCPU(ctx context.Context, v *vcpu.VCPU, g Guest) error {
	if v.PCPU() != c.id {
		return fmt.Errorf("pcpu%d: %s is pinned to pcpu%d", c.id, v, v.PCPU())
	}
	log := v.Logger()
	rec := timeslice.NewRecorder(c.id)

	c.log.Debug("vcpu loop started", "vcpu", v.String())
	for {
		if err := v.Thread().Park(ctx); err != nil {
			return err
		}
		rec.Record(tsPark)

		if err := c.h.Injector.HandlePendingRequest(ctx, v); err != nil {
			if errors.Is(err, hv.ErrVMShutdown) {
				return fmt.Errorf("pcpu%d: %s: %w", c.id, v, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("pending request handling failed", "error", err)
		}
		rec.Record(tsArbiter)

		reason, err := g.Enter(ctx, v, c.kick)
		rec.Record(tsGuest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pcpu%d: enter %s: %w", c.id, v, err)
		}

		err = c.dispatch(v, reason)
		rec.Record(tsExit)
		if errors.Is(err, hv.ErrVMHalted) {
			log.Debug("vcpu halted", "pcpu", c.id)
			return nil
		}
		if err != nil {
			log.Warn("vm exit handler failed", "reason", reason, "error", err)
		}
	}
}

func (c *CPU) dispatch(v *vcpu.VCPU, reason ExitReason) error {
	in := c.h.Injector
	switch reason {
	case ExitKick:
		return nil
	case ExitException:
		return in.ExceptionVMExit(v)
	case ExitExternalInterrupt:
		return in.ExternalInterruptVMExit(v)
	case ExitInterruptWindow:
		return in.InterruptWindowVMExit(v)
	case ExitNMIWindow:
		return in.NMIWindowVMExit(v)
	case ExitEcall:
		return c.ecall(v)
	case ExitHalt:
		return hv.ErrVMHalted
	default:
		return fmt.Errorf("pcpu%d: unknown exit reason %s", c.id, reason)
	}
}

func (c *CPU) ecall(v *vcpu.VCPU) error {
	ctx := v.Context()
	ctx.SkipInstruction()

	if c.h.Switcher != nil {
		handled, err := c.h.Switcher.HandleEcall(v)
		if handled {
			return err
		}
	}
	v.Logger().Debug("unhandled ecall", "ext", fmt.Sprintf("%#x", ctx.Regs.A(7)), "fid", ctx.Regs.A(6))
	ctx.Regs.SetA(0, tee.SBIErrNotSupported.Reg())
	return nil
}
