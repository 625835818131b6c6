package virq

import (
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv/vcpu"
)

// ExceptionVMExit handles a guest exception that no other handler claimed:
// it moves past the trapping instruction and queues the vector read from
// scause for injection.
func (in *Injector) ExceptionVMExit(v *vcpu.VCPU) error {
	c := v.Context()
	c.SkipInstruction()

	if c.Scause&vcpu.ScauseInterrupt != 0 {
		v.Logger().Error("exception exit with interrupt cause", "scause", fmt.Sprintf("%#x", c.Scause))
		return fmt.Errorf("%w: scause %#x", ErrInvalidTrapInfo, c.Scause)
	}
	code := c.Scause & vcpu.ScauseCodeMask
	if code >= VectorCount {
		v.Logger().Error("invalid exception vector", "vector", code)
		return fmt.Errorf("%w %d", ErrInvalidVector, code)
	}
	return queueException(v, Vector(code), 0, c.Stval)
}

// ExternalInterruptVMExit checks that scause reports a supervisor external
// interrupt and dispatches it. The guest resumes at the same instruction
// either way.
func (in *Injector) ExternalInterruptVMExit(v *vcpu.VCPU) error {
	c := v.Context()
	cause := c.Scause
	if cause&vcpu.ScauseInterrupt == 0 || cause&vcpu.ScauseCodeMask != vcpu.IntSupervisorExternal {
		v.Logger().Error("invalid vm exit interrupt info", "scause", fmt.Sprintf("%#x", cause))
		return fmt.Errorf("%w: scause %#x", ErrInvalidTrapInfo, cause)
	}

	if in.Dispatcher != nil {
		in.Dispatcher.DispatchInterrupt(&c.Regs, cause)
	} else {
		v.Logger().Debug("no interrupt dispatcher, dropping host interrupt")
	}
	return nil
}

// InterruptWindowVMExit turns interrupt-window exiting off. The next pass
// retries any pending interrupt.
func (in *Injector) InterruptWindowVMExit(v *vcpu.VCPU) error {
	v.Context().IntrWindowExiting = false
	return nil
}

// NMIWindowVMExit turns NMI-window exiting off. The window opens only once
// the guest has taken the in-flight NMI, so it is acknowledged here and the
// next pass may schedule a held one.
func (in *Injector) NMIWindowVMExit(v *vcpu.VCPU) error {
	c := v.Context()
	c.NMIWindowExiting = false
	c.NMIPending = false
	return nil
}
