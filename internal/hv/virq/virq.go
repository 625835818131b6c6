// Package virq is the injection arbiter that runs on every guest exit, and
// the exit handlers that feed it.
package virq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/request"
	"github.com/tinyrange/hvcore/internal/hv/vcpu"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var (
	ErrInvalidVector    = errors.New("virq: invalid exception vector")
	ErrExceptionPending = errors.New("virq: exception already pending")
	ErrInvalidTrapInfo  = errors.New("virq: invalid vm exit interrupt info")
	ErrTripleFault      = fmt.Errorf("virq: triple fault: %w", hv.ErrVMShutdown)
)

var tsPendingRequest = timeslice.RegisterKind("virq::pending_request", 0)

// Dispatcher hands a host interrupt to the physical interrupt subsystem.
type Dispatcher interface {
	DispatchInterrupt(regs *vcpu.Regs, cause uint64)
}

type DispatcherFunc func(regs *vcpu.Regs, cause uint64)

func (f DispatcherFunc) DispatchInterrupt(regs *vcpu.Regs, cause uint64) { f(regs, cause) }

// Flusher invalidates translation caches for a vCPU.
type Flusher interface {
	FlushEPT(v *vcpu.VCPU)
	FlushVPID(v *vcpu.VCPU)
}

// Injector runs the injection pass and the exit handlers. The zero value is
// usable: flushes only count and external interrupts are dropped.
type Injector struct {
	Dispatcher Dispatcher
	Flusher    Flusher
}

type pass struct {
	in       *Injector
	v        *vcpu.VCPU
	ctx      *vcpu.RunContext
	injected bool
}

// step fires when its ready guard (if any) holds and its request bit was
// set. The bit is consumed only when the guard holds.
type step struct {
	kind  request.Kind
	ready func(p *pass) bool
	fire  func(ctx context.Context, p *pass) error
}

// order is the priority contract. Do not reorder.
var order = [...]step{
	{kind: request.InitVMCS, fire: initVMCS},
	{kind: request.TripleFault, fire: tripleFault},
	{kind: request.WaitWBINVD, fire: waitWBINVD},
	{kind: request.EPTFlush, fire: flushEPT},
	{kind: request.VPIDFlush, fire: flushVPID},
	{kind: request.EOIExitBitmapUpdate, fire: updateEOIExit},
	{kind: request.Exception, fire: injectException},
	{kind: request.ExtInt, ready: interruptReady, fire: injectExtInt},
	{kind: request.Event, ready: interruptReady, fire: injectEvent},
	{kind: request.NMI, ready: nmiReady, fire: scheduleNMI},
}

// Order returns the request kinds in the order a pass evaluates them.
func Order() []request.Kind {
	kinds := make([]request.Kind, len(order))
	for i, s := range order {
		kinds[i] = s.kind
	}
	return kinds
}

// HandlePendingRequest drains v's pending requests once, before the guest
// is resumed. It must run on the physical CPU that owns v. At most one
// exception or interrupt is injected per call.
//
// A triple fault returns an error wrapping hv.ErrVMShutdown and nothing
// after it is processed.
func (in *Injector) HandlePendingRequest(ctx context.Context, v *vcpu.VCPU) error {
	start := time.Now()
	defer func() { timeslice.Record(tsPendingRequest, time.Since(start)) }()

	v.Stats.Passes.Add(1)
	p := &pass{in: in, v: v, ctx: v.Context()}
	reqs := v.Requests()
	for i := range order {
		s := &order[i]
		if s.ready != nil && !s.ready(p) {
			continue
		}
		if !reqs.TestAndClear(s.kind) {
			continue
		}
		if err := s.fire(ctx, p); err != nil {
			return err
		}
	}

	// Interrupts left pending get another chance on the next window.
	if reqs.Test(request.ExtInt) || reqs.Test(request.Event) {
		p.ctx.IntrWindowExiting = true
	}
	return nil
}

func initVMCS(_ context.Context, p *pass) error {
	p.v.InitControl()
	return nil
}

func tripleFault(_ context.Context, p *pass) error {
	p.v.Logger().Error("triple fault, shutting down vm")
	return ErrTripleFault
}

func waitWBINVD(ctx context.Context, p *pass) error {
	if err := p.v.Event(vcpu.EventSyncWBINVD).Wait(ctx); err != nil {
		// Keep the request so the next pass waits again.
		p.v.Requests().Set(request.WaitWBINVD)
		return fmt.Errorf("virq: wait wbinvd: %w", err)
	}
	return nil
}

func flushEPT(_ context.Context, p *pass) error {
	p.v.Stats.EPTFlushes.Add(1)
	if p.in.Flusher != nil {
		p.in.Flusher.FlushEPT(p.v)
	}
	return nil
}

func flushVPID(_ context.Context, p *pass) error {
	p.v.Stats.VPIDFlushes.Add(1)
	if p.in.Flusher != nil {
		p.in.Flusher.FlushVPID(p.v)
	}
	return nil
}

func updateEOIExit(_ context.Context, p *pass) error {
	p.v.LoadEOIExit()
	return nil
}

func injectException(_ context.Context, p *pass) error {
	vector, errCode, tval := p.v.TakeException()
	if vector == vcpu.VectorInvalid {
		p.v.Logger().Warn("exception request without a queued vector")
		return nil
	}

	c := p.ctx
	c.Vscause = uint64(vector)
	c.Vsepc = c.Sepc
	c.Vstval = tval
	if Vector(vector).Attr().HasErrorCode {
		c.ErrorCode = errCode
	} else {
		c.ErrorCode = 0
	}
	c.Sepc = c.Vstvec

	p.injected = true
	p.v.Stats.ExceptionsInjected.Add(1)
	p.v.Logger().Debug("injected exception", "vector", vector, "error_code", errCode)
	return nil
}

func interruptReady(p *pass) bool {
	return !p.injected && p.ctx.GuestIRQEnabled()
}

func injectExtInt(_ context.Context, p *pass) error {
	p.ctx.Hvip |= vcpu.HvipVSEIP
	p.injected = true
	p.v.Stats.ExtIntsInjected.Add(1)
	return nil
}

func injectEvent(_ context.Context, p *pass) error {
	p.ctx.Hvip |= vcpu.HvipVSSIP
	p.injected = true
	p.v.Stats.EventsInjected.Add(1)
	return nil
}

// NMIs ignore the guest enable flag; only one may be in flight.
func nmiReady(p *pass) bool {
	if p.ctx.NMIPending {
		p.ctx.NMIWindowExiting = true
		return false
	}
	return true
}

func scheduleNMI(_ context.Context, p *pass) error {
	p.ctx.NMIPending = true
	p.v.Stats.NMIsScheduled.Add(1)
	return nil
}

// QueueException fills v's exception slot with vector and requests
// injection on the next pass.
func QueueException(v *vcpu.VCPU, vector Vector) error {
	return queueException(v, vector, 0, 0)
}

func queueException(v *vcpu.VCPU, vector Vector, errCode uint32, tval uint64) error {
	if !vector.Valid() {
		v.Logger().Error("invalid exception vector", "vector", vector)
		return fmt.Errorf("%w %d", ErrInvalidVector, vector)
	}
	if !v.SetException(uint32(vector), errCode, tval) {
		v.Logger().Warn("exception queued before previous one drained",
			"vector", vector, "pending", v.PendingException())
		return fmt.Errorf("%w: vector %d", ErrExceptionPending, v.PendingException())
	}
	v.MakeRequest(request.Exception)
	return nil
}

// InjectNMI requests an NMI and signals the virtual-interrupt event.
func InjectNMI(v *vcpu.VCPU) {
	v.MakeRequest(request.NMI)
	v.Event(vcpu.EventVirtualInterrupt).Signal()
}

// InjectExtInt requests delivery of a device-routed external interrupt.
func InjectExtInt(v *vcpu.VCPU) {
	v.MakeRequest(request.ExtInt)
}

// InjectEvent requests delivery of the virtual interrupt controller output.
func InjectEvent(v *vcpu.VCPU) {
	v.MakeRequest(request.Event)
}

// InjectGP queues a general protection fault.
func InjectGP(v *vcpu.VCPU, errCode uint32) error {
	return queueException(v, VectorGP, errCode, 0)
}

// InjectPF queues a page fault at addr.
func InjectPF(v *vcpu.VCPU, addr uint64, errCode uint32) error {
	return queueException(v, VectorPF, errCode, addr)
}

// InjectUD queues an invalid opcode fault.
func InjectUD(v *vcpu.VCPU) error {
	return queueException(v, VectorUD, 0, 0)
}

// InjectSS queues a stack fault.
func InjectSS(v *vcpu.VCPU) error {
	return queueException(v, VectorSS, 0, 0)
}
