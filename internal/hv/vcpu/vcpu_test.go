package vcpu

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/notify"
	"github.com/tinyrange/hvcore/internal/hv/request"
)

var kicks = make(chan int, 64)

func TestMain(m *testing.M) {
	if err := notify.Install(notify.KickerFunc(func(pcpu int) error {
		select {
		case kicks <- pcpu:
		default:
		}
		return nil
	})); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func drainKicks() {
	for {
		select {
		case <-kicks:
		default:
			return
		}
	}
}

func TestMakeRequestKicksOwner(t *testing.T) {
	drainKicks()
	v := New(Config{VMID: 1, ID: 0, PCPU: 3})
	v.MakeRequest(request.Event)

	if !v.Requests().Test(request.Event) {
		t.Fatalf("event not pending after MakeRequest")
	}
	select {
	case pcpu := <-kicks:
		if pcpu != 3 {
			t.Fatalf("kicked pcpu %d, want 3", pcpu)
		}
	default:
		t.Fatalf("MakeRequest did not kick")
	}
}

func TestExceptionSlotHoldsOne(t *testing.T) {
	v := New(Config{})
	if v.PendingException() != VectorInvalid {
		t.Fatalf("new vcpu has exception %d", v.PendingException())
	}
	if !v.SetException(13, 0x10, 0) {
		t.Fatalf("SetException on empty slot failed")
	}
	if v.SetException(14, 0, 0xdead) {
		t.Fatalf("second SetException accepted before drain")
	}
	vec, code, _ := v.TakeException()
	if vec != 13 || code != 0x10 {
		t.Fatalf("TakeException = (%d, %#x), want (13, 0x10)", vec, code)
	}
	if v.PendingException() != VectorInvalid {
		t.Fatalf("slot not cleared by TakeException")
	}
}

func TestThreadSleepWake(t *testing.T) {
	th := newThread(StateRunning)
	if !th.Sleep() {
		t.Fatalf("Sleep without pending wake did not block")
	}
	if th.State() != StateBlocked {
		t.Fatalf("state = %s, want blocked", th.State())
	}
	th.Wake()
	if th.State() != StateRunnable {
		t.Fatalf("state = %s, want runnable", th.State())
	}
	if err := th.Park(context.Background()); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if th.State() != StateRunning {
		t.Fatalf("state = %s, want running", th.State())
	}
}

func TestThreadWakeBeforeSleepIsRemembered(t *testing.T) {
	th := newThread(StateRunning)
	th.Wake()
	if th.Sleep() {
		t.Fatalf("Sleep blocked despite an earlier Wake")
	}
	if th.State() != StateRunning {
		t.Fatalf("state = %s, want running", th.State())
	}
	if !th.Sleep() {
		t.Fatalf("remembered wake consumed twice")
	}
}

func TestThreadBlockDiscardsRememberedWake(t *testing.T) {
	th := newThread(StateRunning)
	th.Wake()
	if !th.Block() {
		t.Fatalf("Block did not report the discarded wake")
	}
	if th.State() != StateBlocked {
		t.Fatalf("state = %s, want blocked", th.State())
	}
}

func TestThreadParkWakesFromOtherGoroutine(t *testing.T) {
	th := newThread(StateBlocked)
	done := make(chan error, 1)
	go func() { done <- th.Park(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	th.Wake()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Park: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Park did not return after Wake")
	}
	if th.State() != StateRunning {
		t.Fatalf("state = %s, want running", th.State())
	}
}

func TestThreadParkCancel(t *testing.T) {
	th := newThread(StateBlocked)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Park(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Park = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Park ignored cancellation")
	}
	if th.State() != StateBlocked {
		t.Fatalf("cancelled park changed state to %s", th.State())
	}
}

func TestEventSignalBeforeWait(t *testing.T) {
	var e Event
	e.Signal()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := e.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Wait = %v, want deadline exceeded", err)
	}
}

func TestMailboxAligned(t *testing.T) {
	v := New(Config{})
	if v.Mailbox() != nil {
		t.Fatalf("mailbox published before InitMailbox")
	}
	if err := v.InitMailbox(); err != nil {
		t.Fatalf("InitMailbox: %v", err)
	}
	buf := v.Mailbox().Bytes()
	if len(buf) != MailboxSize {
		t.Fatalf("mailbox size %d", len(buf))
	}
	if addr := uintptr(unsafe.Pointer(&buf[0])); addr%MailboxSize != 0 {
		t.Fatalf("mailbox at %#x not %d-aligned", addr, MailboxSize)
	}
	buf[MailboxSize-1] = 0x5a
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v.Mailbox() != nil {
		t.Fatalf("mailbox still published after Close")
	}
}

func TestEOIExitLoad(t *testing.T) {
	v := New(Config{})
	v.SetEOIExit(3)
	v.SetEOIExit(200)
	v.ClearEOIExit(3)
	v.LoadEOIExit()
	ctx := v.Context()
	if ctx.EOIExit[0] != 0 {
		t.Fatalf("word 0 = %#x, want 0", ctx.EOIExit[0])
	}
	if ctx.EOIExit[3] != 1<<(200%64) {
		t.Fatalf("word 3 = %#x", ctx.EOIExit[3])
	}
}

func TestRegisters(t *testing.T) {
	v := New(Config{})
	err := v.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA0: hv.Register64(7),
		hv.RegisterRISCVX0: hv.Register64(99),
		hv.RegisterRISCVPc: hv.Register64(0x8000_0000),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if v.Context().Regs.A(0) != 7 {
		t.Fatalf("a0 = %d", v.Context().Regs.A(0))
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVX0: nil,
		hv.RegisterRISCVPc: nil,
	}
	if err := v.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterRISCVX0] != hv.Register64(0) {
		t.Fatalf("x0 = %v, want 0", regs[hv.RegisterRISCVX0])
	}
	if regs[hv.RegisterRISCVPc] != hv.Register64(0x8000_0000) {
		t.Fatalf("pc = %v", regs[hv.RegisterRISCVPc])
	}
	if err := v.GetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterInvalid: nil}); err == nil {
		t.Fatalf("GetRegisters accepted an invalid register")
	}
}

func TestSkipInstruction(t *testing.T) {
	var c RunContext
	c.Sepc = 0x100
	c.SkipInstruction()
	if c.Sepc != 0x104 {
		t.Fatalf("sepc = %#x, want 0x104", c.Sepc)
	}
	c.TrapInstLen = 2
	c.SkipInstruction()
	if c.Sepc != 0x106 || c.TrapInstLen != 0 {
		t.Fatalf("compressed skip: sepc = %#x len = %d", c.Sepc, c.TrapInstLen)
	}
}
