package tee

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/hvcore/internal/hv/vcpu"
	"github.com/tinyrange/hvcore/internal/hv/vm"
	"github.com/tinyrange/hvcore/internal/hv/vmcfg"
)

func bootPair(t *testing.T) (*Switcher, *vcpu.VCPU, *vcpu.VCPU) {
	t.Helper()
	d := vm.NewDirectory(nil)
	t.Cleanup(func() { d.Close() })
	if err := d.Boot(vmcfg.DefaultPair()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	ree, tee := d.VM(1).VCPU(0), d.VM(2).VCPU(0)
	if err := ree.Thread().Park(context.Background()); err != nil {
		t.Fatalf("Park ree: %v", err)
	}
	return NewSwitcher(d, nil, time.Second), ree, tee
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	s, ree, tee := bootPair(t)
	pair := s.Pair(ree)
	if pair == nil || s.Pair(tee) != pair {
		t.Fatalf("pair lookup not shared by both sides")
	}
	if pair.State() != REERunning {
		t.Fatalf("initial state = %s", pair.State())
	}

	// REE forwards a 64-byte request.
	req := pattern(64, 1)
	copy(ree.Mailbox().Bytes(), req)
	ree.Context().Regs.SetA(2, 64)
	if err := s.Switch(ree); err != nil {
		t.Fatalf("Switch(ree): %v", err)
	}

	if got := ree.Thread().State(); got != vcpu.StateBlocked {
		t.Fatalf("ree state = %s, want blocked", got)
	}
	if got := tee.Thread().State(); got != vcpu.StateRunnable {
		t.Fatalf("tee state = %s, want runnable", got)
	}
	if pair.State() != TEERunning {
		t.Fatalf("pair state = %s, want tee_running", pair.State())
	}

	tmb := tee.Mailbox().Bytes()
	if status := int32(binary.LittleEndian.Uint32(tmb[0:])); status != 0 {
		t.Fatalf("forward status = %d", status)
	}
	if remain := binary.LittleEndian.Uint32(tmb[4:]); remain != 0 {
		t.Fatalf("forward remain = %d", remain)
	}
	if returned := binary.LittleEndian.Uint32(tmb[8:]); returned != 64 {
		t.Fatalf("forward returned = %d, want 64", returned)
	}
	if !bytes.Equal(tmb[12:12+64], req) {
		t.Fatalf("tee mailbox payload mismatch")
	}
	if a0, a1 := tee.Context().Regs.A(0), tee.Context().Regs.A(1); a0 != 0 || a1 != 64 {
		t.Fatalf("tee a0, a1 = %d, %d; want 0, 64", a0, a1)
	}

	// TEE answers with 32 bytes after the 8-byte header.
	if err := tee.Thread().Park(context.Background()); err != nil {
		t.Fatalf("Park tee: %v", err)
	}
	resp := pattern(32, 0x80)
	copy(tmb[AnswerHeaderSize:], resp)
	tee.Context().Regs.SetA(2, AnswerHeaderSize+32)
	if err := s.AnswerREE(tee); err != nil {
		t.Fatalf("AnswerREE: %v", err)
	}
	if got := ree.Thread().State(); got != vcpu.StateBlocked {
		t.Fatalf("answer switched to ree: state %s", got)
	}
	if err := s.Switch(tee); err != nil {
		t.Fatalf("Switch(tee): %v", err)
	}

	if !bytes.Equal(ree.Mailbox().Bytes()[:32], resp) {
		t.Fatalf("ree mailbox payload mismatch")
	}
	if a0, a1 := ree.Context().Regs.A(0), ree.Context().Regs.A(1); a0 != 0 || a1 != 32 {
		t.Fatalf("ree a0, a1 = %d, %d; want 0, 32", a0, a1)
	}
	if got := tee.Thread().State(); got != vcpu.StateBlocked {
		t.Fatalf("tee state = %s, want blocked", got)
	}
	if got := ree.Thread().State(); got != vcpu.StateRunnable {
		t.Fatalf("ree state = %s, want runnable", got)
	}
	if pair.State() != REERunning {
		t.Fatalf("pair state = %s, want ree_running", pair.State())
	}
	if ree.Stats.Switches.Load() != 1 || tee.Stats.Switches.Load() != 1 {
		t.Fatalf("switch counters = %d, %d", ree.Stats.Switches.Load(), tee.Stats.Switches.Load())
	}
}

func TestSwitchPlainVMIsNoop(t *testing.T) {
	d := vm.NewDirectory(nil)
	defer d.Close()
	plain, err := d.Create(vmcfg.VM{ID: 5, VCPUs: 1, PCPUs: []int{0}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v := plain.VCPU(0)
	s := NewSwitcher(d, nil, 0)
	if err := s.Switch(v); err != nil {
		t.Fatalf("Switch(plain) = %v, want nil", err)
	}
	if v.Thread().State() != vcpu.StateRunnable {
		t.Fatalf("plain vcpu state changed to %s", v.Thread().State())
	}
	if s.Pair(v) != nil {
		t.Fatalf("plain vcpu has a pair")
	}
}

func TestSwitchNoCompanion(t *testing.T) {
	d := vm.NewDirectory(nil)
	defer d.Close()
	cfg := vmcfg.DefaultPair()
	reeVM, err := d.Create(cfg.VMs[0])
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ree := reeVM.VCPU(0)
	ree.Mailbox().Bytes()[0] = 0xaa
	ree.Context().Regs.SetA(2, 16)

	s := NewSwitcher(d, nil, 0)
	if err := s.Switch(ree); !errors.Is(err, ErrNoCompanion) {
		t.Fatalf("Switch = %v, want ErrNoCompanion", err)
	}
	if ree.Thread().State() == vcpu.StateBlocked {
		t.Fatalf("ree blocked without a companion")
	}
}

// lateMailbox hands out a companion whose mailbox is published later.
type lateMailbox struct {
	*vm.Directory
	other *vcpu.VCPU
}

func (d lateMailbox) Companion(*vcpu.VCPU) *vcpu.VCPU { return d.other }

func TestSwitchMailboxNotReady(t *testing.T) {
	d := vm.NewDirectory(nil)
	defer d.Close()
	reeVM, err := d.Create(vmcfg.DefaultPair().VMs[0])
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ree := reeVM.VCPU(0)
	tee := vcpu.New(vcpu.Config{VMID: 2, Blocked: true})
	defer tee.Close()
	ree.Context().Regs.SetA(2, 8)

	s := NewSwitcher(lateMailbox{d, tee}, nil, 10*time.Millisecond)
	if err := s.Switch(ree); !errors.Is(err, ErrMailboxNotReady) {
		t.Fatalf("Switch = %v, want ErrMailboxNotReady", err)
	}
	if ree.Thread().State() == vcpu.StateBlocked || tee.Thread().State() != vcpu.StateBlocked {
		t.Fatalf("states changed by failed switch: ree %s tee %s", ree.Thread().State(), tee.Thread().State())
	}

	s = NewSwitcher(lateMailbox{d, tee}, nil, 5*time.Second)
	go func() {
		time.Sleep(5 * time.Millisecond)
		tee.InitMailbox()
	}()
	if err := s.Switch(ree); err != nil {
		t.Fatalf("Switch after late publish: %v", err)
	}
	if tee.Thread().State() != vcpu.StateRunnable {
		t.Fatalf("tee state = %s, want runnable", tee.Thread().State())
	}
}

func TestLengthBounds(t *testing.T) {
	s, ree, tee := bootPair(t)

	ree.Context().Regs.SetA(2, MaxRequestSize+1)
	if err := s.Switch(ree); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversized request = %v, want ErrMessageTooLarge", err)
	}
	if ree.Thread().State() == vcpu.StateBlocked {
		t.Fatalf("ree blocked by rejected request")
	}

	for _, n := range []uint64{0, AnswerHeaderSize - 1, vcpu.MailboxSize + 1} {
		tee.Context().Regs.SetA(2, n)
		if err := s.AnswerREE(tee); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("answer of %d = %v, want ErrInvalidLength", n, err)
		}
	}
	if err := s.AnswerREE(ree); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("AnswerREE(ree) = %v, want ErrNotPaired", err)
	}
}

func TestHandleEcall(t *testing.T) {
	s, ree, tee := bootPair(t)

	rr := &ree.Context().Regs
	rr.SetA(7, 0x10) // base extension
	if handled, err := s.HandleEcall(ree); handled || err != nil {
		t.Fatalf("non-mpxy ecall = (%v, %v)", handled, err)
	}

	copy(ree.Mailbox().Bytes(), "ping")
	rr.SetA(7, ExtMPXY)
	rr.SetA(6, FidSendWithResponse)
	rr.SetA(2, 4)
	if handled, err := s.HandleEcall(ree); !handled || err != nil {
		t.Fatalf("ree send = (%v, %v)", handled, err)
	}
	if string(tee.Mailbox().Bytes()[12:16]) != "ping" {
		t.Fatalf("tee did not receive the request")
	}

	tr := &tee.Context().Regs
	copy(tee.Mailbox().Bytes()[AnswerHeaderSize:], "pong!")
	tr.SetA(7, ExtMPXY)
	tr.SetA(6, FidSendWithResponse)
	tr.SetA(2, AnswerHeaderSize+5)
	if handled, err := s.HandleEcall(tee); !handled || err != nil {
		t.Fatalf("tee answer = (%v, %v)", handled, err)
	}
	if string(ree.Mailbox().Bytes()[:5]) != "pong!" || rr.A(1) != 5 {
		t.Fatalf("ree answer = %q len %d", ree.Mailbox().Bytes()[:5], rr.A(1))
	}
	if ree.Thread().State() != vcpu.StateRunnable || tee.Thread().State() != vcpu.StateBlocked {
		t.Fatalf("states after answer: ree %s tee %s", ree.Thread().State(), tee.Thread().State())
	}

	// REE cannot yield.
	rr.SetA(6, FidSendWithoutResponse)
	if handled, err := s.HandleEcall(ree); !handled || err != nil {
		t.Fatalf("ree yield = (%v, %v)", handled, err)
	}
	if rr.A(0) != SBIErrNotSupported.Reg() {
		t.Fatalf("ree yield a0 = %#x, want not supported", rr.A(0))
	}
}

func TestHandleEcallYield(t *testing.T) {
	s, ree, tee := bootPair(t)
	rr := &ree.Context().Regs
	rr.SetA(7, ExtMPXY)
	rr.SetA(6, FidSendWithResponse)
	rr.SetA(2, 0)
	if _, err := s.HandleEcall(ree); err != nil {
		t.Fatalf("ree send: %v", err)
	}

	rr.SetA(1, 99)
	tr := &tee.Context().Regs
	tr.SetA(7, ExtMPXY)
	tr.SetA(6, FidSendWithoutResponse)
	if _, err := s.HandleEcall(tee); err != nil {
		t.Fatalf("tee yield: %v", err)
	}
	if rr.A(0) != 0 || rr.A(1) != 0 {
		t.Fatalf("ree a0, a1 = %d, %d after yield", rr.A(0), rr.A(1))
	}
	if s.Pair(ree).State() != REERunning {
		t.Fatalf("pair state = %s after yield", s.Pair(ree).State())
	}
}

func TestHandleEcallErrorStatus(t *testing.T) {
	s, ree, _ := bootPair(t)
	rr := &ree.Context().Regs
	rr.SetA(7, ExtMPXY)
	rr.SetA(6, FidSendWithResponse)
	rr.SetA(2, vcpu.MailboxSize)
	handled, err := s.HandleEcall(ree)
	if !handled || !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversized send = (%v, %v)", handled, err)
	}
	if rr.A(0) != SBIErrInvalidParam.Reg() {
		t.Fatalf("a0 = %#x, want invalid param", rr.A(0))
	}
}
