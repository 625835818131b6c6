// Package tee implements the secure-world rendezvous: a TEE vCPU and the
// REE vCPU with the same id in the companion VM take turns on one physical
// CPU slot, passing one message per turn through their mailboxes.
package tee

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hvcore/internal/hv/vcpu"
	"github.com/tinyrange/hvcore/internal/hv/vm"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var (
	ErrNoCompanion     = errors.New("tee: no companion vcpu")
	ErrMailboxNotReady = errors.New("tee: mailbox not ready")
	ErrMessageTooLarge = errors.New("tee: message too large")
	ErrInvalidLength   = errors.New("tee: invalid answer length")
	ErrNotPaired       = errors.New("tee: vcpu is not part of a tee/ree pair")
)

// Mailbox layout.
const (
	// Forwarded request, as seen by the TEE.
	offStatus   = 0
	offRemain   = 4
	offReturned = 8
	offMessage  = 12

	// AnswerHeaderSize precedes the payload the TEE answers with.
	AnswerHeaderSize = 8

	MaxRequestSize = vcpu.MailboxSize - offMessage
	MaxAnswerSize  = vcpu.MailboxSize - AnswerHeaderSize
)

// DefaultMailboxTimeout bounds the wait for a companion mailbox to be
// published.
const DefaultMailboxTimeout = 100 * time.Millisecond

var (
	tsForward = timeslice.RegisterKind("tee::forward", timeslice.SliceFlagSwitch)
	tsAnswer  = timeslice.RegisterKind("tee::answer", 0)
	tsReturn  = timeslice.RegisterKind("tee::return", timeslice.SliceFlagSwitch)
)

// Directory resolves VMs and companion vCPUs.
type Directory interface {
	VM(id uint16) *vm.VM
	Companion(v *vcpu.VCPU) *vcpu.VCPU
}

// State is which side of a pair owns the slot.
type State uint32

const (
	REERunning State = iota
	TEERunning
)

func (s State) String() string {
	switch s {
	case REERunning:
		return "ree_running"
	case TEERunning:
		return "tee_running"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Pair is one multiplexed slot.
type Pair struct {
	REE, TEE *vcpu.VCPU

	state atomic.Uint32
}

func (p *Pair) State() State { return State(p.state.Load()) }

func (p *Pair) String() string {
	return fmt.Sprintf("%s<->%s %s", p.REE, p.TEE, p.State())
}

type pairKey struct {
	ree  uint16
	vcpu int
}

// Switcher performs handoffs between paired vCPUs. Each call must be made
// from the goroutine running the calling vCPU.
type Switcher struct {
	dir     Directory
	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	pairs map[pairKey]*Pair
}

// NewSwitcher returns a switcher over dir. A zero timeout selects
// DefaultMailboxTimeout.
func NewSwitcher(dir Directory, log *slog.Logger, timeout time.Duration) *Switcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultMailboxTimeout
	}
	return &Switcher{
		dir:     dir,
		log:     log,
		timeout: timeout,
		pairs:   make(map[pairKey]*Pair),
	}
}

// Switch hands the slot to v's companion. A TEE vCPU returns control to its
// REE, a REE vCPU forwards the request in its mailbox to its TEE, and any
// other vCPU is left running.
func (s *Switcher) Switch(v *vcpu.VCPU) error {
	own := s.dir.VM(v.VMID())
	switch {
	case own == nil:
		return nil
	case own.IsTEE():
		return s.switchToREE(v)
	case own.IsREE():
		return s.switchToTEE(v)
	default:
		return nil
	}
}

// Pair returns the slot v belongs to, creating it in the REERunning state
// on first use. It returns nil when v is not paired.
func (s *Switcher) Pair(v *vcpu.VCPU) *Pair {
	own := s.dir.VM(v.VMID())
	if own == nil || (!own.IsTEE() && !own.IsREE()) {
		return nil
	}
	companion := s.dir.Companion(v)
	if companion == nil {
		return nil
	}

	ree, tee := v, companion
	if own.IsTEE() {
		ree, tee = companion, v
	}
	key := pairKey{ree: ree.VMID(), vcpu: ree.ID()}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[key]
	if !ok {
		p = &Pair{REE: ree, TEE: tee}
		s.pairs[key] = p
	}
	return p
}

func (s *Switcher) companion(v *vcpu.VCPU, want string) (*vcpu.VCPU, *Pair, error) {
	p := s.Pair(v)
	if p == nil {
		s.log.Error("no companion vcpu on this pcpu slot",
			"vm", v.VMID(), "vcpu", v.ID(), "pcpu", v.PCPU(), "want", want)
		return nil, nil, fmt.Errorf("%w: %s has no %s", ErrNoCompanion, v, want)
	}
	if p.REE == v {
		return p.TEE, p, nil
	}
	return p.REE, p, nil
}

// waitMailbox spins until v's mailbox is published or the timeout passes.
func (s *Switcher) waitMailbox(v *vcpu.VCPU) (*vcpu.Mailbox, error) {
	if mb := v.Mailbox(); mb != nil {
		return mb, nil
	}
	deadline := time.Now().Add(s.timeout)
	for i := 1; ; i++ {
		if mb := v.Mailbox(); mb != nil {
			return mb, nil
		}
		if i%1024 == 0 && time.Now().After(deadline) {
			s.log.Error("mailbox not published", "vm", v.VMID(), "vcpu", v.ID(), "timeout", s.timeout)
			return nil, fmt.Errorf("%w: %s after %s", ErrMailboxNotReady, v, s.timeout)
		}
	}
}

// mailboxes returns the source and destination pages once both exist.
func (s *Switcher) mailboxes(src, dst *vcpu.VCPU) (from, to []byte, err error) {
	a, err := s.waitMailbox(src)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.waitMailbox(dst)
	if err != nil {
		return nil, nil, err
	}
	return a.Bytes(), b.Bytes(), nil
}

func (s *Switcher) switchToTEE(v *vcpu.VCPU) error {
	start := time.Now()
	tv, p, err := s.companion(v, "tee vcpu")
	if err != nil {
		return err
	}

	n := v.Context().Regs.A(2)
	if n > MaxRequestSize {
		s.log.Error("request does not fit the mailbox", "vm", v.VMID(), "vcpu", v.ID(), "len", n)
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, n, MaxRequestSize)
	}
	src, dst, err := s.mailboxes(v, tv)
	if err != nil {
		return err
	}

	if v.Thread().Block() {
		v.Logger().Debug("discarded stale wake before forwarding")
	}

	binary.LittleEndian.PutUint32(dst[offStatus:], uint32(SBISuccess))
	binary.LittleEndian.PutUint32(dst[offRemain:], 0)
	binary.LittleEndian.PutUint32(dst[offReturned:], uint32(n))
	copy(dst[offMessage:offMessage+n], src[:n])

	tc := tv.Context()
	tc.Regs.SetA(0, SBISuccess.Reg())
	tc.Regs.SetA(1, n)

	p.state.Store(uint32(TEERunning))
	v.Stats.Switches.Add(1)
	tv.Thread().Wake()

	timeslice.RecordOn(tsForward, v.PCPU(), time.Since(start))
	v.Logger().Debug("forwarded request to tee", "tee_vm", tv.VMID(), "len", n)
	return nil
}

// AnswerREE copies the TEE's answer into the companion REE mailbox and sets
// the REE return registers. It does not switch.
func (s *Switcher) AnswerREE(v *vcpu.VCPU) error {
	start := time.Now()
	own := s.dir.VM(v.VMID())
	if own == nil || !own.IsTEE() {
		return fmt.Errorf("%w: %s is not a tee vcpu", ErrNotPaired, v)
	}
	rv, _, err := s.companion(v, "ree vcpu")
	if err != nil {
		return err
	}

	total := v.Context().Regs.A(2)
	if total < AnswerHeaderSize || total-AnswerHeaderSize > MaxAnswerSize {
		s.log.Error("answer length out of range", "vm", v.VMID(), "vcpu", v.ID(), "len", total)
		return fmt.Errorf("%w: %d", ErrInvalidLength, total)
	}
	src, dst, err := s.mailboxes(v, rv)
	if err != nil {
		return err
	}

	n := total - AnswerHeaderSize
	copy(dst[:n], src[AnswerHeaderSize:total])

	rc := rv.Context()
	rc.Regs.SetA(0, SBISuccess.Reg())
	rc.Regs.SetA(1, n)

	timeslice.RecordOn(tsAnswer, v.PCPU(), time.Since(start))
	return nil
}

func (s *Switcher) switchToREE(v *vcpu.VCPU) error {
	start := time.Now()
	rv, p, err := s.companion(v, "ree vcpu")
	if err != nil {
		return err
	}

	if v.Thread().Block() {
		v.Logger().Debug("discarded stale wake before returning")
	}
	p.state.Store(uint32(REERunning))
	v.Stats.Switches.Add(1)
	rv.Thread().Wake()

	timeslice.RecordOn(tsReturn, v.PCPU(), time.Since(start))
	return nil
}
