package vcpu

import (
	"context"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sleep"
)

// State is the scheduling state of a vCPU thread.
type State uint32

const (
	StateBlocked State = iota
	StateRunnable
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateBlocked:
		return "blocked"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	default:
		return "invalid"
	}
}

// wakePending marks a Wake that arrived while the thread was not blocked.
// The next Sleep consumes it instead of blocking.
const (
	stateMask   uint32 = 0xff
	wakePending uint32 = 1 << 8
)

// Thread is the schedulable object of one vCPU.
//
// Sleep and Wake may be called from any goroutine. Park must only be called
// by the goroutine running the vCPU.
type Thread struct {
	word atomic.Uint32

	initOnce sync.Once
	sleeper  sleep.Sleeper
	wake     sleep.Waker
	cancel   sleep.Waker
}

func newThread(initial State) *Thread {
	t := &Thread{}
	t.word.Store(uint32(initial))
	return t
}

func (t *Thread) init() {
	t.initOnce.Do(func() {
		t.sleeper.AddWaker(&t.wake)
		t.sleeper.AddWaker(&t.cancel)
	})
}

// State returns the current scheduling state.
func (t *Thread) State() State {
	return State(t.word.Load() & stateMask)
}

// Sleep marks the thread blocked. It reports false if a remembered wake was
// consumed instead.
func (t *Thread) Sleep() bool {
	for {
		old := t.word.Load()
		if old&wakePending != 0 {
			if t.word.CompareAndSwap(old, old&^wakePending) {
				return false
			}
			continue
		}
		if t.word.CompareAndSwap(old, uint32(StateBlocked)) {
			return true
		}
	}
}

// Block marks the thread blocked even if a wake is remembered, and reports
// whether one was discarded. Used by handoffs where the peer owns the slot
// until it wakes this thread again.
func (t *Thread) Block() bool {
	old := t.word.Swap(uint32(StateBlocked))
	return old&wakePending != 0
}

// Wake makes a blocked thread runnable. A wake on a thread that is not
// blocked is remembered for the next Sleep.
func (t *Thread) Wake() {
	for {
		old := t.word.Load()
		if State(old&stateMask) == StateBlocked {
			if t.word.CompareAndSwap(old, uint32(StateRunnable)) {
				t.wake.Assert()
				return
			}
			continue
		}
		if t.word.CompareAndSwap(old, old|wakePending) {
			return
		}
	}
}

// Park blocks the calling goroutine while the thread is blocked, then marks
// it running.
func (t *Thread) Park(ctx context.Context) error {
	t.init()

	if t.State() == StateBlocked {
		stop := context.AfterFunc(ctx, t.cancel.Assert)
		defer stop()
		for t.State() == StateBlocked {
			if t.sleeper.Fetch(true) == &t.cancel {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
	}

	for {
		old := t.word.Load()
		if State(old&stateMask) != StateRunnable {
			return nil
		}
		if t.word.CompareAndSwap(old, (old&^stateMask)|uint32(StateRunning)) {
			return nil
		}
	}
}
