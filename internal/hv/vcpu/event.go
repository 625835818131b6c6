package vcpu

import (
	"context"
	"sync"

	"gvisor.dev/gvisor/pkg/sleep"
)

// EventID names a per-vCPU synchronization event.
type EventID int

const (
	EventVirtualInterrupt EventID = iota
	EventSyncWBINVD

	numEvents
)

// Event is a level signal: Signal is remembered until one Wait consumes it.
// Wait must only be called by the goroutine running the vCPU.
type Event struct {
	initOnce sync.Once
	sleeper  sleep.Sleeper
	signal   sleep.Waker
	cancel   sleep.Waker
}

// Signal sets the event. Safe from any goroutine.
func (e *Event) Signal() {
	e.signal.Assert()
}

// Wait blocks until the event is signalled or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.sleeper.AddWaker(&e.signal)
		e.sleeper.AddWaker(&e.cancel)
	})

	stop := context.AfterFunc(ctx, e.cancel.Assert)
	defer stop()
	for {
		if e.sleeper.Fetch(true) == &e.signal {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
