// Package notify is the cross-CPU kick used to make a physical CPU re-run
// its injection pass.
//
// The boot sequence installs exactly one Kicker before any vCPU is created.
// The handle is never replaced afterwards.
package notify

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNotInstalled     = errors.New("notify: no kicker installed")
	ErrAlreadyInstalled = errors.New("notify: kicker already installed")
)

// Kicker sends a payload-free signal to a physical CPU. Delivery is
// fire-and-forget; at-least-once is enough. Kicking the calling CPU must be
// harmless.
type Kicker interface {
	Kick(pcpu int) error
}

// KickerFunc adapts a function to Kicker.
type KickerFunc func(pcpu int) error

func (f KickerFunc) Kick(pcpu int) error { return f(pcpu) }

type handle struct {
	k Kicker
}

var installed atomic.Pointer[handle]

// Install sets the process-wide kicker.
func Install(k Kicker) error {
	if k == nil {
		return fmt.Errorf("notify: install nil kicker")
	}
	if !installed.CompareAndSwap(nil, &handle{k: k}) {
		return ErrAlreadyInstalled
	}
	return nil
}

// Installed reports whether Install has succeeded.
func Installed() bool {
	return installed.Load() != nil
}

// Kick signals pcpu through the installed kicker.
func Kick(pcpu int) error {
	h := installed.Load()
	if h == nil {
		return ErrNotInstalled
	}
	if err := h.k.Kick(pcpu); err != nil {
		return fmt.Errorf("notify: kick pcpu%d: %w", pcpu, err)
	}
	return nil
}
