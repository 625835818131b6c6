// Package pcpu models the physical CPUs: the kick channel behind the
// cross-CPU notifier and the loop that runs a vCPU on its CPU.
package pcpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/hvcore/internal/hv/notify"
	"github.com/tinyrange/hvcore/internal/hv/tee"
	"github.com/tinyrange/hvcore/internal/hv/virq"
)

var ErrNoSuchPCPU = errors.New("pcpu: no such physical cpu")

// Handlers are the exit handlers shared by every CPU in a set.
type Handlers struct {
	Injector *virq.Injector
	Switcher *tee.Switcher
}

// CPU is one physical CPU.
type CPU struct {
	id   int
	h    Handlers
	log  *slog.Logger
	kick chan struct{}

	Kicks atomic.Uint64
}

func (c *CPU) ID() int { return c.id }

// Kick asks the vCPU running on c to exit. Kicks coalesce: at most one is
// outstanding. Never blocks, so a CPU may kick itself.
func (c *CPU) Kick() {
	c.Kicks.Add(1)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Kicked is the channel a running guest watches for kicks.
func (c *CPU) Kicked() <-chan struct{} { return c.kick }

// Set is every physical CPU. It implements notify.Kicker.
type Set struct {
	cpus []*CPU
}

func NewSet(n int, h Handlers, log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	if h.Injector == nil {
		h.Injector = &virq.Injector{}
	}
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{
			id:   i,
			h:    h,
			log:  log.With("pcpu", i),
			kick: make(chan struct{}, 1),
		}
	}
	return s
}

func (s *Set) Len() int { return len(s.cpus) }

// CPU returns CPU id, or nil.
func (s *Set) CPU(id int) *CPU {
	if id < 0 || id >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// Kick implements notify.Kicker.
func (s *Set) Kick(pcpu int) error {
	c := s.CPU(pcpu)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchPCPU, pcpu)
	}
	c.Kick()
	return nil
}

var _ notify.Kicker = (*Set)(nil)
