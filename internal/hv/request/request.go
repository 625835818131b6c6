// Package request holds the per-vCPU pending-request bitmap.
//
// Any CPU may set a bit. Only the physical CPU currently running the vCPU
// consumes bits, and it does so exclusively through TestAndClear.
package request

import (
	"strings"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Kind is one outstanding architectural event.
type Kind uint8

const (
	InitVMCS Kind = iota
	TripleFault
	WaitWBINVD
	EPTFlush
	VPIDFlush
	EOIExitBitmapUpdate
	Exception
	ExtInt
	Event
	NMI

	kindCount
)

// NumKinds is the number of request kinds.
const NumKinds = int(kindCount)

var kindNames = [kindCount]string{
	InitVMCS:            "init_vmcs",
	TripleFault:         "triple_fault",
	WaitWBINVD:          "wait_wbinvd",
	EPTFlush:            "ept_flush",
	VPIDFlush:           "vpid_flush",
	EOIExitBitmapUpdate: "eoi_exit_bitmap_update",
	Exception:           "exception",
	ExtInt:              "extint",
	Event:               "event",
	NMI:                 "nmi",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k < kindCount
}

func (k Kind) mask() uint64 {
	return 1 << k
}

// Bitmap is the pending-request word of one vCPU. The zero value has no
// requests pending.
type Bitmap struct {
	bits atomicbitops.Uint64
}

// Set marks k pending. Setting an already pending kind is a no-op.
func (b *Bitmap) Set(k Kind) {
	m := k.mask()
	for {
		old := b.bits.Load()
		if old&m != 0 || b.bits.CompareAndSwap(old, old|m) {
			return
		}
	}
}

// TestAndClear clears k and reports whether it was pending.
func (b *Bitmap) TestAndClear(k Kind) bool {
	m := k.mask()
	for {
		old := b.bits.Load()
		if old&m == 0 {
			return false
		}
		if b.bits.CompareAndSwap(old, old&^m) {
			return true
		}
	}
}

// Test reports whether k is pending without consuming it.
func (b *Bitmap) Test(k Kind) bool {
	return b.bits.Load()&k.mask() != 0
}

// Pending returns a snapshot of the whole word.
func (b *Bitmap) Pending() uint64 {
	return b.bits.Load()
}

func (b *Bitmap) String() string {
	bits := b.Pending()
	var names []string
	for k := Kind(0); k < kindCount; k++ {
		if bits&k.mask() != 0 {
			names = append(names, k.String())
		}
	}
	return strings.Join(names, ",")
}
