package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/pcpu"
	"github.com/tinyrange/hvcore/internal/hv/tee"
	"github.com/tinyrange/hvcore/internal/hv/vcpu"
)

// clientGuest plays an REE that forwards a request of size bytes per round
// and checks the TEE's answer before sending the next one.
type clientGuest struct {
	rounds int
	size   int

	done    int
	waiting bool
	onRound func()
}

func (g *clientGuest) request(round int) []byte {
	b := make([]byte, g.size)
	for i := range b {
		b[i] = byte(round + i*31)
	}
	return b
}

func (g *clientGuest) Enter(ctx context.Context, v *vcpu.VCPU, kick <-chan struct{}) (pcpu.ExitReason, error) {
	select {
	case <-kick:
		return pcpu.ExitKick, nil
	default:
	}

	mb := v.Mailbox().Bytes()
	if g.waiting {
		status, n, err := callResult(v)
		if err != nil {
			return 0, err
		}
		if status != tee.SBISuccess {
			return 0, fmt.Errorf("round %d: tee returned status %d", g.done, status)
		}
		want := answerFor(g.request(g.done))
		if n != uint64(len(want)) || !bytes.Equal(mb[:n], want) {
			return 0, fmt.Errorf("round %d: answer mismatch (%d bytes, want %d)", g.done, n, len(want))
		}
		g.waiting = false
		g.done++
		if g.onRound != nil {
			g.onRound()
		}
	}
	if g.done == g.rounds {
		return pcpu.ExitHalt, nil
	}

	copy(mb, g.request(g.done))
	if err := setCall(v, tee.FidSendWithResponse, uint64(g.size)); err != nil {
		return 0, err
	}
	g.waiting = true
	return pcpu.ExitEcall, nil
}

// serverGuest plays a TEE that answers every forwarded request.
type serverGuest struct{}

func (serverGuest) Enter(ctx context.Context, v *vcpu.VCPU, kick <-chan struct{}) (pcpu.ExitReason, error) {
	status, n, err := callResult(v)
	if err != nil {
		return 0, err
	}
	if status != tee.SBISuccess {
		return 0, fmt.Errorf("forward status %d", status)
	}
	mb := v.Mailbox().Bytes()
	if n > tee.MaxRequestSize {
		return 0, fmt.Errorf("forwarded length %d out of range", n)
	}

	answer := answerFor(mb[12 : 12+n])
	copy(mb[tee.AnswerHeaderSize:], answer)
	if err := setCall(v, tee.FidSendWithResponse, uint64(tee.AnswerHeaderSize+len(answer))); err != nil {
		return 0, err
	}
	return pcpu.ExitEcall, nil
}

// setCall loads an MPXY call into the argument registers.
func setCall(v hv.VirtualCPU, fid, length uint64) error {
	return v.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA7: hv.Register64(tee.ExtMPXY),
		hv.RegisterRISCVA6: hv.Register64(fid),
		hv.RegisterRISCVA2: hv.Register64(length),
	})
}

// callResult reads the status and length an MPXY call returned.
func callResult(v hv.VirtualCPU) (tee.SBIError, uint64, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA0: nil,
		hv.RegisterRISCVA1: nil,
	}
	if err := v.GetRegisters(regs); err != nil {
		return 0, 0, err
	}
	a0, ok0 := regs[hv.RegisterRISCVA0].(hv.Register64)
	a1, ok1 := regs[hv.RegisterRISCVA1].(hv.Register64)
	if !ok0 || !ok1 {
		return 0, 0, fmt.Errorf("unexpected register values %v", regs)
	}
	return tee.SBIError(a0), uint64(a1), nil
}

// answerFor is the first half of req, byte-reversed.
func answerFor(req []byte) []byte {
	half := req[:len(req)/2]
	out := make([]byte, len(half))
	for i, b := range half {
		out[len(half)-1-i] = b
	}
	return out
}
