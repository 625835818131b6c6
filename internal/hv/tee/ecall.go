package tee

import (
	"errors"

	"github.com/tinyrange/hvcore/internal/hv/vcpu"
)

// SBIError is an SBI return status as placed in a0.
type SBIError int64

const (
	SBISuccess         SBIError = 0
	SBIErrFailed       SBIError = -1
	SBIErrNotSupported SBIError = -2
	SBIErrInvalidParam SBIError = -3
)

// Reg returns e as a register value.
func (e SBIError) Reg() uint64 { return uint64(e) }

// MPXY extension. a7 holds the extension id, a6 the function id, a2 the
// message length.
const (
	ExtMPXY uint64 = 0x4D505859

	FidSendWithResponse    uint64 = 5
	FidSendWithoutResponse uint64 = 6
)

// HandleEcall services an MPXY ecall from v. It reports false when the
// ecall belongs to another extension. The caller has already moved sepc
// past the ecall instruction.
//
// From a REE vCPU, SendWithResponse forwards the request to the TEE. From a
// TEE vCPU, SendWithResponse answers the REE and returns the slot to it,
// and SendWithoutResponse returns the slot with an empty answer.
func (s *Switcher) HandleEcall(v *vcpu.VCPU) (bool, error) {
	regs := &v.Context().Regs
	if regs.A(7) != ExtMPXY {
		return false, nil
	}

	own := s.dir.VM(v.VMID())
	isTEE := own != nil && own.IsTEE()
	isREE := own != nil && own.IsREE()

	var err error
	switch fid := regs.A(6); {
	case fid == FidSendWithResponse && isREE:
		err = s.switchToTEE(v)
	case fid == FidSendWithResponse && isTEE:
		if err = s.AnswerREE(v); err == nil {
			err = s.switchToREE(v)
		}
	case fid == FidSendWithoutResponse && isTEE:
		err = s.yield(v)
	default:
		v.Logger().Debug("unsupported mpxy call", "fid", fid)
		regs.SetA(0, SBIErrNotSupported.Reg())
		return true, nil
	}

	if err != nil {
		regs.SetA(0, statusFor(err).Reg())
		return true, err
	}
	return true, nil
}

// yield returns the slot to the REE, completing its call with no payload.
func (s *Switcher) yield(v *vcpu.VCPU) error {
	rv, _, err := s.companion(v, "ree vcpu")
	if err != nil {
		return err
	}
	rc := rv.Context()
	rc.Regs.SetA(0, SBISuccess.Reg())
	rc.Regs.SetA(1, 0)
	return s.switchToREE(v)
}

func statusFor(err error) SBIError {
	switch {
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrInvalidLength):
		return SBIErrInvalidParam
	case errors.Is(err, ErrNotPaired):
		return SBIErrNotSupported
	default:
		return SBIErrFailed
	}
}
