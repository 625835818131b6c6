package hv

import (
	"errors"
)

var (
	ErrVMHalted   = errors.New("virtual machine halted")
	ErrVMShutdown = errors.New("virtual machine shutdown requested")
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// RISC-V integer registers
	RegisterRISCVX0
	RegisterRISCVX1
	RegisterRISCVX2
	RegisterRISCVX3
	RegisterRISCVX4
	RegisterRISCVX5
	RegisterRISCVX6
	RegisterRISCVX7
	RegisterRISCVX8
	RegisterRISCVX9
	RegisterRISCVX10
	RegisterRISCVX11
	RegisterRISCVX12
	RegisterRISCVX13
	RegisterRISCVX14
	RegisterRISCVX15
	RegisterRISCVX16
	RegisterRISCVX17
	RegisterRISCVX18
	RegisterRISCVX19
	RegisterRISCVX20
	RegisterRISCVX21
	RegisterRISCVX22
	RegisterRISCVX23
	RegisterRISCVX24
	RegisterRISCVX25
	RegisterRISCVX26
	RegisterRISCVX27
	RegisterRISCVX28
	RegisterRISCVX29
	RegisterRISCVX30
	RegisterRISCVX31

	// Guest program counter (sepc on trap)
	RegisterRISCVPc
)

// ABI names for the argument registers.
const (
	RegisterRISCVA0 = RegisterRISCVX10
	RegisterRISCVA1 = RegisterRISCVX11
	RegisterRISCVA2 = RegisterRISCVX12
	RegisterRISCVA6 = RegisterRISCVX16
	RegisterRISCVA7 = RegisterRISCVX17
)

// VirtualCPU is the register-level view of a vCPU used by loaders and
// debuggers.
type VirtualCPU interface {
	VMID() uint16
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
}
