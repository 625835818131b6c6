// Package vm owns the VM directory: VM definitions, their vCPUs, and the
// companion lookups used by the secure-world switch.
package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/hvcore/internal/hv/vcpu"
	"github.com/tinyrange/hvcore/internal/hv/vmcfg"
)

var (
	ErrVMExists = errors.New("vm: vm already exists")
	ErrNoVM     = errors.New("vm: no such vm")
	ErrPaired   = errors.New("vm: companion vm still present")
)

// VM is a created VM and its vCPUs.
type VM struct {
	cfg   vmcfg.VM
	vcpus []*vcpu.VCPU
}

func (vm *VM) ID() uint16 { return vm.cfg.ID }
func (vm *VM) Name() string { return vm.cfg.Name }
func (vm *VM) Config() vmcfg.VM { return vm.cfg }
func (vm *VM) IsTEE() bool { return vm.cfg.IsTEE() }
func (vm *VM) IsREE() bool { return vm.cfg.IsREE() }
func (vm *VM) VCPUs() []*vcpu.VCPU { return vm.vcpus }
func (vm *VM) String() string { return fmt.Sprintf("vm%d(%s)", vm.cfg.ID, vm.cfg.Name) }

// CompanionID returns the paired VM id for TEE and REE VMs.
func (vm *VM) CompanionID() (uint16, bool) {
	if !vm.IsTEE() && !vm.IsREE() {
		return 0, false
	}
	return vm.cfg.CompanionVMID, true
}

// VCPU returns vCPU id, or nil.
func (vm *VM) VCPU(id int) *vcpu.VCPU {
	if id < 0 || id >= len(vm.vcpus) {
		return nil
	}
	return vm.vcpus[id]
}

// Close releases every vCPU mailbox.
func (vm *VM) Close() error {
	var errs []error
	for _, v := range vm.vcpus {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vm: close %s: %w", v, err))
		}
	}
	return errors.Join(errs...)
}

// Directory maps VM ids to VMs. It is safe for concurrent use.
type Directory struct {
	log *slog.Logger

	mu  sync.RWMutex
	vms map[uint16]*VM
}

func NewDirectory(log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{log: log, vms: make(map[uint16]*VM)}
}

// Create builds the vCPUs for cfg and adds the VM. TEE vCPUs start
// blocked; TEE and REE vCPUs get a published mailbox.
func (d *Directory) Create(cfg vmcfg.VM) (*VM, error) {
	if len(cfg.PCPUs) != cfg.VCPUs {
		return nil, fmt.Errorf("vm: %d: %d pcpus for %d vcpus", cfg.ID, len(cfg.PCPUs), cfg.VCPUs)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vms[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrVMExists, cfg.ID)
	}

	vm := &VM{cfg: cfg, vcpus: make([]*vcpu.VCPU, cfg.VCPUs)}
	for i := range vm.vcpus {
		v := vcpu.New(vcpu.Config{
			VMID:    cfg.ID,
			ID:      i,
			PCPU:    cfg.PCPUs[i],
			Blocked: cfg.IsTEE(),
			Logger:  d.log,
		})
		vm.vcpus[i] = v
		if cfg.IsTEE() || cfg.IsREE() {
			if err := v.InitMailbox(); err != nil {
				vm.Close()
				return nil, fmt.Errorf("vm: %d: mailbox for vcpu%d: %w", cfg.ID, i, err)
			}
		}
	}
	d.vms[cfg.ID] = vm

	d.log.Info("created vm", "vm", cfg.ID, "name", cfg.Name, "vcpus", cfg.VCPUs, "flags", cfg.Flags.String())
	return vm, nil
}

// Boot validates cfg and creates every VM in it. On failure no VM from cfg
// is left in the directory.
func (d *Directory) Boot(cfg vmcfg.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var created []uint16
	for _, def := range cfg.VMs {
		if _, err := d.Create(def); err != nil {
			d.mu.Lock()
			for _, id := range created {
				if vm := d.vms[id]; vm != nil {
					delete(d.vms, id)
					vm.Close()
				}
			}
			d.mu.Unlock()
			return err
		}
		created = append(created, def.ID)
	}
	return nil
}

// Remove drops and closes VM id. A VM whose companion is still in the
// directory is refused with ErrPaired, since the companion may be copying
// into its mailbox; use RemovePair.
func (d *Directory) Remove(id uint16) error {
	d.mu.Lock()
	vm, ok := d.vms[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoVM, id)
	}
	if cid, paired := vm.CompanionID(); paired && d.vms[cid] != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: vm %d is paired with vm %d", ErrPaired, id, cid)
	}
	delete(d.vms, id)
	d.mu.Unlock()
	return vm.Close()
}

// RemovePair drops and closes VM id together with its companion. The
// vCPU loops of both VMs must have stopped.
func (d *Directory) RemovePair(id uint16) error {
	d.mu.Lock()
	vm, ok := d.vms[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoVM, id)
	}
	delete(d.vms, id)
	var companion *VM
	if cid, paired := vm.CompanionID(); paired {
		companion = d.vms[cid]
		delete(d.vms, cid)
	}
	d.mu.Unlock()

	err := vm.Close()
	if companion != nil {
		err = errors.Join(err, companion.Close())
	}
	return err
}

// VM returns VM id, or nil.
func (d *Directory) VM(id uint16) *VM {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vms[id]
}

// VMs returns every VM ordered by id.
func (d *Directory) VMs() []*VM {
	d.mu.RLock()
	vms := make([]*VM, 0, len(d.vms))
	for _, vm := range d.vms {
		vms = append(vms, vm)
	}
	d.mu.RUnlock()
	slices.SortFunc(vms, func(a, b *VM) int { return int(a.ID()) - int(b.ID()) })
	return vms
}

// Companion returns the vCPU with v's id in the VM paired with v's VM, or
// nil when v's VM is not part of a TEE/REE pair or the pair is incomplete.
func (d *Directory) Companion(v *vcpu.VCPU) *vcpu.VCPU {
	own := d.VM(v.VMID())
	if own == nil {
		return nil
	}
	id, ok := own.CompanionID()
	if !ok {
		return nil
	}
	other := d.VM(id)
	if other == nil {
		return nil
	}
	return other.VCPU(v.ID())
}

// Close removes and closes every VM. No vCPU loop may still be running.
func (d *Directory) Close() error {
	d.mu.Lock()
	vms := d.vms
	d.vms = make(map[uint16]*VM)
	d.mu.Unlock()

	var errs []error
	for _, vm := range vms {
		if err := vm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
