// Package vmcfg loads, validates and writes the YAML definition of a VM
// set, including the TEE/REE pairing between VMs.
package vmcfg

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const currentVersion = 1

// Flags are the guest flags of a VM definition.
type Flags uint64

const (
	FlagTEE Flags = 1 << iota
	FlagREE
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagTEE, "tee"},
	{FlagREE, "ree"},
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// UnmarshalYAML accepts a sequence of flag names, e.g. `flags: [tee]`.
func (f *Flags) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return fmt.Errorf("line %d: flags must be a list of names: %w", value.Line, err)
	}
	var out Flags
	for _, name := range names {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(name, fn.name) {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("line %d: unknown guest flag %q", value.Line, name)
		}
	}
	*f = out
	return nil
}

// MarshalYAML writes flags back as a list of names.
func (f Flags) MarshalYAML() (any, error) {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names, nil
}

// VM is one VM definition. It is read-only once loaded.
type VM struct {
	ID    uint16 `yaml:"id"`
	Name  string `yaml:"name"`
	Flags Flags  `yaml:"flags,omitempty"`

	// CompanionVMID links a TEE VM to its REE VM and back. It is only
	// meaningful when one of FlagTEE or FlagREE is set.
	CompanionVMID uint16 `yaml:"companion_vm_id,omitempty"`

	VCPUs int `yaml:"vcpus"`

	// PCPUs pins vCPU i to physical CPU PCPUs[i].
	PCPUs []int `yaml:"pcpus,omitempty"`
}

func (vm VM) IsTEE() bool { return vm.Flags&FlagTEE != 0 }
func (vm VM) IsREE() bool { return vm.Flags&FlagREE != 0 }

// Config is a full VM set.
type Config struct {
	Version int  `yaml:"version"`
	VMs     []VM `yaml:"vms"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = currentVersion
	}
	for i := range c.VMs {
		vm := &c.VMs[i]
		if vm.VCPUs == 0 {
			vm.VCPUs = 1
		}
		if vm.Name == "" {
			vm.Name = fmt.Sprintf("vm%d", vm.ID)
		}
		if len(vm.PCPUs) == 0 {
			vm.PCPUs = make([]int, vm.VCPUs)
			for j := range vm.PCPUs {
				vm.PCPUs[j] = j
			}
		}
	}
}

// VM returns the definition with the given id.
func (c Config) VM(id uint16) (VM, bool) {
	for _, vm := range c.VMs {
		if vm.ID == id {
			return vm, true
		}
	}
	return VM{}, false
}

// NumPCPUs is one more than the highest physical CPU referenced.
func (c Config) NumPCPUs() int {
	n := 0
	for _, vm := range c.VMs {
		for _, p := range vm.PCPUs {
			if p+1 > n {
				n = p + 1
			}
		}
	}
	return n
}

// Validate rejects definitions the TEE/REE switch cannot recover from at
// run time, most importantly a pair whose companion cannot be resolved.
func (c Config) Validate() error {
	if c.Version != currentVersion {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	seen := make(map[uint16]bool, len(c.VMs))
	for _, vm := range c.VMs {
		if seen[vm.ID] {
			return fmt.Errorf("vm %d: duplicate id", vm.ID)
		}
		seen[vm.ID] = true

		if vm.VCPUs < 0 {
			return fmt.Errorf("vm %d: negative vcpu count", vm.ID)
		}
		if len(vm.PCPUs) != vm.VCPUs {
			return fmt.Errorf("vm %d: %d pcpus listed for %d vcpus", vm.ID, len(vm.PCPUs), vm.VCPUs)
		}
		for _, p := range vm.PCPUs {
			if p < 0 {
				return fmt.Errorf("vm %d: negative pcpu %d", vm.ID, p)
			}
		}
		if vm.IsTEE() && vm.IsREE() {
			return fmt.Errorf("vm %d: tee and ree flags are exclusive", vm.ID)
		}
	}

	for _, vm := range c.VMs {
		if !vm.IsTEE() && !vm.IsREE() {
			continue
		}
		peer, ok := c.VM(vm.CompanionVMID)
		if !ok {
			return fmt.Errorf("vm %d: companion vm %d not defined", vm.ID, vm.CompanionVMID)
		}
		if peer.ID == vm.ID {
			return fmt.Errorf("vm %d: vm is its own companion", vm.ID)
		}
		if peer.CompanionVMID != vm.ID {
			return fmt.Errorf("vm %d: companion vm %d points at vm %d", vm.ID, peer.ID, peer.CompanionVMID)
		}
		if vm.IsTEE() == peer.IsTEE() || vm.IsREE() == peer.IsREE() {
			return fmt.Errorf("vm %d: companion vm %d must carry the opposite flag", vm.ID, peer.ID)
		}
		if peer.VCPUs != vm.VCPUs {
			return fmt.Errorf("vm %d: companion vm %d has %d vcpus, want %d", vm.ID, peer.ID, peer.VCPUs, vm.VCPUs)
		}
		for i := range vm.PCPUs {
			if vm.PCPUs[i] != peer.PCPUs[i] {
				return fmt.Errorf("vm %d: vcpu %d on pcpu %d but companion vcpu on pcpu %d",
					vm.ID, i, vm.PCPUs[i], peer.PCPUs[i])
			}
		}
	}
	return nil
}

// Parse decodes, normalizes and validates a YAML VM set.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vmcfg: parse: %w", err)
	}
	cfg.normalize()
	sort.Slice(cfg.VMs, func(i, j int) bool { return cfg.VMs[i].ID < cfg.VMs[j].ID })
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("vmcfg: %w", err)
	}
	return cfg, nil
}

// Load reads a VM set from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vmcfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write encodes cfg as YAML to path.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vmcfg: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("vmcfg: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("vmcfg: encode %s: %w", path, err)
	}
	return nil
}

// DefaultPair is a single-vCPU REE VM (id 1) paired with a TEE VM (id 2),
// both on pcpu 0.
func DefaultPair() Config {
	cfg := Config{
		Version: currentVersion,
		VMs: []VM{
			{ID: 1, Name: "ree", Flags: FlagREE, CompanionVMID: 2, VCPUs: 1, PCPUs: []int{0}},
			{ID: 2, Name: "tee", Flags: FlagTEE, CompanionVMID: 1, VCPUs: 1, PCPUs: []int{0}},
		},
	}
	return cfg
}
