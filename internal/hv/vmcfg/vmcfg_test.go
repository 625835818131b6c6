package vmcfg

import (
	"path/filepath"
	"strings"
	"testing"
)

const pairYAML = `
vms:
  - id: 1
    name: linux
    flags: [ree]
    companion_vm_id: 2
    vcpus: 2
    pcpus: [0, 1]
  - id: 2
    name: optee
    flags: [TEE]
    companion_vm_id: 1
    vcpus: 2
    pcpus: [0, 1]
  - id: 3
    vcpus: 1
    pcpus: [2]
`

func TestParsePair(t *testing.T) {
	cfg, err := Parse([]byte(pairYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Version != currentVersion {
		t.Fatalf("version not normalized: %d", cfg.Version)
	}
	ree, ok := cfg.VM(1)
	if !ok || !ree.IsREE() || ree.IsTEE() {
		t.Fatalf("vm 1 = %+v, want ree", ree)
	}
	tee, ok := cfg.VM(2)
	if !ok || !tee.IsTEE() || tee.CompanionVMID != 1 {
		t.Fatalf("vm 2 = %+v, want tee with companion 1", tee)
	}
	plain, _ := cfg.VM(3)
	if plain.Name != "vm3" || plain.Flags != 0 {
		t.Fatalf("vm 3 not normalized: %+v", plain)
	}
	if got := cfg.NumPCPUs(); got != 3 {
		t.Fatalf("NumPCPUs = %d, want 3", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing companion",
			yaml: "vms:\n  - {id: 1, flags: [ree], companion_vm_id: 9}\n",
			want: "not defined",
		},
		{
			name: "companion does not point back",
			yaml: "vms:\n  - {id: 1, flags: [ree], companion_vm_id: 2}\n  - {id: 2, flags: [tee], companion_vm_id: 3}\n  - {id: 3}\n",
			want: "points at",
		},
		{
			name: "same role on both sides",
			yaml: "vms:\n  - {id: 1, flags: [ree], companion_vm_id: 2}\n  - {id: 2, flags: [ree], companion_vm_id: 1}\n",
			want: "opposite flag",
		},
		{
			name: "both flags",
			yaml: "vms:\n  - {id: 1, flags: [ree, tee], companion_vm_id: 1}\n",
			want: "exclusive",
		},
		{
			name: "different pcpu slot",
			yaml: "vms:\n  - {id: 1, flags: [ree], companion_vm_id: 2, pcpus: [0]}\n  - {id: 2, flags: [tee], companion_vm_id: 1, pcpus: [1]}\n",
			want: "companion vcpu on pcpu",
		},
		{
			name: "duplicate id",
			yaml: "vms:\n  - {id: 1}\n  - {id: 1}\n",
			want: "duplicate",
		},
		{
			name: "unknown flag",
			yaml: "vms:\n  - {id: 1, flags: [secure]}\n",
			want: "unknown guest flag",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vms.yaml")
	if err := Write(path, DefaultPair()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tee, ok := cfg.VM(2)
	if !ok || !tee.IsTEE() || tee.CompanionVMID != 1 {
		t.Fatalf("tee vm lost in round trip: %+v", tee)
	}
	if tee.Flags.String() != "tee" {
		t.Fatalf("flags = %q", tee.Flags.String())
	}
}
