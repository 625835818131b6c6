package notify

import (
	"errors"
	"testing"
)

func reset() { installed.Store(nil) }

func TestKickBeforeInstall(t *testing.T) {
	reset()
	defer reset()

	if err := Kick(0); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Kick before Install = %v, want ErrNotInstalled", err)
	}
}

func TestInstallOnce(t *testing.T) {
	reset()
	defer reset()

	var first, second []int
	if err := Install(KickerFunc(func(pcpu int) error {
		first = append(first, pcpu)
		return nil
	})); err != nil {
		t.Fatalf("Install: %v", err)
	}
	err := Install(KickerFunc(func(pcpu int) error {
		second = append(second, pcpu)
		return nil
	}))
	if !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("second Install = %v, want ErrAlreadyInstalled", err)
	}

	if err := Kick(3); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if len(first) != 1 || first[0] != 3 {
		t.Fatalf("first kicker saw %v", first)
	}
	if len(second) != 0 {
		t.Fatalf("replacement kicker was used: %v", second)
	}
}

func TestInstallNil(t *testing.T) {
	reset()
	defer reset()

	if err := Install(nil); err == nil {
		t.Fatalf("Install(nil) succeeded")
	}
	if Installed() {
		t.Fatalf("nil kicker marked installed")
	}
}

func TestKickWrapsBackendError(t *testing.T) {
	reset()
	defer reset()

	backend := errors.New("ipi failed")
	if err := Install(KickerFunc(func(int) error { return backend })); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Kick(1); !errors.Is(err, backend) {
		t.Fatalf("Kick = %v, want wrapped backend error", err)
	}
}
