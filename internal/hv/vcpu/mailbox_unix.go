//go:build linux || darwin || freebsd || netbsd || openbsd

package vcpu

import (
	"golang.org/x/sys/unix"
)

func allocPage() ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, MailboxSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return buf, func() error { return unix.Munmap(buf) }, nil
}
