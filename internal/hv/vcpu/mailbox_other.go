//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package vcpu

import "unsafe"

// allocPage over-allocates from the Go heap and slices out an aligned page.
func allocPage() ([]byte, func() error, error) {
	raw := make([]byte, 2*MailboxSize)
	off := int(uintptr(unsafe.Pointer(&raw[0])) & (MailboxSize - 1))
	if off != 0 {
		off = MailboxSize - off
	}
	return raw[off : off+MailboxSize : off+MailboxSize], nil, nil
}
