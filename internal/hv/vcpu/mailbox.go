package vcpu

import (
	"errors"
	"fmt"
	"sync"
)

// MailboxSize is the size and alignment of a vCPU mailbox.
const MailboxSize = 4096

var ErrMailboxClosed = errors.New("vcpu: mailbox closed")

// Mailbox is the page shared with the companion vCPU for one message per
// handoff. Who may write it alternates with which side of the pair runs.
type Mailbox struct {
	mu     sync.Mutex
	buf    []byte
	unmap  func() error
	closed bool
}

// NewMailbox allocates a zeroed, page-aligned mailbox.
func NewMailbox() (*Mailbox, error) {
	buf, unmap, err := allocPage()
	if err != nil {
		return nil, fmt.Errorf("vcpu: allocate mailbox: %w", err)
	}
	if len(buf) != MailboxSize {
		return nil, fmt.Errorf("vcpu: mailbox allocation returned %d bytes", len(buf))
	}
	return &Mailbox{buf: buf, unmap: unmap}, nil
}

// Bytes returns the mailbox page. The slice is invalid after Close.
func (m *Mailbox) Bytes() []byte {
	return m.buf
}

// Close releases the page.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMailboxClosed
	}
	m.closed = true
	m.buf = nil
	if m.unmap != nil {
		return m.unmap()
	}
	return nil
}
