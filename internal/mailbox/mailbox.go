package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

// ErrClosed is returned when sending to a closed mailbox.
var ErrClosed = errors.New("mailbox is closed")

// DefaultCapacity is the buffer size used when New is given a non-positive capacity.
const DefaultCapacity = 16

// Mailbox is a buffered message queue with delayed delivery.
type Mailbox struct {
	// messages is the delivery channel.
	messages chan deploy.Message
	// done is closed by Close to release blocked senders.
	done chan struct{}
	// delayed holds pending delayed messages.
	delayed map[*delayedMessage]struct{}
	// closed reports whether Close ran.
	closed bool
	// mu protects delayed and closed.
	mu sync.Mutex
}

// delayedMessage is a message waiting for its timer.
type delayedMessage struct {
	msg   deploy.Message
	timer *time.Timer
}

// New creates a mailbox buffering up to capacity messages.
func New(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Mailbox{
		messages: make(chan deploy.Message, capacity),
		done:     make(chan struct{}),
		delayed:  make(map[*delayedMessage]struct{}),
	}
}

// C returns the channel messages are delivered on.
func (m *Mailbox) C() <-chan deploy.Message {
	return m.messages
}

// Send enqueues msg, blocking while the buffer is full.
func (m *Mailbox) Send(ctx context.Context, msg deploy.Message) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.messages <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDelayed delivers msg after delay. The returned function cancels the
// delivery and reports whether it was still pending.
func (m *Mailbox) SendDelayed(msg deploy.Message, delay time.Duration) (cancel func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return func() bool { return false }
	}

	d := &delayedMessage{msg: msg}
	m.delayed[d] = struct{}{}

	d.timer = time.AfterFunc(delay, func() {
		if !m.take(d) {
			return
		}

		_ = m.Send(context.Background(), d.msg)
	})

	return func() bool {
		if !m.take(d) {
			return false
		}

		d.timer.Stop()

		return true
	}
}

// RemoveMessages cancels pending delayed messages of the given kind for a download
// and reports how many were removed.
func (m *Mailbox) RemoveMessages(kind deploy.MessageKind, id deploy.DownloadID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	for d := range m.delayed {
		if d.msg.Kind != kind || d.msg.DownloadID != id {
			continue
		}

		d.timer.Stop()
		delete(m.delayed, d)

		removed++
	}

	return removed
}

// Pending returns the number of delayed messages not yet delivered.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.delayed)
}

// Close cancels every delayed message and releases blocked senders.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	for d := range m.delayed {
		d.timer.Stop()
		delete(m.delayed, d)
	}

	close(m.done)
}

// take removes d from the pending set and reports whether it was still there.
func (m *Mailbox) take(d *delayedMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.delayed[d]; !ok {
		return false
	}

	delete(m.delayed, d)

	return true
}
