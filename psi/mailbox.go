package psi

import (
	"context"
	"sync"
	"time"

	"ecdh_mpsi/protocol"
)

// mailbox is the dispatcher's unbounded inbound queue. A push or a wakeup
// releases a waiting pop at once.
type mailbox struct {
	mu     sync.Mutex
	queue  []*protocol.Envelope
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(env *protocol.Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.wakeup()
}

func (m *mailbox) wakeup() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *mailbox) pop() *protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	env := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return env
}

// tryPop returns the next envelope, waiting at most wait for one. It returns
// nil on timeout, on wakeup with an empty queue and when ctx is done.
func (m *mailbox) tryPop(ctx context.Context, wait time.Duration) *protocol.Envelope {
	if env := m.pop(); env != nil {
		return env
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	case <-m.signal:
	}
	return m.pop()
}
