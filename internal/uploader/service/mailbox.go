package service

import "sync"

// mailbox is an unbounded FIFO of encoded envelopes. put never blocks, so the
// engine can emit while the facade is busy running handlers.
type mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(msg []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// ready fires after put; drain may then return several messages.
func (m *mailbox) ready() <-chan struct{} {
	return m.signal
}

func (m *mailbox) drain() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
