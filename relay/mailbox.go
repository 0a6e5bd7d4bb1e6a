package relay

import "sync"

// mailbox is an unbounded FIFO of chunks for one sink, drained by a
// single goroutine. put never blocks, so a slow sink only delays
// itself.
type mailbox struct {
	mu     sync.Mutex
	queue  []string
	closed bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (m *mailbox) put(chunk string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, chunk)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// run delivers chunks in order until stop or abandon is called.
func (m *mailbox) run(deliver func(string)) {
	defer close(m.exited)

	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			chunk, ok := m.take()
			if !ok {
				break
			}
			deliver(chunk)
		}
	}
}

func (m *mailbox) take() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return "", false
	}
	chunk := m.queue[0]
	m.queue[0] = ""
	m.queue = m.queue[1:]
	return chunk, true
}

// stop ends run after the chunk being delivered, waits for it, and
// returns whatever was still queued.
func (m *mailbox) stop() []string {
	rest := m.abandon()
	<-m.exited
	return rest
}

// abandon is stop without the wait: run exits once the chunk it is
// delivering returns.
func (m *mailbox) abandon() []string {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rest := m.queue
	m.queue = nil
	m.mu.Unlock()

	close(m.done)
	return rest
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
