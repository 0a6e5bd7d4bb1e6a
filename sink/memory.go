package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/models"
)

// Call is one recorded Messenger or Platform call.
type Call struct {
	Op        string // send, edit, fetch, delete
	SinkID    string
	MessageID string
	Text      string
}

// Memory is an in-process Platform. It keeps message contents so fetch
// works, records every call, and fails the next call of an operation
// when told to. Tests drive it through Push and FailNext.
type Memory struct {
	mu        sync.Mutex
	formatter Formatter
	events    chan *models.InboundEvent
	messages  map[string]map[string]string
	calls     []Call
	failures  map[string][]error
	nextID    int
	closed    bool
}

func NewMemory(formatter Formatter) *Memory {
	if formatter == nil {
		formatter = CodeFence{Fence: "```", MaxRunes: 2000}
	}
	return &Memory{
		formatter: formatter,
		events:    make(chan *models.InboundEvent, 64),
		messages:  map[string]map[string]string{},
		failures:  map[string][]error{},
	}
}

func (m *Memory) Start(ctx context.Context) error { return nil }

func (m *Memory) Events() <-chan *models.InboundEvent { return m.events }

// Push delivers an inbound event as if a user had posted it.
func (m *Memory) Push(event *models.InboundEvent) {
	m.events <- event
}

// FailNext makes the next call of op ("send", "edit", "fetch",
// "delete") return err. Calls queue up in order.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Remove deletes a message behind the relay's back.
func (m *Memory) Remove(sinkID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages[sinkID], messageID)
}

// Overwrite changes a message's content behind the relay's back.
func (m *Memory) Overwrite(sinkID, messageID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[sinkID][messageID]; ok {
		m.messages[sinkID][messageID] = text
	}
}

func (m *Memory) SendMessage(ctx context.Context, sinkID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "send", SinkID: sinkID, Text: text})
	if err := m.takeFailure("send"); err != nil {
		return "", err
	}
	m.nextID++
	id := strconv.Itoa(m.nextID)
	if m.messages[sinkID] == nil {
		m.messages[sinkID] = map[string]string{}
	}
	m.messages[sinkID][id] = text
	return id, nil
}

func (m *Memory) EditMessage(ctx context.Context, sinkID, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "edit", SinkID: sinkID, MessageID: messageID, Text: text})
	if err := m.takeFailure("edit"); err != nil {
		return err
	}
	if _, ok := m.messages[sinkID][messageID]; !ok {
		return fmt.Errorf("edit %s/%s: %w", sinkID, messageID, ErrMessageNotFound)
	}
	m.messages[sinkID][messageID] = text
	return nil
}

func (m *Memory) FetchMessage(ctx context.Context, sinkID, messageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "fetch", SinkID: sinkID, MessageID: messageID})
	if err := m.takeFailure("fetch"); err != nil {
		return "", err
	}
	text, ok := m.messages[sinkID][messageID]
	if !ok {
		return "", fmt.Errorf("fetch %s/%s: %w", sinkID, messageID, ErrMessageNotFound)
	}
	return text, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, sinkID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "delete", SinkID: sinkID, MessageID: messageID})
	if err := m.takeFailure("delete"); err != nil {
		return err
	}
	delete(m.messages[sinkID], messageID)
	return nil
}

func (m *Memory) takeFailure(op string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

// Calls returns the recorded calls, optionally only those of the given
// operations.
func (m *Memory) Calls(ops ...string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		if len(ops) == 0 || lo.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// Messages returns the current contents of a sink's messages in send
// order.
func (m *Memory) Messages(sinkID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages[sinkID]))
	for i := 1; i <= m.nextID; i++ {
		if text, ok := m.messages[sinkID][strconv.Itoa(i)]; ok {
			out = append(out, text)
		}
	}
	return out
}

func (m *Memory) Formatter() Formatter { return m.formatter }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *Memory) Type() string { return "memory" }

var _ Platform = (*Memory)(nil)
