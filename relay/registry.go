package relay

import (
	"errors"
	"sync"

	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/metrics"
	"github.com/web3tea/dvm-relay/models"
)

var (
	ErrSinkExists   = errors.New("sink already registered")
	ErrSinkNotFound = errors.New("sink not registered")
)

// worker is a registered sink: its buffer plus the mailbox goroutine
// that feeds it.
type worker struct {
	buffer  *Buffer
	mailbox *mailbox
}

func newWorker(buffer *Buffer) *worker {
	w := &worker{buffer: buffer, mailbox: newMailbox()}
	go w.mailbox.run(buffer.Write)
	return w
}

func (w *worker) enqueue(chunk string) { w.mailbox.put(chunk) }

// drain stops the mailbox and writes what was still queued, so nothing
// read before shutdown is lost.
func (w *worker) drain() {
	for _, chunk := range w.mailbox.stop() {
		w.buffer.Write(chunk)
	}
}

// discard closes the mailbox and the buffer, dropping pending output.
// It returns without waiting for a flush already in flight.
func (w *worker) discard() {
	w.mailbox.abandon()
	w.buffer.Close()
}

// Registry is the ordered set of sinks receiving output. Readers take a
// snapshot and iterate it without holding the lock.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]*worker
}

func NewRegistry() *Registry {
	return &Registry{workers: map[string]*worker{}}
}

func (r *Registry) add(w *worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := w.buffer.ID()
	if _, ok := r.workers[id]; ok {
		return ErrSinkExists
	}
	r.order = append(r.order, id)
	r.workers[id] = w
	metrics.SinksRegistered.Set(float64(len(r.order)))
	return nil
}

func (r *Registry) remove(id string) (*worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, ErrSinkNotFound
	}
	delete(r.workers, id)
	r.order = lo.Without(r.order, id)
	metrics.SinksRegistered.Set(float64(len(r.order)))
	return w, nil
}

func (r *Registry) snapshot() []*worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id string, _ int) *worker { return r.workers[id] })
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[id]
	return ok
}

// Buffer returns the buffer of a registered sink.
func (r *Registry) Buffer(id string) (*Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.buffer, true
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// State is the registry in its persisted form, in registration order.
func (r *Registry) State() *models.State {
	return &models.State{
		Sinks: lo.Map(r.snapshot(), func(w *worker, _ int) models.SinkDescriptor {
			return w.buffer.Descriptor()
		}),
	}
}
