package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/web3tea/dvm-relay/capture"
	"github.com/web3tea/dvm-relay/metrics"
	"github.com/web3tea/dvm-relay/pkg/clock"
	"github.com/web3tea/dvm-relay/pkg/log"
	"github.com/web3tea/dvm-relay/processor"
	"github.com/web3tea/dvm-relay/sink"
	"github.com/web3tea/dvm-relay/store"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReadBufferSize = 4096
	DefaultCommandPrefix  = "!"

	teardownTimeout = 10 * time.Second
	persistTimeout  = 10 * time.Second
)

var (
	// ErrNotRunning is returned by Send when no process is attached.
	ErrNotRunning = errors.New("relay not running")

	// ErrPlatformClosed is returned by the event loop when the platform
	// stops delivering events. Run treats it as a clean stop.
	ErrPlatformClosed = errors.New("platform closed")
)

// Relay copies the console output of one process to every registered
// sink and feeds sink input back to the process.
//
// Run may be called once.
type Relay struct {
	platform  sink.Platform
	provider  capture.Provider
	store     store.Store
	registry  *Registry
	processor processor.ChunkProcessor

	clock          clock.Clock
	logger         log.Logger
	bufferConfig   BufferConfig
	readBufferSize int
	commandPrefix  string
	deleteInput    bool
	autoRegister   []string

	writeMu sync.Mutex
	writer  io.Writer

	persistMu sync.Mutex

	statusReporter StatusReporter
	status         Status
	statusMu       sync.RWMutex
}

func NewRelay(platform sink.Platform, provider capture.Provider, st store.Store, options ...Option) *Relay {
	r := &Relay{
		platform:       platform,
		provider:       provider,
		store:          st,
		registry:       NewRegistry(),
		processor:      processor.NewDefaultChain(),
		clock:          clock.Real(),
		logger:         log.Nop(),
		bufferConfig:   DefaultBufferConfig(),
		readBufferSize: DefaultReadBufferSize,
		commandPrefix:  DefaultCommandPrefix,
		deleteInput:    true,
		status:         StatusIdle,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

func (r *Relay) Registry() *Registry { return r.registry }

// Run loads the persisted sinks, starts the process and the platform,
// and relays until ctx is done, the process exits or the platform
// closes. On the way out pending output is flushed, the sinks are
// persisted and the process is torn down.
func (r *Relay) Run(ctx context.Context) error {
	r.setStatus(StatusStarting, "")

	if err := r.loadState(ctx); err != nil {
		r.setStatus(StatusError, err.Error())
		return err
	}

	handle, err := r.provider.CreateAndStart(ctx)
	if err != nil {
		r.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to start %s process: %w", r.provider.Type(), err)
	}

	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			r.setWriter(nil)
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := handle.Teardown(tctx); err != nil {
				r.logger.Errorf("failed to tear down process: %v", err)
			}
		})
	}

	reader, writer := handle.Stream()
	r.setWriter(writer)

	if err := r.platform.Start(ctx); err != nil {
		teardown()
		r.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to start %s platform: %w", r.platform.Type(), err)
	}

	for _, id := range r.autoRegister {
		if err := r.Register(ctx, id); err != nil && !errors.Is(err, ErrSinkExists) {
			r.logger.Warnf("failed to register sink %s: %v", id, err)
		}
	}

	r.setStatus(StatusRunning, "")
	r.logger.Infof("relaying %s process to %s with %d sinks", r.provider.Type(), r.platform.Type(), r.registry.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.readLoop(gctx, reader) })
	g.Go(func() error { return r.eventLoop(gctx) })
	g.Go(func() error {
		// Closing the process unblocks the reader.
		<-gctx.Done()
		teardown()
		return nil
	})
	err = g.Wait()

	r.setStatus(StatusStopping, "")
	r.shutdown()
	teardown()

	switch {
	case errors.Is(err, ErrProcessExited):
		r.logger.Infof("process exited, stopping")
		err = nil
	case errors.Is(err, ErrPlatformClosed):
		r.logger.Infof("platform closed, stopping")
		err = nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		err = nil
	}

	if err != nil {
		r.setStatus(StatusError, err.Error())
		return err
	}
	r.setStatus(StatusIdle, "")
	return nil
}

// Send writes one line of input to the process.
func (r *Relay) Send(text string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.writer == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(r.writer, text+"\n"); err != nil {
		return fmt.Errorf("write process input: %w", err)
	}
	return nil
}

// Register starts relaying output to sinkID and persists the sink set.
func (r *Relay) Register(ctx context.Context, sinkID string) error {
	if r.registry.Has(sinkID) {
		return ErrSinkExists
	}
	w := newWorker(r.newBuffer(sinkID))
	if err := r.registry.add(w); err != nil {
		w.discard()
		return err
	}
	r.logger.Infof("registered sink %s", sinkID)
	r.persist(ctx)
	return nil
}

// Remove stops relaying to sinkID, drops its pending output and persists
// the sink set.
func (r *Relay) Remove(ctx context.Context, sinkID string) error {
	w, err := r.registry.remove(sinkID)
	if err != nil {
		return err
	}
	w.discard()
	r.logger.Infof("removed sink %s", sinkID)
	r.persist(ctx)
	return nil
}

func (r *Relay) newBuffer(sinkID string) *Buffer {
	return NewBuffer(sinkID, r.platform, r.platform.Formatter(), r.clock, r.bufferConfig, r.logger)
}

func (r *Relay) setWriter(w io.Writer) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.writer = w
}

// loadState registers the persisted sinks. Every sink starts without an
// open message. A missing or unreadable record only costs the sink set.
func (r *Relay) loadState(ctx context.Context) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		if store.IsRecoverable(err) {
			r.logger.Warnf("starting with no sinks: %v", err)
			return nil
		}
		return fmt.Errorf("failed to load state: %w", err)
	}

	for _, id := range state.SinkIDs() {
		if err := r.registry.add(newWorker(r.newBuffer(id))); err != nil {
			r.logger.Warnf("skipping persisted sink %s: %v", id, err)
		}
	}
	r.logger.Infof("loaded %d sinks", r.registry.Len())
	return nil
}

func (r *Relay) persist(ctx context.Context) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.Save(ctx, r.registry.State()); err != nil {
		r.logger.Errorf("failed to save state: %v", err)
	}
}

// shutdown delivers everything read so far, saves the sink set and
// stops the buffers.
func (r *Relay) shutdown() {
	workers := r.registry.snapshot()
	for _, w := range workers {
		w.drain()
		if err := w.buffer.Flush(); err != nil {
			r.logger.Errorf("final %v", err)
		}
	}
	r.persist(context.Background())
	for _, w := range workers {
		w.buffer.Close()
	}
}

func (r *Relay) readLoop(ctx context.Context, reader io.Reader) error {
	buf := make([]byte, r.readBufferSize)
	var carry []byte

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			metrics.BytesTotal.Add(float64(n))
			data := append(carry, buf[:n]...)
			complete := completeUTF8(data)
			r.dispatch(data[:complete])
			carry = append([]byte(nil), data[complete:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				r.dispatch(carry)
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrProcessExited
			}
			return fmt.Errorf("read process output: %w", err)
		}
	}
}

// dispatch runs the processor chain once and queues the result for
// every registered sink.
func (r *Relay) dispatch(raw []byte) {
	if len(raw) == 0 {
		return
	}
	text, ok := r.processor.Process(strings.ToValidUTF8(string(raw), string(utf8.RuneError)))
	if !ok {
		return
	}
	metrics.ChunksTotal.Inc()
	for _, w := range r.registry.snapshot() {
		w.enqueue(text)
	}
}

func (r *Relay) eventLoop(ctx context.Context) error {
	events := r.platform.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return ErrPlatformClosed
			}
			r.handleEvent(ctx, event)
		}
	}
}

// completeUTF8 returns the length of the longest prefix of p that does
// not end inside a multi-byte sequence.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		c := p[i]
		if c < utf8.RuneSelf {
			return len(p)
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
