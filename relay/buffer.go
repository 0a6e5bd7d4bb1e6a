package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/web3tea/dvm-relay/metrics"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/pkg/clock"
	"github.com/web3tea/dvm-relay/pkg/log"
	"github.com/web3tea/dvm-relay/sink"
)

// State is the position of a Buffer in its flush cycle.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

const (
	triggerDebounce = "debounce"
	triggerMaxDelay = "max_delay"
	triggerOverflow = "overflow"
	triggerShutdown = "shutdown"
)

const (
	DefaultDebounce        = 500 * time.Millisecond
	DefaultFlushTimeout    = 10 * time.Second
	DefaultMaxFlushRetries = 3
)

type BufferConfig struct {
	Debounce        time.Duration
	MaxDelay        time.Duration
	FlushTimeout    time.Duration
	MaxFlushRetries int
}

func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Debounce:        DefaultDebounce,
		FlushTimeout:    DefaultFlushTimeout,
		MaxFlushRetries: DefaultMaxFlushRetries,
	}
}

// Buffer collects output for one sink and turns it into as few message
// sends and edits as possible. The message being edited holds
// accumulated; pending is text not yet delivered.
//
// All transitions, timer callbacks included, run under mu. A flush keeps
// mu for its whole duration, bounded by FlushTimeout.
type Buffer struct {
	id        string
	messenger sink.Messenger
	formatter sink.Formatter
	clock     clock.Clock
	cfg       BufferConfig
	logger    log.Logger

	mu              sync.Mutex
	state           State
	activeMessageID string
	accumulated     string
	pending         string
	pendingSince    time.Time
	timer           *clock.Timer
	generation      uint64
	failures        int

	// closed is set without mu so Close never waits for a flush; ctx is
	// the parent of every flush and is cancelled by Close.
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	descriptor atomic.Pointer[models.SinkDescriptor]
}

func NewBuffer(id string, messenger sink.Messenger, formatter sink.Formatter, c clock.Clock, cfg BufferConfig, logger log.Logger) *Buffer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.MaxFlushRetries < 0 {
		cfg.MaxFlushRetries = 0
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.Nop()
	}

	b := &Buffer{
		id:        id,
		messenger: messenger,
		formatter: formatter,
		clock:     c,
		cfg:       cfg,
		logger:    logger,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.publish()
	return b
}

func (b *Buffer) ID() string { return b.id }

// Write adds a sanitized chunk. Empty chunks are ignored, as is anything
// written after Close.
func (b *Buffer) Write(text string) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return
	}

	limit, overhead := b.formatter.Limit(), b.formatter.Overhead()
	candidate := runeLen(b.accumulated) + runeLen(b.pending) + runeLen(text) + overhead
	if candidate < limit {
		b.appendPending(text)
		b.arm()
		return
	}

	// The open message is full: deliver what is pending into it and start
	// a new one.
	if err := b.flushLocked(triggerOverflow); err != nil {
		b.logger.Errorf("%v", err)
	}

	maxPiece := max(limit-overhead-1, 1)
	for {
		b.rollover(min(runeLen(text), maxPiece))
		if b.closed.Load() {
			return
		}
		if runeLen(text) <= maxPiece {
			break
		}
		var piece string
		piece, text = splitRunes(text, maxPiece)
		b.appendPending(piece)
		if err := b.flushLocked(triggerOverflow); err != nil {
			b.logger.Errorf("%v", err)
		}
	}

	b.appendPending(text)
	b.arm()
}

// Flush delivers pending text now. It is used at shutdown.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil
	}
	return b.flushLocked(triggerShutdown)
}

// Close stops the timer and drops pending text. It does not wait for a
// flush in progress: that flush is cancelled and its outcome ignored. A
// Buffer cannot be reused after Close.
func (b *Buffer) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.cancel()

	if b.mu.TryLock() {
		b.reset()
		b.mu.Unlock()
		return
	}
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.reset()
	}()
}

// reset clears a closed buffer.
func (b *Buffer) reset() {
	b.stopTimer()
	b.pending = ""
	b.state = StateIdle
}

// Descriptor returns the persisted view of the buffer. It does not wait
// for a flush in progress.
func (b *Buffer) Descriptor() models.SinkDescriptor {
	return *b.descriptor.Load()
}

func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *Buffer) Accumulated() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accumulated
}

func (b *Buffer) ActiveMessageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeMessageID
}

func (b *Buffer) appendPending(text string) {
	if b.pending == "" {
		b.pendingSince = b.clock.Now()
	}
	b.pending += text
	b.state = StateAccumulating
}

// closeMessage forgets the open message.
func (b *Buffer) closeMessage() {
	b.activeMessageID = ""
	b.accumulated = ""
	b.publish()
}

// rollover closes the open message before next runes are appended.
// Pending text a failed flush left behind starts the new message when
// next still fits after it. Otherwise it is sent as a message of its own,
// and dropped if that fails too.
func (b *Buffer) rollover(next int) {
	b.closeMessage()
	if b.pending == "" || runeLen(b.pending)+next+b.formatter.Overhead() < b.formatter.Limit() {
		return
	}
	if err := b.flushLocked(triggerOverflow); err != nil {
		b.logger.Errorf("%v", err)
		b.logger.Warnf("sink %s: dropping %d undelivered runes", b.id, runeLen(b.pending))
		b.pending = ""
	}
	b.closeMessage()
}

// arm (re)starts the flush timer. With MaxDelay set, the timer never
// lands later than MaxDelay after pending text first appeared.
func (b *Buffer) arm() {
	b.stopTimer()

	delay := b.cfg.Debounce
	trigger := triggerDebounce
	if b.cfg.MaxDelay > 0 {
		remaining := b.pendingSince.Add(b.cfg.MaxDelay).Sub(b.clock.Now())
		if remaining <= 0 {
			b.onFlushDue(triggerMaxDelay)
			return
		}
		if remaining < delay {
			delay = remaining
			trigger = triggerMaxDelay
		}
	}

	b.generation++
	generation := b.generation
	b.timer = b.clock.AfterFunc(delay, func() {
		b.fire(generation, trigger)
	})
}

func (b *Buffer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.generation++
}

func (b *Buffer) fire(generation uint64, trigger string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A chunk or Close got the lock first.
	if b.closed.Load() || generation != b.generation {
		return
	}
	b.timer = nil
	b.onFlushDue(trigger)
}

func (b *Buffer) onFlushDue(trigger string) {
	err := b.flushLocked(trigger)
	if err == nil {
		return
	}
	b.logger.Errorf("%v", err)

	if b.pending != "" && b.failures <= b.cfg.MaxFlushRetries {
		b.logger.Debugf("sink %s: retrying flush (%d/%d)", b.id, b.failures, b.cfg.MaxFlushRetries)
		b.pendingSince = b.clock.Now()
		b.arm()
	}
}

func (b *Buffer) flushLocked(trigger string) error {
	if b.pending == "" {
		b.stopTimer()
		b.state = StateIdle
		return nil
	}

	b.state = StateFlushing
	start := time.Now()
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.FlushTimeout)
	err := b.commit(ctx)
	cancel()
	metrics.FlushLatency.Observe(time.Since(start).Seconds())

	if b.closed.Load() {
		metrics.FlushesTotal.WithLabelValues(trigger, "discarded").Inc()
		b.reset()
		return nil
	}

	if err != nil {
		metrics.FlushesTotal.WithLabelValues(trigger, "error").Inc()
		b.failures++
		b.state = StateAccumulating
		if errors.Is(err, sink.ErrMessageNotFound) {
			b.logger.Warnf("sink %s: message %s is gone, next flush starts a new one", b.id, b.activeMessageID)
			b.activeMessageID = ""
			b.accumulated = ""
		}
		b.publish()
		return err
	}

	metrics.FlushesTotal.WithLabelValues(trigger, "ok").Inc()
	b.failures = 0
	b.pending = ""
	b.stopTimer()
	b.state = StateIdle
	b.publish()
	return nil
}

// commit delivers pending into the open message, or into a new one when
// there is none. accumulated and activeMessageID only change on success.
func (b *Buffer) commit(ctx context.Context) error {
	if b.activeMessageID == "" {
		id, err := b.messenger.SendMessage(ctx, b.id, b.formatter.Wrap(b.pending))
		if err != nil {
			return &FlushError{SinkID: b.id, Stage: "send", Err: err}
		}
		metrics.MessagesTotal.WithLabelValues("send").Inc()
		b.activeMessageID = id
		b.accumulated = b.pending
		return nil
	}

	intended := b.accumulated + b.pending
	wrapped := b.formatter.Wrap(intended)

	remote, err := b.messenger.FetchMessage(ctx, b.id, b.activeMessageID)
	switch {
	case err == nil && remote == wrapped:
		metrics.MessagesTotal.WithLabelValues("skip").Inc()
		b.accumulated = intended
		return nil
	case err == nil, errors.Is(err, sink.ErrFetchUnsupported):
	default:
		return &FlushError{SinkID: b.id, Stage: "fetch", Err: err}
	}

	if err := b.messenger.EditMessage(ctx, b.id, b.activeMessageID, wrapped); err != nil {
		return &FlushError{SinkID: b.id, Stage: "edit", Err: err}
	}
	metrics.MessagesTotal.WithLabelValues("edit").Inc()
	b.accumulated = intended
	return nil
}

func (b *Buffer) publish() {
	b.descriptor.Store(&models.SinkDescriptor{
		SinkID:      b.id,
		MessageID:   b.activeMessageID,
		LastContent: b.accumulated,
	})
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// splitRunes cuts s after n runes.
func splitRunes(s string, n int) (string, string) {
	i := 0
	for offset := range s {
		if i == n {
			return s[:offset], s[offset:]
		}
		i++
	}
	return s, ""
}
