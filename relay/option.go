package relay

import (
	"time"

	"github.com/web3tea/dvm-relay/pkg/clock"
	"github.com/web3tea/dvm-relay/pkg/log"
	"github.com/web3tea/dvm-relay/processor"
)

// Option configures a Relay.
type Option func(*Relay)

// WithDebounce sets the quiet period after the last chunk before a sink
// flushes.
func WithDebounce(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.bufferConfig.Debounce = d
		}
	}
}

// WithMaxDelay caps how long text may stay pending while chunks keep
// arriving. Zero disables the cap.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Relay) {
		if d >= 0 {
			r.bufferConfig.MaxDelay = d
		}
	}
}

// WithFlushTimeout bounds every flush.
func WithFlushTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.bufferConfig.FlushTimeout = d
		}
	}
}

// WithMaxFlushRetries sets how many consecutive failed flushes re-arm the
// timer on their own.
func WithMaxFlushRetries(n int) Option {
	return func(r *Relay) {
		if n >= 0 {
			r.bufferConfig.MaxFlushRetries = n
		}
	}
}

func WithReadBufferSize(size int) Option {
	return func(r *Relay) {
		if size >= 4 {
			r.readBufferSize = size
		}
	}
}

func WithCommandPrefix(prefix string) Option {
	return func(r *Relay) {
		if prefix != "" {
			r.commandPrefix = prefix
		}
	}
}

// WithDeleteInput controls whether forwarded user messages are deleted
// from the sink.
func WithDeleteInput(enabled bool) Option {
	return func(r *Relay) {
		r.deleteInput = enabled
	}
}

func WithProcessor(p processor.ChunkProcessor) Option {
	return func(r *Relay) {
		if p != nil {
			r.processor = p
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Relay) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(logger log.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithStatusReporter(reporter StatusReporter) Option {
	return func(r *Relay) {
		r.statusReporter = reporter
	}
}

// WithAutoRegister registers the given sinks at start-up, as if an
// administrator had set them up.
func WithAutoRegister(sinkIDs ...string) Option {
	return func(r *Relay) {
		r.autoRegister = append(r.autoRegister, sinkIDs...)
	}
}
