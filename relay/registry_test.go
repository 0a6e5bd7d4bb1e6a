package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3tea/dvm-relay/pkg/clock"
	"github.com/web3tea/dvm-relay/sink"
)

func TestRegistryOrderAndState(t *testing.T) {
	mem := sink.NewMemory(nil)
	clk := clock.Fake(time.Unix(0, 0))
	reg := NewRegistry()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, reg.add(newWorker(NewBuffer(id, mem, mem.Formatter(), clk, DefaultBufferConfig(), nil))))
	}
	assert.ErrorIs(t, reg.add(newWorker(NewBuffer("a", mem, mem.Formatter(), clk, DefaultBufferConfig(), nil))), ErrSinkExists)
	assert.Equal(t, []string{"b", "a", "c"}, reg.IDs())

	w, err := reg.remove("a")
	require.NoError(t, err)
	w.discard()
	_, err = reg.remove("a")
	assert.ErrorIs(t, err, ErrSinkNotFound)

	assert.Equal(t, []string{"b", "c"}, reg.IDs())
	assert.Equal(t, []string{"b", "c"}, reg.State().SinkIDs())
	assert.True(t, reg.Has("c"))
	assert.False(t, reg.Has("a"))

	buf, ok := reg.Buffer("b")
	require.True(t, ok)
	assert.Equal(t, "b", buf.ID())

	for _, w := range reg.snapshot() {
		w.discard()
	}
}

func TestWorkerDiscardDuringFlush(t *testing.T) {
	formatter := sink.CodeFence{Fence: "```", MaxRunes: 20}
	messenger := newStuckMessenger(formatter)
	clk := clock.Fake(time.Unix(0, 0))
	w := newWorker(NewBuffer("a", messenger, formatter, clk, DefaultBufferConfig(), nil))

	// an oversized chunk is sent from the mailbox goroutine
	w.enqueue(strings.Repeat("x", 30))
	<-messenger.entered
	w.enqueue("queued")

	start := time.Now()
	w.discard()
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-w.mailbox.exited:
	case <-time.After(time.Second):
		t.Fatal("mailbox goroutine did not exit")
	}
	assert.Empty(t, w.buffer.Pending())
	assert.Equal(t, 0, w.mailbox.len())
}
