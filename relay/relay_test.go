package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3tea/dvm-relay/capture"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/pkg/clock"
	"github.com/web3tea/dvm-relay/sink"
	"github.com/web3tea/dvm-relay/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// pipeProvider stands in for the process: the test writes output into
// out and reads input lines from in.
type pipeProvider struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	inR  *io.PipeReader
	inW  *io.PipeWriter

	lines    chan string
	torndown atomic.Bool
	err      error
}

func newPipeProvider() *pipeProvider {
	p := &pipeProvider{lines: make(chan string, 16)}
	p.outR, p.outW = io.Pipe()
	p.inR, p.inW = io.Pipe()
	go func() {
		scanner := bufio.NewScanner(p.inR)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
	return p
}

func (p *pipeProvider) Type() string { return "pipe" }

func (p *pipeProvider) CreateAndStart(context.Context) (capture.Handle, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p, nil
}

func (p *pipeProvider) Stream() (io.Reader, io.Writer) { return p.outR, p.inW }

func (p *pipeProvider) Teardown(context.Context) error {
	p.torndown.Store(true)
	_ = p.outR.Close()
	return p.inW.Close()
}

func (p *pipeProvider) output(t *testing.T, s string) {
	t.Helper()
	_, err := p.outW.Write([]byte(s))
	require.NoError(t, err)
}

type harness struct {
	relay    *Relay
	mem      *sink.Memory
	provider *pipeProvider
	clock    *clock.FakeClock
	store    store.Store

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, options ...Option) *harness {
	t.Helper()
	mem := sink.NewMemory(nil)
	h := &harness{
		mem:      mem,
		provider: newPipeProvider(),
		clock:    clock.Fake(time.Unix(1700000000, 0)),
		store:    store.NewFileStore(filepath.Join(t.TempDir(), "state.json")),
	}
	h.relay = NewRelay(h.mem, h.provider, h.store, append([]Option{WithClock(h.clock)}, options...)...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.relay.Run(ctx) }()
	require.Eventually(t, func() bool { return h.relay.Status() == StatusRunning }, waitFor, tick)
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("relay did not stop")
		return nil
	}
}

func (h *harness) push(sinkID, text string, admin bool) {
	h.mem.Push(&models.InboundEvent{
		SinkID:        sinkID,
		MessageID:     "in-" + text,
		AuthorID:      "u1",
		AuthorIsAdmin: admin,
		Text:          text,
	})
}

func (h *harness) setup(t *testing.T, sinkID string) {
	t.Helper()
	h.push(sinkID, "!setup", true)
	require.Eventually(t, func() bool { return h.relay.Registry().Has(sinkID) }, waitFor, tick)
}

func (h *harness) replies(sinkID string) []string {
	var out []string
	for _, c := range h.mem.Calls("send") {
		if c.SinkID == sinkID && !strings.HasPrefix(c.Text, "```") {
			out = append(out, c.Text)
		}
	}
	return out
}

func (h *harness) waitPending(t *testing.T, sinkID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		buf, ok := h.relay.Registry().Buffer(sinkID)
		return ok && buf.Pending() == want
	}, waitFor, tick)
}

func (h *harness) persisted(t *testing.T) []string {
	t.Helper()
	state, err := h.store.Load(context.Background())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return state.SinkIDs()
}

func TestRelaySetupAndRelay(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.setup(t, "c1")
	require.Eventually(t, func() bool { return len(h.replies("c1")) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Channel set up"}, h.replies("c1"))
	assert.Equal(t, []string{"c1"}, h.persisted(t))

	h.provider.output(t, "\x1b[32mhello\x1b[0m")
	h.waitPending(t, "c1", "hello")
	h.clock.Advance(DefaultDebounce)

	assert.Contains(t, h.mem.Messages("c1"), fence("hello"))
}

func TestRelaySetupTwice(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.setup(t, "c1")
	h.push("c1", "!setup", true)

	require.Eventually(t, func() bool { return len(h.replies("c1")) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"Channel set up", "Channel already set up"}, h.replies("c1"))
	assert.Equal(t, 1, h.relay.Registry().Len())
}

func TestRelayNonAdminSetupDenied(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.push("c1", "!setup", false)

	require.Eventually(t, func() bool { return len(h.replies("c1")) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"You do not have permission to set up the channel"}, h.replies("c1"))
	assert.Equal(t, 0, h.relay.Registry().Len())
	assert.Nil(t, h.persisted(t))
}

func TestRelayRemoveCancelsPendingFlush(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.setup(t, "c1")
	h.setup(t, "c2")
	h.provider.output(t, "data")
	h.waitPending(t, "c1", "data")
	h.waitPending(t, "c2", "data")

	h.push("c1", "!remove", true)
	// the reply is sent once the buffer is closed and the state saved
	require.Eventually(t, func() bool { return len(h.replies("c1")) == 2 }, waitFor, tick)
	assert.Equal(t, "Channel removed", h.replies("c1")[1])
	assert.False(t, h.relay.Registry().Has("c1"))

	h.clock.Advance(time.Second)

	assert.NotContains(t, h.mem.Messages("c1"), fence("data"))
	assert.Contains(t, h.mem.Messages("c2"), fence("data"))
	assert.Equal(t, []string{"c2"}, h.persisted(t))
}

func TestRelayRemoveReplies(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.push("c1", "!remove", true)
	require.Eventually(t, func() bool { return len(h.replies("c1")) == 1 }, waitFor, tick)
	assert.Equal(t, "Channel not set up", h.replies("c1")[0])

	h.setup(t, "c1")
	h.push("c1", "!remove", false)
	require.Eventually(t, func() bool { return len(h.replies("c1")) == 3 }, waitFor, tick)
	assert.Equal(t, "You do not have permission to remove the channel", h.replies("c1")[2])
	assert.True(t, h.relay.Registry().Has("c1"))
}

func TestRelayForwardsInput(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.push("c9", "ignored", true)
	h.setup(t, "c1")
	h.mem.Push(&models.InboundEvent{SinkID: "c1", MessageID: "m-bot", AuthorIsBot: true, Text: "bot"})
	h.push("c1", "ls -la", false)

	select {
	case line := <-h.provider.lines:
		assert.Equal(t, "ls -la", line)
	case <-time.After(waitFor):
		t.Fatal("no input reached the process")
	}

	require.Eventually(t, func() bool { return len(h.mem.Calls("delete")) == 1 }, waitFor, tick)
	assert.Equal(t, "in-ls -la", h.mem.Calls("delete")[0].MessageID)
	assert.Empty(t, h.provider.lines)
}

func TestRelayKeepsInputWhenDeleteDisabled(t *testing.T) {
	h := newHarness(t, WithDeleteInput(false))
	h.start(t)

	h.setup(t, "c1")
	h.push("c1", "whoami", true)

	assert.Equal(t, "whoami", <-h.provider.lines)
	assert.Empty(t, h.mem.Calls("delete"))
}

type failingPlatform struct {
	*sink.Memory
	failSink string
}

func (p failingPlatform) SendMessage(ctx context.Context, sinkID, text string) (string, error) {
	if sinkID == p.failSink && strings.HasPrefix(text, "```") {
		return "", errors.New("rate limited")
	}
	return p.Memory.SendMessage(ctx, sinkID, text)
}

func TestRelaySinkIsolation(t *testing.T) {
	mem := sink.NewMemory(nil)
	clk := clock.Fake(time.Unix(0, 0))
	provider := newPipeProvider()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	r := NewRelay(failingPlatform{Memory: mem, failSink: "slow"}, provider, st, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Status() == StatusRunning }, waitFor, tick)

	require.NoError(t, r.Register(ctx, "slow"))
	require.NoError(t, r.Register(ctx, "fast"))

	_, err := provider.outW.Write([]byte("out"))
	require.NoError(t, err)
	for _, id := range []string{"slow", "fast"} {
		require.Eventually(t, func() bool {
			buf, ok := r.Registry().Buffer(id)
			return ok && buf.Pending() == "out"
		}, waitFor, tick)
	}
	clk.Advance(DefaultDebounce)

	assert.Equal(t, []string{fence("out")}, mem.Messages("fast"))
	assert.Empty(t, mem.Messages("slow"))
	buf, _ := r.Registry().Buffer("slow")
	assert.Equal(t, "out", buf.Pending())

	cancel()
	require.NoError(t, <-done)
}

func TestRelayProcessExitFlushesAndPersists(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.setup(t, "c1")
	h.provider.output(t, "bye")
	h.waitPending(t, "c1", "bye")

	require.NoError(t, h.provider.outW.Close())
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("relay did not stop on process exit")
	}
	h.cancel()
	h.cancel = nil

	assert.True(t, h.provider.torndown.Load())
	assert.Equal(t, StatusIdle, h.relay.Status())
	assert.Contains(t, h.mem.Messages("c1"), fence("bye"))

	state, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Sinks, 1)
	assert.Equal(t, "c1", state.Sinks[0].SinkID)
	assert.Equal(t, "2", state.Sinks[0].MessageID)
	assert.Equal(t, "bye", state.Sinks[0].LastContent)
}

func TestRelayLoadsPersistedSinksWithoutMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), &models.State{Sinks: []models.SinkDescriptor{
		{SinkID: "c1", MessageID: "42", LastContent: "old"},
		{SinkID: "c2"},
	}}))
	h.start(t)

	assert.Equal(t, []string{"c1", "c2"}, h.relay.Registry().IDs())
	buf, ok := h.relay.Registry().Buffer("c1")
	require.True(t, ok)
	assert.Empty(t, buf.ActiveMessageID())
	assert.Empty(t, buf.Accumulated())
}

func TestRelayCorruptStateStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	h := newHarness(t)
	h.store = store.NewFileStore(path)
	h.relay = NewRelay(h.mem, h.provider, h.store, WithClock(h.clock))
	h.start(t)

	assert.Equal(t, 0, h.relay.Registry().Len())
}

func TestRelayAutoRegister(t *testing.T) {
	h := newHarness(t, WithAutoRegister("console"))
	h.start(t)

	assert.True(t, h.relay.Registry().Has("console"))
	assert.Equal(t, []string{"console"}, h.persisted(t))
}

func TestRelaySetupFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.provider.err = fmt.Errorf("%w: create container: no such image", capture.ErrSetup)

	err := h.relay.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrSetup)
	assert.Equal(t, StatusError, h.relay.Status())
}

func TestRelaySendWithoutProcess(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.relay.Send("ls"), ErrNotRunning)
}

func TestReadLoopCarriesSplitRunes(t *testing.T) {
	h := newHarness(t, WithReadBufferSize(4))
	ctx := context.Background()
	require.NoError(t, h.relay.Register(ctx, "c1"))

	reader := iotest.OneByteReader(strings.NewReader("héllo wörld ✓"))
	err := h.relay.readLoop(ctx, reader)
	assert.ErrorIs(t, err, ErrProcessExited)

	h.waitPending(t, "c1", "héllo wörld ✓")
	buf, _ := h.relay.Registry().Buffer("c1")
	assert.NotContains(t, buf.Pending(), "�")
}

func TestCompleteUTF8(t *testing.T) {
	check := "✓" // e2 9c 93
	cases := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 3},
		{[]byte(check), 3},
		{[]byte(check)[:1], 0},
		{append([]byte("ab"), []byte(check)[:2]...), 2},
		{[]byte{0x80, 0x80}, 2},
		{nil, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, completeUTF8(tc.in), "%q", tc.in)
	}
}
