package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/web3tea/dvm-relay/models"
)

// ConsoleSinkID is the only sink id the console platform knows.
const ConsoleSinkID = "console"

// ConsoleSink is a Platform for local use: messages are rendered to a
// terminal and every line typed on the input becomes an inbound event
// from an admin.
type ConsoleSink struct {
	out          io.Writer
	in           io.Reader
	colorEnabled bool
	tableStyle   table.Style
	formatter    Formatter

	mu       sync.Mutex
	messages map[string]string
	nextID   int
	events   chan *models.InboundEvent
	done     chan struct{}
	closed   bool
}

// ConsoleSinkOption defines functional options for ConsoleSink
type ConsoleSinkOption func(*ConsoleSink)

// WithColorOutput enables or disables colored output
func WithColorOutput(enabled bool) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.colorEnabled = enabled
	}
}

func WithOutput(w io.Writer) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.out = w
	}
}

// WithInput sets where inbound lines are read from. A nil reader
// disables inbound events.
func WithInput(r io.Reader) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.in = r
	}
}

// WithMaxLength sets the message ceiling, 2000 by default.
func WithMaxLength(n int) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		if n > 0 {
			s.formatter = Plain{MaxRunes: n}
		}
	}
}

func NewConsoleSink(options ...ConsoleSinkOption) *ConsoleSink {
	// The heading is a header row rather than a title: go-pretty wraps
	// titles to the body width.
	style := table.StyleRounded
	style.Format.Header = text.FormatDefault
	style.Color.Header = text.Colors{text.FgHiWhite, text.Bold}

	s := &ConsoleSink{
		out:          os.Stdout,
		in:           os.Stdin,
		colorEnabled: true,
		tableStyle:   style,
		formatter:    Plain{MaxRunes: 2000},
		messages:     map[string]string{},
		events:       make(chan *models.InboundEvent, 16),
		done:         make(chan struct{}),
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *ConsoleSink) Start(ctx context.Context) error {
	if s.in == nil {
		return nil
	}
	go s.readInput(ctx)
	return nil
}

func (s *ConsoleSink) readInput(ctx context.Context) {
	scanner := bufio.NewScanner(s.in)
	n := 0
	for scanner.Scan() {
		n++
		event := &models.InboundEvent{
			SinkID:        ConsoleSinkID,
			MessageID:     "in-" + strconv.Itoa(n),
			AuthorID:      "console",
			AuthorIsAdmin: true,
			Text:          scanner.Text(),
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *ConsoleSink) Events() <-chan *models.InboundEvent { return s.events }

func (s *ConsoleSink) SendMessage(ctx context.Context, sinkID, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.messages[id] = body
	s.render(s.paint(color.FgGreen, "NEW")+" #"+id+" -> "+sinkID, body)
	return id, nil
}

// EditMessage only prints what was appended when the edit extends the
// previous content, which is the usual case for a growing buffer.
func (s *ConsoleSink) EditMessage(ctx context.Context, sinkID, messageID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("edit %s: %w", messageID, ErrMessageNotFound)
	}
	s.messages[messageID] = body

	shown := body
	if strings.HasPrefix(body, previous) {
		shown = s.paint(color.FgHiBlack, "…") + strings.TrimPrefix(body, previous)
	}
	s.render(s.paint(color.FgYellow, "EDIT")+" #"+messageID+" -> "+sinkID, shown)
	return nil
}

func (s *ConsoleSink) FetchMessage(ctx context.Context, sinkID, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.messages[messageID]
	if !ok {
		return "", fmt.Errorf("fetch %s: %w", messageID, ErrMessageNotFound)
	}
	return body, nil
}

// DeleteMessage is a no-op: typed input is never rendered.
func (s *ConsoleSink) DeleteMessage(ctx context.Context, sinkID, messageID string) error {
	return nil
}

func (s *ConsoleSink) render(title, body string) {
	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.SetStyle(s.tableStyle)
	if !s.colorEnabled {
		t.Style().Color = table.ColorOptions{}
	}
	t.AppendHeader(table.Row{title})
	t.AppendRow(table.Row{strings.TrimRight(body, "\n")})
	t.Render()
}

func (s *ConsoleSink) paint(attr color.Attribute, str string) string {
	if !s.colorEnabled {
		return str
	}
	return color.New(attr, color.Bold).Sprint(str)
}

func (s *ConsoleSink) Formatter() Formatter { return s.formatter }

// Close stops reading input. Events is left open; a scanner blocked on
// the terminal may still be sending.
func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Type returns the type of this sink
func (s *ConsoleSink) Type() string {
	return "console"
}

var _ Platform = (*ConsoleSink)(nil)
