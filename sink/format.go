package sink

import (
	"html"
	"unicode/utf8"
)

// Formatter wraps buffered text for display. Limit is the hard message
// ceiling and Overhead the part of it taken by the wrapping, both in
// runes.
type Formatter interface {
	Wrap(text string) string
	Limit() int
	Overhead() int
}

// CodeFence wraps text in a markdown code block without a language tag.
type CodeFence struct {
	Fence    string
	MaxRunes int
}

func (f CodeFence) Wrap(text string) string { return f.Fence + text + f.Fence }
func (f CodeFence) Limit() int              { return f.MaxRunes }
func (f CodeFence) Overhead() int           { return 2 * utf8.RuneCountInString(f.Fence) }

// HTMLPre wraps escaped text in <pre>. Platforms using it count the
// limit after entity parsing, so the markup costs nothing.
type HTMLPre struct {
	MaxRunes int
}

func (f HTMLPre) Wrap(text string) string { return "<pre>" + html.EscapeString(text) + "</pre>" }
func (f HTMLPre) Limit() int              { return f.MaxRunes }
func (f HTMLPre) Overhead() int           { return 0 }

type Plain struct {
	MaxRunes int
}

func (f Plain) Wrap(text string) string { return text }
func (f Plain) Limit() int              { return f.MaxRunes }
func (f Plain) Overhead() int           { return 0 }

var (
	_ Formatter = CodeFence{}
	_ Formatter = HTMLPre{}
	_ Formatter = Plain{}
)
