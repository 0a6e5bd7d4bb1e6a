package transformer

import "regexp"

// controlSequence matches the three forms removed from terminal output:
// CSI (ESC [ params final-letter), OSC (ESC ] ... BEL) and the keypad
// mode shorthands ESC > and ESC =.
var controlSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[>=]`)

// Sanitizer strips terminal control sequences and nothing else: line
// endings, whitespace and other control bytes are left as they are. A
// sequence split across two chunks is not recognized in either.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

func (s *Sanitizer) Transform(chunk string) string {
	return Sanitize(chunk)
}

func (s *Sanitizer) Name() string {
	return "sanitize"
}

// Sanitize removes control sequences until none are left. Removing one
// sequence can join its neighbours into a new one ("\x1b\x1b[A[A"), so a
// single pass would not be idempotent.
func Sanitize(chunk string) string {
	for {
		out := controlSequence.ReplaceAllString(chunk, "")
		if len(out) == len(chunk) {
			return out
		}
		chunk = out
	}
}

var _ Transformer = (*Sanitizer)(nil)
