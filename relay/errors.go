package relay

import (
	"errors"
	"fmt"
)

// ErrProcessExited is returned by the read loop when the process closes
// its console. Run treats it as a clean stop.
var ErrProcessExited = errors.New("process exited")

// FlushError is a failed flush of one sink. Stage is the sink call that
// failed: send, fetch or edit.
type FlushError struct {
	SinkID string
	Stage  string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush sink %s: %s: %v", e.SinkID, e.Stage, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }
