package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrSetup marks failures to create, start or attach to the managed
// process. The relay cannot run without it, so callers treat it as
// fatal.
var ErrSetup = errors.New("process setup failed")

// Provider creates the interactive process whose console is relayed.
type Provider interface {
	CreateAndStart(ctx context.Context) (Handle, error)
	Type() string
}

// Handle is a running process.
type Handle interface {
	// Stream returns the duplexed console: output is read from the
	// reader, input is written to the writer.
	Stream() (io.Reader, io.Writer)

	Teardown(ctx context.Context) error
}

func setupError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSetup, op, err)
}
