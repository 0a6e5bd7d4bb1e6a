package store

import (
	"context"
	"errors"

	"github.com/web3tea/dvm-relay/models"
)

var (
	// ErrNotFound is returned by Load when nothing has been saved yet.
	ErrNotFound = errors.New("state not found")

	// ErrCorrupt is returned by Load when the saved record cannot be
	// decoded.
	ErrCorrupt = errors.New("state corrupt")
)

// Store persists the single state record.
type Store interface {
	Load(ctx context.Context) (*models.State, error)

	Save(ctx context.Context, state *models.State) error

	Close() error
}

// IsRecoverable reports whether a Load error should degrade to an empty
// state instead of stopping the process.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt)
}
