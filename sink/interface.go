package sink

import (
	"context"
	"errors"

	"github.com/web3tea/dvm-relay/models"
)

var (
	// ErrMessageNotFound means the target message no longer exists
	// (deleted out of band, or an id from another session).
	ErrMessageNotFound = errors.New("message not found")

	// ErrFetchUnsupported is returned by platforms whose API cannot read
	// a message back.
	ErrFetchUnsupported = errors.New("fetching messages is not supported")
)

// Messenger is the part of a platform the flush path needs.
type Messenger interface {
	SendMessage(ctx context.Context, sinkID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, sinkID, messageID, text string) error
	FetchMessage(ctx context.Context, sinkID, messageID string) (string, error)
}

// Platform is a chat service: an outbound Messenger plus the inbound
// stream of messages posted by users.
type Platform interface {
	Messenger

	// Start connects and begins delivering Events.
	Start(ctx context.Context) error
	Events() <-chan *models.InboundEvent

	DeleteMessage(ctx context.Context, sinkID, messageID string) error

	// Formatter describes how buffered text is wrapped and how long a
	// message may be.
	Formatter() Formatter

	Close() error
	Type() string
}
