package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/web3tea/dvm-relay/models"
)

const (
	setupCommand  = "setup"
	removeCommand = "remove"
)

const (
	replySetupDenied  = "You do not have permission to set up the channel"
	replySetupExists  = "Channel already set up"
	replySetupDone    = "Channel set up"
	replyRemoveDenied = "You do not have permission to remove the channel"
	replyRemoveDone   = "Channel removed"
	replyNotSetUp     = "Channel not set up"
)

// handleEvent runs a command or forwards the text of a registered sink
// to the process. Bots are ignored.
func (r *Relay) handleEvent(ctx context.Context, event *models.InboundEvent) {
	if event == nil || event.AuthorIsBot {
		return
	}

	switch strings.TrimSpace(event.Text) {
	case r.commandPrefix + setupCommand:
		r.handleSetup(ctx, event)
	case r.commandPrefix + removeCommand:
		r.handleRemove(ctx, event)
	default:
		if r.registry.Has(event.SinkID) {
			r.forward(ctx, event)
		}
	}
}

func (r *Relay) handleSetup(ctx context.Context, event *models.InboundEvent) {
	if !event.AuthorIsAdmin {
		r.logger.Warnf("user %s may not set up sink %s", event.AuthorID, event.SinkID)
		r.reply(ctx, event.SinkID, replySetupDenied)
		return
	}

	err := r.Register(ctx, event.SinkID)
	switch {
	case errors.Is(err, ErrSinkExists):
		r.reply(ctx, event.SinkID, replySetupExists)
	case err != nil:
		r.logger.Errorf("failed to set up sink %s: %v", event.SinkID, err)
	default:
		r.reply(ctx, event.SinkID, replySetupDone)
	}
}

func (r *Relay) handleRemove(ctx context.Context, event *models.InboundEvent) {
	if !event.AuthorIsAdmin {
		r.logger.Warnf("user %s may not remove sink %s", event.AuthorID, event.SinkID)
		r.reply(ctx, event.SinkID, replyRemoveDenied)
		return
	}

	err := r.Remove(ctx, event.SinkID)
	switch {
	case errors.Is(err, ErrSinkNotFound):
		r.reply(ctx, event.SinkID, replyNotSetUp)
	case err != nil:
		r.logger.Errorf("failed to remove sink %s: %v", event.SinkID, err)
	default:
		r.reply(ctx, event.SinkID, replyRemoveDone)
	}
}

func (r *Relay) forward(ctx context.Context, event *models.InboundEvent) {
	if err := r.Send(event.Text); err != nil {
		r.logger.Errorf("failed to forward input from sink %s: %v", event.SinkID, err)
		return
	}
	if !r.deleteInput || event.MessageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.bufferConfig.FlushTimeout)
	defer cancel()
	if err := r.platform.DeleteMessage(ctx, event.SinkID, event.MessageID); err != nil {
		r.logger.Warnf("failed to delete input message %s in sink %s: %v", event.MessageID, event.SinkID, err)
	}
}

func (r *Relay) reply(ctx context.Context, sinkID, text string) {
	ctx, cancel := context.WithTimeout(ctx, r.bufferConfig.FlushTimeout)
	defer cancel()
	if _, err := r.platform.SendMessage(ctx, sinkID, text); err != nil {
		r.logger.Errorf("failed to reply in sink %s: %v", sinkID, err)
	}
}
