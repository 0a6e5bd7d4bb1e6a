package sink

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordErrorMapping(t *testing.T) {
	unknownMessage := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage, Message: "Unknown Message"},
	}
	assert.ErrorIs(t, discordError("edit", unknownMessage), ErrMessageNotFound)

	bareNotFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	assert.ErrorIs(t, discordError("fetch", bareNotFound), ErrMessageNotFound)

	rateLimited := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	err := discordError("send", rateLimited)
	assert.NotErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, err, error(rateLimited))

	plain := errors.New("connection reset")
	assert.NotErrorIs(t, discordError("send", plain), ErrMessageNotFound)
}

func TestNewDiscordSink(t *testing.T) {
	_, err := NewDiscordSink("", nil)
	require.Error(t, err)

	d, err := NewDiscordSink("abc", nil)
	require.NoError(t, err)
	assert.Equal(t, "discord", d.Type())
	assert.Equal(t, 2000, d.Formatter().Limit())
	assert.Equal(t, 6, d.Formatter().Overhead())
	assert.NotZero(t, d.session.Identify.Intents&discordgo.IntentsMessageContent)
}
