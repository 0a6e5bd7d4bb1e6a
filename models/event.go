package models

// InboundEvent is a text message posted on a chat platform.
type InboundEvent struct {
	// SinkID is the channel (or chat) the message was posted in
	SinkID string `json:"sink_id"`

	// MessageID identifies the posted message, used to delete forwarded input
	MessageID string `json:"message_id,omitempty"`

	AuthorID string `json:"author_id,omitempty"`

	// AuthorIsBot is set for messages from bots, including our own
	AuthorIsBot bool `json:"author_is_bot"`

	// AuthorIsAdmin is the platform's answer to the admin capability check
	AuthorIsAdmin bool `json:"author_is_admin"`

	Text string `json:"text"`
}

// SinkDescriptor is the persisted form of one registered sink. The JSON
// names match the config.json layout of earlier releases.
type SinkDescriptor struct {
	SinkID string `json:"channelId"`

	// MessageID is the open message at the time of the save, "" for none
	MessageID string `json:"messageId"`

	// LastContent is the text committed to MessageID
	LastContent string `json:"lastContent"`
}

// State is the single persisted record.
type State struct {
	Sinks []SinkDescriptor `json:"channelIds"`
}

// SinkIDs returns the registered ids in order.
func (s *State) SinkIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Sinks))
	for _, d := range s.Sinks {
		ids = append(ids, d.SinkID)
	}
	return ids
}
