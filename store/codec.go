package store

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/pkg/log"
)

func encodeState(state *models.State) ([]byte, error) {
	if state == nil {
		state = &models.State{}
	}
	if state.Sinks == nil {
		// keep "channelIds": [] rather than null
		state = &models.State{Sinks: []models.SinkDescriptor{}}
	}
	return json.Marshal(state)
}

// decodeState skips entries without a channel id and keeps the first of
// any repeated id, so one bad entry does not cost the other sinks.
func decodeState(data []byte) (*models.State, error) {
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	valid := lo.Filter(state.Sinks, func(d models.SinkDescriptor, i int) bool {
		if d.SinkID == "" {
			log.Warnf("state: skipping entry %d, it has no channel id", i)
			return false
		}
		return true
	})
	unique := lo.UniqBy(valid, func(d models.SinkDescriptor) string { return d.SinkID })
	if n := len(valid) - len(unique); n > 0 {
		log.Warnf("state: skipping %d repeated channel ids", n)
	}
	state.Sinks = unique
	return &state, nil
}
