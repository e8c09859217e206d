package session

import (
	"fmt"

	"ziggotv-proxy/work/types"
)

// GetEvents fetches one raw EPG segment. The timestamp is the segment's
// aligned start formatted as yyyymmddhhMMSS in UTC; parsing and caching
// happen in the epg package.
func (b *Broker) GetEvents(timestamp string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := fmt.Sprintf("%s/epg-service-lite/nl/nl/events/segments/%s", b.webBase, timestamp)
	resp, err := b.hc.Get(u, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetEventDetails fetches the long-form metadata for an event from the
// replay-event endpoint.
func (b *Broker) GetEventDetails(eventID string) (types.EventDetails, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := fmt.Sprintf("%s/linear-service/v2/replayEvent/%s", b.webBase, eventID)
	resp, err := b.hc.Get(u, withParams("returnLinearContent", "true"))
	if err != nil {
		return types.EventDetails{}, err
	}

	var details types.EventDetails
	if err := jsonUnmarshal(resp.Body, &details); err != nil {
		return types.EventDetails{}, fmt.Errorf("parse event details: %w", err)
	}
	return details, nil
}
