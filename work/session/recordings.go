package session

import (
	"fmt"

	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/recording"
)

func (b *Broker) recordingBase() string {
	return fmt.Sprintf("%s/recording-service/customers/%s", b.webBase, b.session.HouseholdID)
}

// RefreshRecordings fetches the recordings listing: finished recordings
// by default, planned bookings when planned is set. The raw JSON is
// returned for the RPC surface; finished recordings are also persisted.
func (b *Broker) RefreshRecordings(planned bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := "/recordings"
	if planned {
		path = "/bookings"
	}
	resp, err := b.hc.Get(b.recordingBase()+path, withParams(
		"with", "events",
		"isAdult", boolParam(b.cfg.AdultAllowed),
	))
	if err != nil {
		return nil, err
	}

	if !planned {
		if err := b.st.SaveRaw(recordingsFile, resp.Body); err != nil {
			logger.Warn("{session - RefreshRecordings} failed to persist recordings: %v", err)
		}
	}
	return resp.Body, nil
}

// Recordings parses the persisted recordings listing into the tagged
// model. Returns an empty list when nothing was fetched yet.
func (b *Broker) Recordings() ([]*recording.Recording, error) {
	raw, err := b.st.LoadRaw(recordingsFile)
	if err != nil {
		return nil, nil
	}
	return recording.Parse(raw)
}

// RecordEvent books a single event for recording.
func (b *Broker) RecordEvent(eventID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.hc.PostJSON(b.recordingBase()+"/bookings", map[string]string{
		"eventId": eventID,
	}, &client.Options{Headers: b.extraHeaders.Clone()})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RecordShow books every episode of the show an event belongs to.
func (b *Broker) RecordShow(eventID, channelID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.hc.PostJSON(b.recordingBase()+"/bookings", map[string]string{
		"eventId":       eventID,
		"channelId":     channelID,
		"recordingType": "show",
	}, &client.Options{Headers: b.extraHeaders.Clone()})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DeleteRecordings removes finished recordings (or planned bookings when
// planned is set) for the given event and show ids.
func (b *Broker) DeleteRecordings(eventIDs, showIDs []string, channelID string, planned bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := "/recordings"
	if planned {
		path = "/bookings"
	}
	payload := recording.BuildDeleteRequest(eventIDs, showIDs, channelID)
	resp, err := b.hc.DeleteJSON(b.recordingBase()+path, payload, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func boolParam(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
