package recording

import (
	"encoding/json"
	"fmt"
)

// Kind tags a recording: a finished single recording, a planned booking,
// or a season grouping episodes of a show.
type Kind string

const (
	KindSingle  Kind = "single"
	KindPlanned Kind = "planned"
	KindSeason  Kind = "season"
)

// State filter values for Episodes.
const (
	StatePlanned  = "planned"
	StateRecorded = "recorded"
)

// Recording is the typed view over one entry of the operator's
// recordings listing. Seasons carry their episodes; the episode list
// always comes from the operator, it is never synthesized locally.
type Recording struct {
	Kind      Kind         `json:"kind"`
	ID        string       `json:"id"`
	EventID   string       `json:"eventId,omitempty"`
	ShowID    string       `json:"showId,omitempty"`
	ChannelID string       `json:"channelId,omitempty"`
	Title     string       `json:"title,omitempty"`
	StartTime int64        `json:"startTime,omitempty"`
	EndTime   int64        `json:"endTime,omitempty"`
	State     string       `json:"recordingState,omitempty"`
	Episodes  []*Recording `json:"episodes,omitempty"`
}

// rawRecording mirrors the operator's JSON for one listing entry.
type rawRecording struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	EventID        string         `json:"eventId"`
	ShowID         string         `json:"showId"`
	ChannelID      string         `json:"channelId"`
	Title          string         `json:"title"`
	StartTime      int64          `json:"startTime"`
	EndTime        int64          `json:"endTime"`
	RecordingState string         `json:"recordingState"`
	Episodes       []rawRecording `json:"episodes"`
}

type rawListing struct {
	Data []rawRecording `json:"data"`
}

// Parse converts the recordings listing JSON into the tagged view.
// type "season" becomes a Season whose episodes are Planned when their
// recordingState says so and Single otherwise; top-level "single"
// entries follow the same rule.
func Parse(data []byte) ([]*Recording, error) {
	var listing rawListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("parse recordings listing: %w", err)
	}

	out := make([]*Recording, 0, len(listing.Data))
	for i := range listing.Data {
		out = append(out, convert(&listing.Data[i]))
	}
	return out, nil
}

func convert(raw *rawRecording) *Recording {
	rec := &Recording{
		ID:        raw.ID,
		EventID:   raw.EventID,
		ShowID:    raw.ShowID,
		ChannelID: raw.ChannelID,
		Title:     raw.Title,
		StartTime: raw.StartTime,
		EndTime:   raw.EndTime,
		State:     raw.RecordingState,
	}

	if raw.Type == "season" {
		rec.Kind = KindSeason
		rec.Episodes = make([]*Recording, 0, len(raw.Episodes))
		for i := range raw.Episodes {
			rec.Episodes = append(rec.Episodes, convert(&raw.Episodes[i]))
		}
		return rec
	}

	if raw.RecordingState == StatePlanned {
		rec.Kind = KindPlanned
	} else {
		rec.Kind = KindSingle
	}
	return rec
}

// Find locates a recording by event id, descending into season episodes.
// When a season contains the episode, the episode is returned, not the
// season.
func Find(list []*Recording, eventID string) *Recording {
	for _, rec := range list {
		if rec.Kind == KindSeason {
			if hit := Find(rec.Episodes, eventID); hit != nil {
				return hit
			}
			continue
		}
		if rec.EventID == eventID {
			return rec
		}
	}
	return nil
}

// Episodes filters a season's episodes by state: "planned" keeps planned
// bookings, "recorded" keeps everything else. Non-seasons yield nil.
func Episodes(season *Recording, filter string) []*Recording {
	if season == nil || season.Kind != KindSeason {
		return nil
	}
	var out []*Recording
	for _, ep := range season.Episodes {
		switch filter {
		case StatePlanned:
			if ep.Kind == KindPlanned {
				out = append(out, ep)
			}
		case StateRecorded:
			if ep.Kind != KindPlanned {
				out = append(out, ep)
			}
		}
	}
	return out
}

// EventRef and ShowRef are the entries of a deletion payload.
type EventRef struct {
	EventID string `json:"eventId"`
}

type ShowRef struct {
	ShowID    string `json:"showId"`
	ChannelID string `json:"channelId,omitempty"`
}

// DeleteRequest is the JSON body of DELETE /recordings and /bookings.
type DeleteRequest struct {
	Events []EventRef `json:"events"`
	Shows  []ShowRef  `json:"shows"`
}

// BuildDeleteRequest assembles the deletion payload from event ids and
// show ids, attaching the optional channel id to every show entry.
func BuildDeleteRequest(eventIDs, showIDs []string, channelID string) DeleteRequest {
	req := DeleteRequest{
		Events: make([]EventRef, 0, len(eventIDs)),
		Shows:  make([]ShowRef, 0, len(showIDs)),
	}
	for _, id := range eventIDs {
		req.Events = append(req.Events, EventRef{EventID: id})
	}
	for _, id := range showIDs {
		req.Shows = append(req.Shows, ShowRef{ShowID: id, ChannelID: channelID})
	}
	return req
}
