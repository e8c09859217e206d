package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the broker. Handlers map these onto HTTP
// status codes at the boundary; nothing below the handler layer writes
// to the client directly.
var (
	ErrAuth          = errors.New("authentication rejected by operator")
	ErrNotEntitled   = errors.New("content not covered by entitlements")
	ErrConfigMissing = errors.New("username or password not configured")
	ErrNotStarted    = errors.New("broker has not reached started state")
)

// UpstreamError carries a non-2xx operator response back to the caller.
// The body is preserved verbatim so the UI can show the operator's own
// diagnostic message.
type UpstreamError struct {
	Status int    // HTTP status code returned by the operator
	Body   []byte // raw response body, may be empty
}

func (e *UpstreamError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, string(e.Body))
}

// NewUpstreamError builds an UpstreamError with a defensive copy of the body.
func NewUpstreamError(status int, body []byte) *UpstreamError {
	b := make([]byte, len(body))
	copy(b, body)
	return &UpstreamError{Status: status, Body: b}
}

// SessionInfo is the persisted authentication state for a household.
// The access token is a JWT whose exp claim gates reuse; the refresh
// token extends the session without re-sending credentials.
type SessionInfo struct {
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken"`
	IssuedAt           int64  `json:"issuedAt"`
	RefreshTokenExpiry int64  `json:"refreshTokenExpiry"`
	HouseholdID        string `json:"householdId"`
}

// Valid reports whether the session holds a refresh token that has not
// expired yet. An invalid session forces a full credential login.
func (s *SessionInfo) Valid() bool {
	return s.RefreshToken != "" && s.RefreshTokenExpiry > time.Now().Unix()
}

// Profile is one viewing profile inside a household.
type Profile struct {
	ProfileID string `json:"profileId"`
	Name      string `json:"name"`
	Language  string `json:"language,omitempty"`
	AgeLock   bool   `json:"ageLock,omitempty"`
}

// Device is a device registered to the household.
type Device struct {
	DeviceID     string `json:"deviceId"`
	PlatformType string `json:"platformType,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
}

// CustomerInfo is the persisted customer record fetched after login.
type CustomerInfo struct {
	CustomerID       string    `json:"customerId"`
	HashedCustomerID string    `json:"hashedCustomerId"`
	CityID           int       `json:"cityId"`
	DefaultProfileID string    `json:"defaultProfileId,omitempty"`
	Profiles         []Profile `json:"profiles,omitempty"`
	AssignedDevices  []Device  `json:"assignedDevices,omitempty"`
}

// ChannelLocators holds the per-product manifest URLs the operator
// publishes for a channel. Field names follow the operator's JSON keys.
type ChannelLocators struct {
	Default  string `json:"Default,omitempty"`
	Dash     string `json:"Orion-DASH,omitempty"`
	DashHEVC string `json:"Orion-DASH-HEVC,omitempty"`
}

// ReplayProduct describes replay availability of a channel under a
// specific entitlement.
type ReplayProduct struct {
	EntitlementID  string `json:"entitlementId"`
	AllowStartOver bool   `json:"allowStartOver,omitempty"`
}

// Channel is one linear channel as returned by the linear service.
// Channels are immutable after fetch; the broker replaces the whole
// list on refresh rather than mutating entries in place.
type Channel struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	LogicalChannelNumber int               `json:"logicalChannelNumber"`
	Logo                 map[string]string `json:"logo,omitempty"`
	Locators             ChannelLocators   `json:"locators"`
	LinearProducts       []string          `json:"linearProducts,omitempty"`
	ReplayProducts       []ReplayProduct   `json:"replayProducts,omitempty"`
	IsHidden             bool              `json:"isHidden,omitempty"`
	IsAdult              bool              `json:"isAdult,omitempty"`
	Genre                []string          `json:"genre,omitempty"`
}

// StreamKind tags a StreamingInfo with the session type it came from.
type StreamKind string

const (
	StreamLive      StreamKind = "live"
	StreamReplay    StreamKind = "replay"
	StreamVOD       StreamKind = "vod"
	StreamRecording StreamKind = "recording"
)

// StreamingInfo is the result of a per-stream session request: the DRM
// content id and token always travel together, the remaining fields are
// populated per kind (replay and recordings carry padding and window
// times, VOD and replay may carry a license duration).
type StreamingInfo struct {
	Kind                   StreamKind `json:"kind"`
	DRMContentID           string     `json:"drmContentId"`
	Token                  string     `json:"token"`
	URL                    string     `json:"url,omitempty"`
	PrePaddingTime         int64      `json:"prePaddingTime,omitempty"`
	PostPaddingTime        int64      `json:"postPaddingTime,omitempty"`
	EventSessionStartTime  int64      `json:"eventSessionStartTime,omitempty"`
	EventSessionEndTime    int64      `json:"eventSessionEndTime,omitempty"`
	LicenseDurationSeconds int64      `json:"licenseDurationSeconds,omitempty"`
}

// Event is a single broadcast item on a channel. Details are fetched
// lazily via the replay-event endpoint and cached separately.
type Event struct {
	ID           string `json:"id"`
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
	Title        string `json:"title"`
	HasReplayTV  bool   `json:"hasReplayTV,omitempty"`
	HasStartOver bool   `json:"hasStartOver,omitempty"`
}

// EventDetails is the lazily fetched long-form metadata for an event.
type EventDetails struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Synopsis      string   `json:"synopsis,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	Actors        []string `json:"actors,omitempty"`
	SeasonNumber  int      `json:"seasonNumber,omitempty"`
	EpisodeNumber int      `json:"episodeNumber,omitempty"`
	ChannelID     string   `json:"channelId,omitempty"`
}
