package session

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/metrics"
	"ziggotv-proxy/work/types"
	"ziggotv-proxy/work/utils"
)

const (
	streamingTokenHeader = "x-streaming-token"
	abrType              = "BR-AVC-DASH"
)

// sessionBase is the per-stream session endpoint root under the web base.
func (b *Broker) sessionBase() string {
	return b.webBase + "/session-service/session/v2/web-desktop/customers"
}

// licenseHeaderAllowList is the exact set of header names that may be
// forwarded to the operator's license endpoint, canonicalized. Sec-Fetch-*
// is matched as a prefix. Anything else from the player is dropped.
var licenseHeaderAllowList = map[string]struct{}{
	"Accept":            {},
	"Accept-Encoding":   {},
	"Accept-Language":   {},
	"Connection":        {},
	"Content-Length":    {},
	"Cookie":            {},
	"Devicename":        {},
	"Host":              {},
	"Origin":            {},
	"Referer":           {},
	"Te":                {},
	"User-Agent":        {},
	"X-Profile":         {},
	"X-Drm-Schemeid":    {},
	"X-Go-Dev":          {},
	"X-Streaming-Token": {},
	"X-Tracking-Id":     {},
}

// sessionResponse is the body of all four per-stream session endpoints;
// which fields are populated depends on the stream kind.
type sessionResponse struct {
	DRMContentID           string `json:"drmContentId"`
	URL                    string `json:"url"`
	PrePaddingTime         int64  `json:"prePaddingTime"`
	PostPaddingTime        int64  `json:"postPaddingTime"`
	EventSessionStartTime  int64  `json:"eventSessionStartTime"`
	EventSessionEndTime    int64  `json:"eventSessionEndTime"`
	LicenseDurationSeconds int64  `json:"licenseDurationSeconds"`
}

// obtainSession posts a per-stream session request and combines the body
// with the token arriving in the x-streaming-token response header. Both
// always travel together.
func (b *Broker) obtainSession(kind types.StreamKind, params *client.Options) (types.StreamingInfo, error) {
	u := fmt.Sprintf("%s/%s/%s", b.sessionBase(), b.session.HouseholdID, string(kind))
	params.Headers = b.extraHeaders.Clone()

	resp, err := b.hc.Post(u, nil, "", params)
	if err != nil {
		return types.StreamingInfo{}, err
	}

	var sr sessionResponse
	if err := jsonUnmarshal(resp.Body, &sr); err != nil {
		return types.StreamingInfo{}, fmt.Errorf("parse %s session response: %w", kind, err)
	}

	info := types.StreamingInfo{
		Kind:                   kind,
		DRMContentID:           sr.DRMContentID,
		Token:                  resp.Header.Get(streamingTokenHeader),
		URL:                    sr.URL,
		PrePaddingTime:         sr.PrePaddingTime,
		PostPaddingTime:        sr.PostPaddingTime,
		EventSessionStartTime:  sr.EventSessionStartTime,
		EventSessionEndTime:    sr.EventSessionEndTime,
		LicenseDurationSeconds: sr.LicenseDurationSeconds,
	}
	logger.Debug("{session - obtainSession} %s session drmContentId=%s token=%s",
		kind, info.DRMContentID, utils.MaskToken(info.Token))
	return info, nil
}

// ObtainTVStreamingToken opens a live session for a channel.
func (b *Broker) ObtainTVStreamingToken(channelID, assetType string) (types.StreamingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if assetType == "" {
		assetType = AssetDash
	}
	return b.obtainSession(types.StreamLive, withParams(
		"channelId", channelID,
		"assetType", assetType,
		"profileId", b.activeProfile.ProfileID,
		"liveContentTimestamp", strconv.FormatInt(time.Now().UnixMilli(), 10),
	))
}

// ObtainReplayStreamingToken opens a replay session for a past event.
func (b *Broker) ObtainReplayStreamingToken(eventID string) (types.StreamingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.obtainSession(types.StreamReplay, withParams(
		"eventId", eventID,
		"abrType", abrType,
		"profileId", b.activeProfile.ProfileID,
	))
}

// ObtainVODStreamingToken opens a VOD session for a movie or episode.
func (b *Broker) ObtainVODStreamingToken(streamID string) (types.StreamingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.obtainSession(types.StreamVOD, withParams(
		"contentId", streamID,
		"abrType", abrType,
		"profileId", b.activeProfile.ProfileID,
	))
}

// ObtainRecordingStreamingToken opens a playback session for a recording.
func (b *Broker) ObtainRecordingStreamingToken(recordingID string) (types.StreamingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.obtainSession(types.StreamRecording, withParams(
		"recordingId", recordingID,
		"abrType", abrType,
		"profileId", b.activeProfile.ProfileID,
	))
}

// FilterLicenseHeaders keeps only allow-listed headers from a license
// request. Exported for the handler tests.
func FilterLicenseHeaders(in http.Header) http.Header {
	out := http.Header{}
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		_, ok := licenseHeaderAllowList[canonical]
		if !ok && !strings.HasPrefix(canonical, "Sec-Fetch-") {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// GetLicense forwards a raw Widevine challenge to the operator's license
// endpoint. The player's headers are filtered down to the allow-list and
// the current streaming token is merged in; the request carries exactly
// that set and nothing else, so none of the client's baseline browser
// headers leak past the filter. A token in the response header replaces
// the broker's current one.
func (b *Broker) GetLicense(contentID string, challenge []byte, headers http.Header) (*client.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := FilterLicenseHeaders(headers)
	filtered.Set(streamingTokenHeader, b.streamingToken)

	opts := &client.Options{Headers: filtered, ExactHeaders: true}
	opts.Params = map[string][]string{"ContentId": {contentID}}

	resp, err := b.hc.Post(b.webBase+"/session-manager/license", challenge, "", opts)
	if resp != nil {
		if t := resp.Header.Get(streamingTokenHeader); t != "" {
			b.streamingToken = t
			metrics.TokenRefreshes.WithLabelValues("license").Inc()
			logger.Debug("{session - GetLicense} token refreshed via license response: %s", utils.MaskToken(t))
		}
	}
	return resp, err
}

// UpdateToken extends the streaming session. The operator responds with
// a fresh token in the x-streaming-token header; an empty response keeps
// the old token, a non-empty one wins last-writer style.
func (b *Broker) UpdateToken(token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := &client.Options{Headers: http.Header{}}
	opts.Headers.Set(streamingTokenHeader, token)

	resp, err := b.hc.Post(b.webBase+"/session-manager/license/token", nil, "", opts)
	if err != nil {
		return "", err
	}
	if t := resp.Header.Get(streamingTokenHeader); t != "" {
		b.streamingToken = t
		metrics.TokenRefreshes.WithLabelValues("refresh").Inc()
		return t, nil
	}
	return b.streamingToken, nil
}

// DeleteToken surrenders the streaming session. Errors are logged and
// swallowed; repeated deletes are no-ops. The in-memory token is cleared
// regardless of the upstream outcome.
func (b *Broker) DeleteToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streamingToken = ""
	if token == "" {
		return
	}

	opts := &client.Options{Headers: http.Header{}}
	opts.Headers.Set(streamingTokenHeader, token)
	if _, err := b.hc.Delete(b.webBase+"/session-manager/license/token", opts); err != nil {
		logger.Debug("{session - DeleteToken} delete ignored: %v", err)
	}
}

// GetManifest fetches a manifest URL, following redirects, and returns
// the body together with the final URL the CDN served it from.
func (b *Broker) GetManifest(rawURL string) (*client.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hc.Get(rawURL, nil)
}

// StreamingToken returns the broker's current streaming token under the
// mutex; it may be replaced concurrently by the license handler or the
// streaming timer.
func (b *Broker) StreamingToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamingToken
}

// SetStreamingToken overwrites the current streaming token.
func (b *Broker) SetStreamingToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamingToken = token
}

// AdoptStreamingToken installs the token only when none is currently
// held. The first manifest request of a play session adopts the token
// carried in the proxy URL this way.
func (b *Broker) AdoptStreamingToken(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamingToken != "" || token == "" {
		return false
	}
	b.streamingToken = token
	return true
}
