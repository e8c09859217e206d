package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T, cfg *config.Config) *Broker {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{RequestTimeout: 5 * time.Second}
	}
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(cfg, st, client.New(cfg, st))
}

// unsignedJWT fabricates a JWT with the given exp; only the exp claim is
// ever read, the signature is never verified.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(data)
	}
	header := enc(map[string]string{"alg": "none", "typ": "JWT"})
	claims := enc(map[string]int64{"exp": exp.Unix()})
	return fmt.Sprintf("%s.%s.%s", header, claims, base64.RawURLEncoding.EncodeToString([]byte("sig")))
}

func TestAccessTokenValid(t *testing.T) {
	assert.True(t, accessTokenValid(unsignedJWT(t, time.Now().Add(time.Hour))))
	assert.False(t, accessTokenValid(unsignedJWT(t, time.Now().Add(-time.Hour))))
	assert.False(t, accessTokenValid(""))
	assert.False(t, accessTokenValid("not-a-jwt"))
}

func TestFilterLicenseHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("User-Agent", "player/1.0")
	in.Set("x-streaming-token", "TOK")
	in.Set("X-DRM-SchemeID", "edef8ba9")
	in.Set("Sec-Fetch-Mode", "cors")
	in.Set("Sec-Fetch-Site", "cross-site")
	in.Set("Authorization", "Bearer secret")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("Range", "bytes=0-")

	out := FilterLicenseHeaders(in)

	assert.Equal(t, "player/1.0", out.Get("User-Agent"))
	assert.Equal(t, "TOK", out.Get("X-Streaming-Token"))
	assert.Equal(t, "edef8ba9", out.Get("X-Drm-Schemeid"))
	assert.Equal(t, "cors", out.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "cross-site", out.Get("Sec-Fetch-Site"))

	assert.Empty(t, out.Get("Authorization"))
	assert.Empty(t, out.Get("X-Forwarded-For"))
	assert.Empty(t, out.Get("Range"))
}

func TestStreamingTokenAdoption(t *testing.T) {
	b := testBroker(t, nil)

	// Adoption only fills an empty slot.
	assert.True(t, b.AdoptStreamingToken("T0"))
	assert.Equal(t, "T0", b.StreamingToken())
	assert.False(t, b.AdoptStreamingToken("T1"))
	assert.Equal(t, "T0", b.StreamingToken())

	// An explicit set always wins.
	b.SetStreamingToken("T2")
	assert.Equal(t, "T2", b.StreamingToken())

	b.SetStreamingToken("")
	assert.True(t, b.AdoptStreamingToken("T3"))

	// Empty tokens are never adopted.
	b.SetStreamingToken("")
	assert.False(t, b.AdoptStreamingToken(""))
}

func TestChannelLocator(t *testing.T) {
	ch := &types.Channel{
		Locators: types.ChannelLocators{
			Default:  "http://cdn/live/default",
			Dash:     "http://cdn/dash/avc",
			DashHEVC: "http://cdn/dash/hevc",
		},
	}

	loc, asset := ChannelLocator(ch, true)
	assert.Equal(t, "http://cdn/dash/hevc", loc)
	assert.Equal(t, AssetDashHEVC, asset)

	loc, asset = ChannelLocator(ch, false)
	assert.Equal(t, "http://cdn/dash/avc", loc)
	assert.Equal(t, AssetDash, asset)

	ch.Locators.DashHEVC = ""
	loc, _ = ChannelLocator(ch, true)
	assert.Equal(t, "http://cdn/dash/avc", loc)

	ch.Locators.Dash = ""
	loc, asset = ChannelLocator(ch, false)
	assert.Equal(t, "http://cdn/live/default", loc)
	assert.Equal(t, AssetDash, asset)
}

func TestChannelsFiltering(t *testing.T) {
	cfg := &config.Config{RequestTimeout: 5 * time.Second}
	b := testBroker(t, cfg)
	b.channels = []types.Channel{
		{ID: "c3", Name: "Third", LogicalChannelNumber: 3, LinearProducts: []string{"ent-1"}},
		{ID: "c1", Name: "First", LogicalChannelNumber: 1, LinearProducts: []string{"ent-1"}},
		{ID: "hidden", Name: "Hidden", LogicalChannelNumber: 2, IsHidden: true},
		{ID: "adult", Name: "Adult", LogicalChannelNumber: 4, IsAdult: true, LinearProducts: []string{"ent-1"}},
		{ID: "premium", Name: "Premium", LogicalChannelNumber: 5, LinearProducts: []string{"ent-2"}},
	}
	b.entitlementIDs = []string{"ent-1"}

	got := b.Channels()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c1", "c3", "premium"}, []string{got[0].ID, got[1].ID, got[2].ID})

	cfg.AdultAllowed = true
	assert.Len(t, b.Channels(), 4)

	cfg.AllowedChannelsOnly = true
	got = b.Channels()
	require.Len(t, got, 3)
	for _, ch := range got {
		assert.NotEqual(t, "premium", ch.ID)
	}
}

func TestIsEntitled(t *testing.T) {
	b := testBroker(t, nil)
	b.entitlementIDs = []string{"ent-1", "ent-2"}

	assert.True(t, b.IsEntitled("ent-2"))
	assert.True(t, b.IsEntitled("nope", "ent-1"))
	assert.False(t, b.IsEntitled("nope"))
	assert.False(t, b.IsEntitled())
}

func TestSetActiveProfile(t *testing.T) {
	b := testBroker(t, nil)
	b.customer.Profiles = []types.Profile{
		{ProfileID: "p1", Name: "Living Room"},
		{ProfileID: "p2", Name: "Kids"},
	}

	require.NoError(t, b.SetActiveProfile("Kids"))
	assert.Equal(t, "p2", b.ActiveProfile().ProfileID)

	require.NoError(t, b.SetActiveProfile("p1"))
	assert.Equal(t, "Living Room", b.ActiveProfile().Name)

	assert.Error(t, b.SetActiveProfile("missing"))
	// a failed switch leaves the active profile untouched
	assert.Equal(t, "p1", b.ActiveProfile().ProfileID)
}

func TestBrokerRestoresPersistedState(t *testing.T) {
	cfg := &config.Config{RequestTimeout: 5 * time.Second}
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	session := types.SessionInfo{
		AccessToken:        "tok",
		RefreshToken:       "ref",
		RefreshTokenExpiry: time.Now().Add(24 * time.Hour).Unix(),
		HouseholdID:        "hh-1",
	}
	require.NoError(t, st.Save(sessionFile, &session))
	require.NoError(t, st.Save(channelsFile, []types.Channel{{ID: "c1", Name: "First"}}))

	b := New(cfg, st, client.New(cfg, st))
	assert.Equal(t, "hh-1", b.Session().HouseholdID)
	assert.Equal(t, "hh-1", b.HouseholdID())
	require.NotNil(t, b.Channel("c1"))
	assert.Equal(t, "First", b.Channel("c1").Name)
	assert.Nil(t, b.Channel("missing"))
}

func TestSessionInfoValid(t *testing.T) {
	s := types.SessionInfo{
		RefreshToken:       "ref",
		RefreshTokenExpiry: time.Now().Add(time.Hour).Unix(),
	}
	assert.True(t, s.Valid())

	s.RefreshTokenExpiry = time.Now().Add(-time.Hour).Unix()
	assert.False(t, s.Valid())

	s = types.SessionInfo{RefreshTokenExpiry: time.Now().Add(time.Hour).Unix()}
	assert.False(t, s.Valid())
}
