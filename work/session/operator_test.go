package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ziggotv-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOperator is an in-process stand-in for the operator backend. It
// serves the auth, customer, channel and session-manager endpoints the
// broker talks to, and records what it saw for assertions.
type fakeOperator struct {
	srv         *httptest.Server
	accessToken string

	mu             sync.Mutex
	hits           map[string]int
	authStatus     int         // non-zero forces this status on the credential login
	refreshStatus  int         // non-zero forces this status on the refresh endpoint
	refreshToken   string      // token returned by the token refresh endpoint, empty keeps the old one
	licenseToken   string      // token carried in the license response header
	refreshCookies string      // Cookie header seen on the last refresh call
	licenseHeaders http.Header // headers seen on the last license call
	licenseQuery   url.Values
	licenseBody    []byte
}

func newFakeOperator(t *testing.T) *fakeOperator {
	t.Helper()
	op := &fakeOperator{
		hits:        map[string]int{},
		accessToken: unsignedJWT(t, time.Now().Add(time.Hour)),
	}
	op.srv = httptest.NewServer(http.HandlerFunc(op.handle))
	t.Cleanup(op.srv.Close)
	return op
}

// count returns how often a "METHOD /path" endpoint was called.
func (op *fakeOperator) count(key string) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.hits[key]
}

func (op *fakeOperator) handle(w http.ResponseWriter, r *http.Request) {
	op.mu.Lock()
	op.hits[r.Method+" "+r.URL.Path]++
	op.mu.Unlock()

	switch {
	case r.URL.Path == "/auth-service/v1/authorization/refresh":
		op.mu.Lock()
		op.refreshCookies = r.Header.Get("Cookie")
		status := op.refreshStatus
		op.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		op.writeAuth(w)

	case r.URL.Path == "/auth-service/v1/authorization":
		op.mu.Lock()
		status := op.authStatus
		op.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			io.WriteString(w, `{"message":"invalid credentials"}`)
			return
		}
		op.writeAuth(w)

	case strings.HasPrefix(r.URL.Path, "/eng/web/personalization-service/v1/customer/"):
		io.WriteString(w, `{"customerId":"cust-1","hashedCustomerId":"hash-1","cityId":1234,`+
			`"defaultProfileId":"p1","profiles":[{"profileId":"p1","name":"Default"}]}`)

	case r.URL.Path == "/eng/web/linear-service/v2/channels":
		io.WriteString(w, `[{"id":"c1","name":"First","logicalChannelNumber":1}]`)

	case strings.HasPrefix(r.URL.Path, "/eng/web/session-service/session/v2/web-desktop/customers/"):
		w.Header().Set("x-streaming-token", "session-token-0")
		io.WriteString(w, `{"drmContentId":"drm-1","url":"http://cdn.example.com/live/disk0/c1/go-dash/manifest.mpd"}`)

	case r.URL.Path == "/eng/web/session-manager/license" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		op.mu.Lock()
		op.licenseHeaders = r.Header.Clone()
		op.licenseQuery = r.URL.Query()
		op.licenseBody = body
		token := op.licenseToken
		op.mu.Unlock()
		if token != "" {
			w.Header().Set("x-streaming-token", token)
		}
		w.Write([]byte("license-response"))

	case r.URL.Path == "/eng/web/session-manager/license/token" && r.Method == http.MethodPost:
		op.mu.Lock()
		token := op.refreshToken
		op.mu.Unlock()
		if token != "" {
			w.Header().Set("x-streaming-token", token)
		}
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/eng/web/session-manager/license/token" && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func (op *fakeOperator) writeAuth(w http.ResponseWriter) {
	expiry := strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10)
	io.WriteString(w, `{"householdId":"hh-1","accessToken":"`+op.accessToken+
		`","refreshToken":"refresh-1","refreshTokenExpiry":`+expiry+`}`)
}

func operatorBroker(t *testing.T, op *fakeOperator) *Broker {
	t.Helper()
	b := testBroker(t, nil)
	b.SetOperatorBase(op.srv.URL)
	return b
}

func TestLoginWithCredentials(t *testing.T) {
	op := newFakeOperator(t)
	b := operatorBroker(t, op)

	info, err := b.Login("user@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, "hh-1", info.HouseholdID)
	assert.Equal(t, 1, op.count("POST /auth-service/v1/authorization"))
	assert.Equal(t, 1, op.count("GET /eng/web/personalization-service/v1/customer/hh-1"))
	assert.Equal(t, "p1", b.ActiveProfile().ProfileID)
	assert.True(t, b.st.Exists(sessionFile))
	assert.True(t, b.st.Exists(customerFile))
}

func TestLoginReusesValidSession(t *testing.T) {
	op := newFakeOperator(t)
	b := operatorBroker(t, op)
	b.session = types.SessionInfo{
		AccessToken:        unsignedJWT(t, time.Now().Add(time.Hour)),
		RefreshToken:       "refresh-1",
		RefreshTokenExpiry: time.Now().Add(24 * time.Hour).Unix(),
		HouseholdID:        "hh-1",
	}

	_, err := b.Login("user@example.com", "secret")
	require.NoError(t, err)

	// neither auth endpoint was touched, only the customer record
	assert.Equal(t, 0, op.count("POST /auth-service/v1/authorization"))
	assert.Equal(t, 0, op.count("POST /auth-service/v1/authorization/refresh"))
	assert.Equal(t, 1, op.count("GET /eng/web/personalization-service/v1/customer/hh-1"))
}

func TestLoginRefreshesExpiredAccessToken(t *testing.T) {
	op := newFakeOperator(t)
	b := operatorBroker(t, op)
	b.session = types.SessionInfo{
		AccessToken:        unsignedJWT(t, time.Now().Add(-time.Hour)),
		RefreshToken:       "refresh-1",
		RefreshTokenExpiry: time.Now().Add(24 * time.Hour).Unix(),
		HouseholdID:        "hh-1",
	}
	u, err := url.Parse(op.srv.URL)
	require.NoError(t, err)
	b.hc.Jar.SetCookies(u, []*http.Cookie{{Name: "ACCESSTOKEN", Value: "stale"}})

	info, err := b.Login("user@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, 1, op.count("POST /auth-service/v1/authorization/refresh"))
	assert.Equal(t, 0, op.count("POST /auth-service/v1/authorization"))
	assert.Equal(t, op.accessToken, info.AccessToken)

	// the stale ACCESSTOKEN cookie must not ride along on the refresh
	assert.NotContains(t, op.refreshCookies, "ACCESSTOKEN")
}

func TestLoginFallsBackToCredentials(t *testing.T) {
	op := newFakeOperator(t)
	op.refreshStatus = http.StatusInternalServerError
	b := operatorBroker(t, op)
	b.session = types.SessionInfo{
		AccessToken:        unsignedJWT(t, time.Now().Add(-time.Hour)),
		RefreshToken:       "refresh-1",
		RefreshTokenExpiry: time.Now().Add(24 * time.Hour).Unix(),
		HouseholdID:        "hh-1",
	}

	info, err := b.Login("user@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, 1, op.count("POST /auth-service/v1/authorization/refresh"))
	assert.Equal(t, 1, op.count("POST /auth-service/v1/authorization"))
	assert.Equal(t, "hh-1", info.HouseholdID)
}

func TestLoginRejectedCredentials(t *testing.T) {
	op := newFakeOperator(t)
	op.authStatus = http.StatusUnauthorized
	b := operatorBroker(t, op)

	_, err := b.Login("user@example.com", "wrong")
	require.ErrorIs(t, err, types.ErrAuth)
}

func TestTokenLifecycle(t *testing.T) {
	op := newFakeOperator(t)
	b := operatorBroker(t, op)
	b.session.HouseholdID = "hh-1"

	info, err := b.ObtainTVStreamingToken("c1", AssetDash)
	require.NoError(t, err)
	assert.Equal(t, "session-token-0", info.Token)
	assert.Equal(t, "drm-1", info.DRMContentID)

	require.True(t, b.AdoptStreamingToken(info.Token))

	// a refresh response carrying a token replaces the current one
	op.refreshToken = "session-token-1"
	got, err := b.UpdateToken(b.StreamingToken())
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", got)
	assert.Equal(t, "session-token-1", b.StreamingToken())

	// an empty refresh response keeps the current token
	op.refreshToken = ""
	got, err = b.UpdateToken(b.StreamingToken())
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", got)

	b.DeleteToken(got)
	assert.Empty(t, b.StreamingToken())
	assert.Equal(t, 1, op.count("DELETE /eng/web/session-manager/license/token"))

	// deleting again with nothing held is a no-op upstream
	b.DeleteToken(b.StreamingToken())
	assert.Equal(t, 1, op.count("DELETE /eng/web/session-manager/license/token"))
}

func TestLicenseRequestCarriesOnlyAllowedHeaders(t *testing.T) {
	op := newFakeOperator(t)
	op.licenseToken = "license-token-1"
	b := operatorBroker(t, op)
	b.SetStreamingToken("session-token-0")

	player := http.Header{}
	player.Set("User-Agent", "player/1.0")
	player.Set("Accept", "application/octet-stream")
	player.Set("Authorization", "Bearer secret")
	player.Set("X-Player-Build", "42")

	resp, err := b.GetLicense("drm-1", []byte("challenge"), player)
	require.NoError(t, err)
	assert.Equal(t, []byte("license-response"), resp.Body)

	assert.Equal(t, "drm-1", op.licenseQuery.Get("ContentId"))
	assert.Equal(t, []byte("challenge"), op.licenseBody)

	// exactly the filtered player headers plus the session token arrive
	assert.Equal(t, "player/1.0", op.licenseHeaders.Get("User-Agent"))
	assert.Equal(t, "application/octet-stream", op.licenseHeaders.Get("Accept"))
	assert.Equal(t, "session-token-0", op.licenseHeaders.Get("X-Streaming-Token"))
	assert.Empty(t, op.licenseHeaders.Get("Authorization"))
	assert.Empty(t, op.licenseHeaders.Get("X-Player-Build"))

	// none of the client's baseline browser headers slip past the filter
	assert.Empty(t, op.licenseHeaders.Get("X-Device-Code"))
	assert.Empty(t, op.licenseHeaders.Get("Origin"))
	assert.Empty(t, op.licenseHeaders.Get("Referer"))

	// a token in the license response replaces the broker's current one
	assert.Equal(t, "license-token-1", b.StreamingToken())
}
