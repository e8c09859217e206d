package supervisor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/epg"
	"ziggotv-proxy/work/session"
	"ziggotv-proxy/work/status"
	"ziggotv-proxy/work/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionTickMarksBrokerStarted covers the cold-start path where the
// upstream was unreachable at boot: the readiness flag stays at Starting
// until a session tick gets a login and channel refresh through.
func TestSessionTickMarksBrokerStarted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth-service/v1/authorization":
			expiry := strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10)
			io.WriteString(w, `{"householdId":"hh-1","accessToken":"tok",`+
				`"refreshToken":"refresh-1","refreshTokenExpiry":`+expiry+`}`)
		case strings.HasPrefix(r.URL.Path, "/eng/web/personalization-service/v1/customer/"):
			io.WriteString(w, `{"customerId":"cust-1","hashedCustomerId":"hash-1","cityId":1234,`+
				`"defaultProfileId":"p1","profiles":[{"profileId":"p1","name":"Default"}]}`)
		case r.URL.Path == "/eng/web/linear-service/v2/channels":
			io.WriteString(w, `[{"id":"c1","name":"First","logicalChannelNumber":1}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Username:          "user@example.com",
		Password:          "secret",
		RequestTimeout:    5 * time.Second,
		EPGWorkers:        1,
		EPGRequestsPerSec: 100,
	}
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	broker := session.New(cfg, st, client.New(cfg, st))
	broker.SetOperatorBase(upstream.URL)

	guide, err := epg.New(cfg, st, broker.GetEvents, broker.GetEventDetails)
	require.NoError(t, err)
	defer guide.Close()

	flag := status.NewFlag(st)
	flag.Set(status.Starting)

	s := New(cfg, broker, guide, flag)
	s.sessionTick()

	assert.Equal(t, status.Started, flag.Get())
	assert.Len(t, broker.Channels(), 1)

	// the flip is one-way, later ticks leave a started broker alone
	s.sessionTick()
	assert.Equal(t, status.Started, flag.Get())
}
