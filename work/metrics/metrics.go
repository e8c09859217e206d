package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestsTotal counts proxy requests per handler family (manifest,
// segment, license, rpc). This metric is a counter and only increases.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ziggotv_proxy_requests_total",
	Help: "Number of proxy requests handled",
}, []string{"handler"})

// UpstreamErrors counts non-2xx responses from the operator per endpoint
// family. The "endpoint" label categorizes which upstream surface failed.
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ziggotv_proxy_upstream_errors_total",
	Help: "Number of upstream errors",
}, []string{"endpoint"})

// BytesStreamed tracks the total number of segment bytes forwarded to
// the player. This metric is a counter and only increases.
var BytesStreamed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ziggotv_proxy_segment_bytes_total",
	Help: "Total segment bytes forwarded to the player",
})

// TokenRefreshes counts streaming-token replacements, labelled by origin:
// a license response carrying a new token, or the periodic refresh timer.
var TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ziggotv_proxy_token_refreshes_total",
	Help: "Number of streaming token refreshes",
}, []string{"origin"})

// ActiveStream indicates whether a play session is currently running.
// Gauge: 1 while a streaming token refresh timer is active, 0 otherwise.
var ActiveStream = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ziggotv_proxy_active_stream",
	Help: "Whether a play session is currently active",
})
