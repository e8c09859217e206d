package proxy

import (
	"context"
	"net/http"
	"strings"

	"ziggotv-proxy/work/buffer"
	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/epg"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/session"
	"ziggotv-proxy/work/status"
	"ziggotv-proxy/work/supervisor"
	"ziggotv-proxy/work/types"
	"ziggotv-proxy/work/urltools"
)

// Server is the loopback HTTP front of the application: it rewrites
// manifest and segment requests to the upstream CDN, forwards license
// exchanges, and exposes the broker operations as /function RPC calls
// for the UI process.
type Server struct {
	Config     *config.Config         // Application configuration
	Broker     *session.Broker        // Session broker backing all upstream calls
	Rewriter   *urltools.Rewriter     // Manifest/segment URL state machine
	Guide      *epg.Guide             // Programme guide store
	Supervisor *supervisor.Supervisor // Play/stop lifecycle timers
	Flag       *status.Flag           // File-backed readiness flag
	HttpClient *client.Client         // Shared HTTP client, used directly for segments
	BufferPool *buffer.Pool           // Pool for segment copy buffers

	httpSrv *http.Server
	quit    chan struct{}
}

// New creates a Server; Serve must be called to start listening.
func New(cfg *config.Config, broker *session.Broker, rewriter *urltools.Rewriter, guide *epg.Guide, sup *supervisor.Supervisor, flag *status.Flag, hc *client.Client, pool *buffer.Pool) *Server {
	return &Server{
		Config:     cfg,
		Broker:     broker,
		Rewriter:   rewriter,
		Guide:      guide,
		Supervisor: sup,
		Flag:       flag,
		HttpClient: hc,
		BufferPool: pool,
		quit:       make(chan struct{}),
	}
}

// Serve runs the HTTP server on the configured loopback address until
// Shutdown is called or the listener fails.
func (srv *Server) Serve(handler http.Handler) error {
	srv.httpSrv = &http.Server{
		Addr:    srv.Config.ProxyAddress(),
		Handler: handler,
	}
	logger.Info("{proxy - Serve} listening on %s", srv.httpSrv.Addr)
	err := srv.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpSrv == nil {
		return nil
	}
	return srv.httpSrv.Shutdown(ctx)
}

// Quit is closed once a DELETE /shutdown request has been accepted.
func (srv *Server) Quit() <-chan struct{} {
	return srv.quit
}

// HandleShutdown accepts DELETE /shutdown and signals the main loop to
// stop. The response is written before the signal so the caller sees it.
func (srv *Server) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	logger.Info("{proxy - HandleShutdown} shutdown requested by %s", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	select {
	case <-srv.quit:
	default:
		close(srv.quit)
	}
}

// corsHeaders is the header set announced on preflight requests. It
// covers everything the player and the UI send, including the DRM
// headers forwarded with license requests.
var corsHeaders = strings.Join([]string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Origin",
	"Range",
	"User-Agent",
	"X-Profile",
	"X-Requested-With",
	"X-Streaming-Token",
	"X-Tracking-Id",
	"x-drm-schemeId",
	"x-go-dev",
}, ", ")

// HandleOptions answers CORS preflight for every route with a
// permissive policy; the server only ever listens on loopback.
func (srv *Server) HandleOptions(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// HandleHead rejects HEAD requests; nothing in the player path issues
// them and answering one correctly would need a full upstream fetch.
func (srv *Server) HandleHead(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "HEAD not supported", http.StatusNotImplemented)
}

// writeUpstream copies an upstream response to the client, skipping
// hop-by-hop and encoding headers (the client layer already decoded the
// body).
func writeUpstream(w http.ResponseWriter, resp *client.Response) {
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Content-Encoding":
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// started guards handlers that need a logged-in session; it answers 503
// until the readiness flag reports Started.
func (srv *Server) started(w http.ResponseWriter) bool {
	if srv.Flag.Get() != status.Started {
		http.Error(w, types.ErrNotStarted.Error(), http.StatusServiceUnavailable)
		return false
	}
	return true
}

// segmentTimeout builds the per-request context for CDN fetches.
func (srv *Server) segmentTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), srv.Config.SegmentTimeout)
}
