package proxy

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"syscall"

	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/metrics"
	"ziggotv-proxy/work/types"
	"ziggotv-proxy/work/urltools"
	"ziggotv-proxy/work/utils"
)

// HandleManifest serves /manifest: it rebuilds the upstream MPD URL
// from the proxy query parameters, fetches it, and records the CDN
// redirect plus the document's BaseURL so later segment requests can be
// rewritten.
//
// Process:
//  1. Validate path/hostname/token query parameters (400 on absence).
//  2. Adopt the token from the URL if the broker has none yet.
//  3. Resolve the upstream manifest URL, reusing a cached redirect.
//  4. Fetch, capture the final URL and MPD BaseURL, forward the body.
func (srv *Server) HandleManifest(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("manifest").Inc()

	q := r.URL.Query()
	if q.Get("path") == "" || q.Get("hostname") == "" || q.Get("token") == "" {
		http.Error(w, "missing path, hostname or token", http.StatusBadRequest)
		return
	}

	// The token minted with the playback session rides in on the first
	// manifest URL; pick it up if no token is held yet.
	srv.Broker.AdoptStreamingToken(q.Get("token"))

	proxyURL := "http://" + r.Host + r.URL.RequestURI()
	upstream, err := srv.Rewriter.ManifestURL(proxyURL, srv.Broker.StreamingToken())
	if err != nil {
		logger.Warn("{proxy - HandleManifest} bad manifest request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Debug("{proxy - HandleManifest} fetching %s", utils.LogURL(srv.Config.PrintNetworkTraffic, upstream))

	resp, err := srv.Broker.GetManifest(upstream)
	if err != nil {
		var ue *types.UpstreamError
		if errors.As(err, &ue) {
			metrics.UpstreamErrors.WithLabelValues("manifest").Inc()
			w.WriteHeader(ue.Status)
			w.Write(ue.Body)
			return
		}
		logger.Error("{proxy - HandleManifest} manifest fetch failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	base := urltools.ExtractBaseURL(resp.Body)
	srv.Rewriter.UpdateRedirection(proxyURL, resp.FinalURL, base)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// HandleLicense forwards a Widevine license exchange to the license
// server. The broker filters the player's request headers down to the
// allow-list, attaches the current streaming token, and captures the
// refreshed token from the response.
func (srv *Server) HandleLicense(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("license").Inc()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed reading request body", http.StatusBadRequest)
		return
	}
	contentID := r.URL.Query().Get("ContentId")

	resp, err := srv.Broker.GetLicense(contentID, body, r.Header)
	if err != nil {
		var ue *types.UpstreamError
		if errors.As(err, &ue) {
			metrics.UpstreamErrors.WithLabelValues("license").Inc()
			w.WriteHeader(ue.Status)
			w.Write(ue.Body)
			return
		}
		logger.Error("{proxy - HandleLicense} license request failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeUpstream(w, resp)
}

// HandleSegment is the catch-all forwarder for media segments. The
// request path is grafted onto the manifest's base URL with a fresh
// token, fetched with a short timeout, and copied to the player in
// fixed-size blocks so partial data flows while the CDN is still
// sending.
func (srv *Server) HandleSegment(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("segment").Inc()

	target, err := srv.Rewriter.ReplaceBaseURL(r.URL.Path, srv.Broker.StreamingToken())
	if err != nil {
		logger.Warn("{proxy - HandleSegment} no manifest state for %s: %v", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	logger.Debug("{proxy - HandleSegment} fetching %s", utils.LogURL(srv.Config.PrintNetworkTraffic, target))

	ctx, cancel := srv.segmentTimeout(r)
	defer cancel()

	resp, err := srv.HttpClient.Stream(ctx, target, nil)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("segment").Inc()
		logger.Warn("{proxy - HandleSegment} upstream fetch failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		w.WriteHeader(resp.StatusCode)
		n, err := io.Copy(w, resp.Body)
		metrics.BytesStreamed.Add(float64(n))
		if err != nil && !clientGone(err) {
			logger.Debug("{proxy - HandleSegment} copy aborted after %d bytes: %v", n, err)
		}
		return
	}

	// No Content-Length: stream block by block and flush each one, so
	// the net/http chunked writer emits frames as data arrives.
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := srv.BufferPool.Get()
	defer srv.BufferPool.Put(buf)

	for {
		n, rerr := resp.Body.Read(buf.B)
		if n > 0 {
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				if !clientGone(werr) {
					logger.Debug("{proxy - HandleSegment} client write failed: %v", werr)
				}
				return
			}
			metrics.BytesStreamed.Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF && !clientGone(rerr) {
				logger.Debug("{proxy - HandleSegment} upstream read ended: %v", rerr)
			}
			return
		}
	}
}

// clientGone reports whether an I/O error is a disconnect rather than
// a real failure; those are routine when the player seeks or stops.
func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe)
}
