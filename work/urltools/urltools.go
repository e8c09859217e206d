package urltools

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/logger"

	regexp "github.com/grafana/regexp"
)

// The operator's locators carry one of these markers in their path; the
// streaming token is spliced in right after it. Tie-break order matters:
// /dash before /sdash before /live.
var markers = []string{"/dash", "/sdash", "/live"}

// vxtRe matches an injected token segment up to the next path separator.
var vxtRe = regexp.MustCompile(`,vxttoken=[^/?]*`)

// StripToken removes any ,vxttoken=… splice from a URL.
func StripToken(rawURL string) string {
	return vxtRe.ReplaceAllString(rawURL, "")
}

// InjectToken splices ,vxttoken=<token> into the first matching path
// marker. Any previously injected token is removed first. URLs without a
// marker are returned unchanged.
func InjectToken(rawURL, token string) string {
	clean := StripToken(rawURL)
	if token == "" {
		return clean
	}

	// Skip past the scheme and host so a marker-looking hostname can
	// never match
	searchFrom := 0
	if i := strings.Index(clean, "://"); i >= 0 {
		if j := strings.IndexByte(clean[i+3:], '/'); j >= 0 {
			searchFrom = i + 3 + j
		} else {
			return clean
		}
	}

	for _, m := range markers {
		idx := strings.Index(clean[searchFrom:], m+"/")
		if idx < 0 && strings.HasSuffix(clean, m) {
			idx = len(clean) - len(m) - searchFrom
		}
		if idx < 0 {
			continue
		}
		pos := searchFrom + idx + len(m)
		return clean[:pos] + ",vxttoken=" + token + clean[pos:]
	}
	return clean
}

// forceHTTPS upgrades a plain http locator; the CDN rejects tokenized
// requests over http.
func forceHTTPS(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") {
		return "https://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL
}

// Rewriter owns the per-play-session URL state: the proxy URL the player
// was handed, the upstream URL after CDN redirect, and the segment base
// URL. One Rewriter lives for the duration of a play session; feeding it
// a different proxy URL resets the redirect state.
type Rewriter struct {
	cfg *config.Config

	mu            sync.Mutex
	proxyURL      string
	redirectedURL string
	baseURL       string
}

// NewRewriter returns a Rewriter with empty redirect state.
func NewRewriter(cfg *config.Config) *Rewriter {
	return &Rewriter{cfg: cfg}
}

// Reset drops all per-session state. Called when playback stops.
func (rw *Rewriter) Reset() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.proxyURL = ""
	rw.redirectedURL = ""
	rw.baseURL = ""
}

// BuildURL turns a locator into the URL the player should open. In proxy
// mode that is a /manifest URL on the loopback server carrying the
// locator's path, hostname and token plus any passthrough query params.
// With the proxy disabled the token is spliced into the locator directly
// and the scheme is forced to https.
func (rw *Rewriter) BuildURL(streamingToken, locator string) string {
	if !rw.cfg.UseProxy {
		return forceHTTPS(InjectToken(locator, streamingToken))
	}

	u, err := url.Parse(locator)
	if err != nil {
		logger.Warn("{urltools - BuildURL} unparseable locator: %v", err)
		return locator
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "http://%s/manifest?path=%s&token=%s&hostname=%s",
		rw.cfg.ProxyAddress(),
		url.QueryEscape(u.EscapedPath()),
		url.QueryEscape(streamingToken),
		url.QueryEscape(u.Hostname()))

	// Passthrough params in deterministic order
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			fmt.Fprintf(&sb, "&%s=%s", url.QueryEscape(k), url.QueryEscape(v))
		}
	}
	return sb.String()
}

// ManifestURL reconstructs the upstream manifest URL for a proxy request.
// streamingToken, when non-empty, overrides the token in the query. Once
// a redirect has been recorded for this proxy URL the redirect target is
// reused with a freshly injected token.
func (rw *Rewriter) ManifestURL(proxyURL, streamingToken string) (string, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if proxyURL != rw.proxyURL {
		// New manifest target, forget the old session's redirect
		rw.proxyURL = proxyURL
		rw.redirectedURL = ""
		rw.baseURL = ""
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	q := u.Query()
	upstreamPath := q.Get("path")
	hostname := q.Get("hostname")
	token := q.Get("token")
	if upstreamPath == "" || hostname == "" {
		return "", errors.New("proxy url is missing path or hostname")
	}
	if streamingToken != "" {
		token = streamingToken
	}

	if rw.redirectedURL != "" {
		return InjectToken(rw.redirectedURL, token), nil
	}

	upstream := "https://" + hostname + upstreamPath
	q.Del("path")
	q.Del("hostname")
	q.Del("token")
	if len(q) > 0 {
		upstream += "?" + q.Encode()
	}
	return InjectToken(upstream, token), nil
}

// UpdateRedirection records the URL the CDN finally served the manifest
// from, plus the MPD's BaseURL when it declared one. The segment base is
// derived here once so segment requests are a cheap path join.
//
// BaseURL handling follows what the manifests actually contain: either a
// relative "../…" that climbs from the manifest's directory, or a full
// replacement base. Without a BaseURL the redirect target itself is the
// base and its filename gets stripped per segment request.
func (rw *Rewriter) UpdateRedirection(proxyURL, actualURL, mpdBaseURL string) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	clean := StripToken(actualURL)
	rw.proxyURL = proxyURL
	rw.redirectedURL = clean

	switch {
	case mpdBaseURL == "":
		rw.baseURL = clean

	case strings.HasPrefix(mpdBaseURL, "../"):
		up := 0
		rest := mpdBaseURL
		for strings.HasPrefix(rest, "../") {
			up++
			rest = rest[3:]
		}
		u, err := url.Parse(clean)
		if err != nil {
			logger.Warn("{urltools - UpdateRedirection} unparseable redirect url: %v", err)
			rw.baseURL = clean
			return
		}
		segs := strings.Split(u.Path, "/")
		if len(segs) > 0 {
			segs = segs[:len(segs)-1] // strip filename
		}
		for i := 0; i < up && len(segs) > 1; i++ {
			segs = segs[:len(segs)-1]
		}
		rw.baseURL = u.Scheme + "://" + u.Host + strings.Join(segs, "/") + "/" + rest

	default:
		rw.baseURL = StripToken(mpdBaseURL)
	}

	logger.Debug("{urltools - UpdateRedirection} redirect=%s base=%s",
		rw.redirectedURL, rw.baseURL)
}

// ReplaceBaseURL resolves a segment request path against the recorded
// base URL and injects the current token at the marker.
func (rw *Rewriter) ReplaceBaseURL(segmentPath, streamingToken string) (string, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.baseURL == "" {
		return "", errors.New("no active stream session")
	}

	u, err := url.Parse(rw.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	p := StripToken(u.Path)
	var dir string
	if strings.HasSuffix(p, "/") {
		dir = strings.TrimSuffix(p, "/")
	} else {
		dir = path.Dir(p)
	}
	if dir == "/" || dir == "." {
		dir = ""
	}
	if !strings.HasPrefix(segmentPath, "/") {
		segmentPath = "/" + segmentPath
	}

	return InjectToken(u.Scheme+"://"+u.Host+dir+segmentPath, streamingToken), nil
}

// RedirectedURL returns the recorded post-redirect manifest URL, empty
// until the first manifest fetch completes.
func (rw *Rewriter) RedirectedURL() string {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.redirectedURL
}
