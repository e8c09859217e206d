package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/types"
	"ziggotv-proxy/work/utils"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const sessionFile = "session.json"

// Baseline headers sent on every operator request. The operator's web
// frontend sends these, and the session endpoints reject requests that
// look too little like a browser.
var baselineHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Origin":          "https://www.ziggogo.tv",
	"Referer":         "https://www.ziggogo.tv/",
	"X-Device-Code":   "web",
	"Accept":          "*/*",
	"Accept-Encoding": "gzip, deflate, br",
}

// Options carries per-request extras: additional headers and query params.
// ExactHeaders sends opts.Headers as the complete header set and skips the
// baseline browser headers; the license forwarder uses it so nothing
// outside its allow-list reaches the operator.
type Options struct {
	Headers      http.Header
	Params       url.Values
	ExactHeaders bool
}

// Response is a fully read upstream response. FinalURL is the URL after
// any redirects, which the manifest path needs to record CDN targets.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string
}

// Client wraps http.Client with the persistent cookie jar, the baseline
// header set, transparent content decoding and uniform status mapping.
// One instance is shared by the broker; segment fetches use Stream which
// bypasses buffering and decoding.
type Client struct {
	http   *http.Client
	stream *http.Client
	Jar    *Jar
	cfg    *config.Config
	st     *store.Store
}

// New builds a Client with the profile directory's cookie jar attached.
func New(cfg *config.Config, st *store.Store) *Client {
	jar := NewJar(st)
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Jar:       jar,
			Transport: transport,
		},
		stream: &http.Client{
			// No overall timeout for streaming, segment deadlines come
			// from the request context
			Jar:       jar,
			Transport: transport,
		},
		Jar: jar,
		cfg: cfg,
		st:  st,
	}
}

// Get issues a GET request and reads the full response.
func (c *Client) Get(rawURL string, opts *Options) (*Response, error) {
	return c.do(http.MethodGet, rawURL, nil, "", opts)
}

// Post issues a POST with a raw byte body (Widevine challenges and the
// like). contentType may be empty.
func (c *Client) Post(rawURL string, body []byte, contentType string, opts *Options) (*Response, error) {
	return c.do(http.MethodPost, rawURL, body, contentType, opts)
}

// PostJSON marshals v and posts it with the JSON content type.
func (c *Client) PostJSON(rawURL string, v any, opts *Options) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(http.MethodPost, rawURL, body, "application/json; charset=utf-8", opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(rawURL string, opts *Options) (*Response, error) {
	return c.do(http.MethodDelete, rawURL, nil, "", opts)
}

// DeleteJSON issues a DELETE carrying a JSON body, which the operator's
// recordings endpoints expect.
func (c *Client) DeleteJSON(rawURL string, v any, opts *Options) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(http.MethodDelete, rawURL, body, "application/json; charset=utf-8", opts)
}

// Head issues a HEAD request.
func (c *Client) Head(rawURL string, opts *Options) (*Response, error) {
	return c.do(http.MethodHead, rawURL, nil, "", opts)
}

// Stream issues a GET whose body is returned unread and undecoded, for
// segment forwarding. The caller owns resp.Body. No Accept-Encoding is
// forced so the upstream bytes pass through unmodified.
func (c *Client) Stream(ctx context.Context, rawURL string, opts *Options) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	applyParams(req, opts)
	req.Header.Set("User-Agent", baselineHeaders["User-Agent"])
	if opts != nil {
		for k, vs := range opts.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	if c.cfg.PrintNetworkTraffic {
		logger.Debug("{client - Stream} GET %s", req.URL.String())
	}
	return c.stream.Do(req)
}

// do performs the request, merges cookies into the persistent jar (the
// jar does that itself as http.CookieJar), decodes the body and maps the
// status code:
//   - 200/204 are success
//   - 401 clears the persisted session state and fails
//   - any other non-2xx fails with UpstreamError carrying the body
//
// On failure the Response is still returned so handlers can forward the
// upstream status and body verbatim.
func (c *Client) do(method, rawURL string, body []byte, contentType string, opts *Options) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	applyParams(req, opts)

	if opts == nil || !opts.ExactHeaders {
		for k, v := range baselineHeaders {
			req.Header.Set(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if opts != nil {
		for k, vs := range opts.Headers {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	if c.cfg.PrintNetworkTraffic {
		logger.Debug("{client - do} %s %s", method, req.URL.String())
	} else {
		logger.Debug("{client - do} %s %s", method, utils.ObfuscateURL(req.URL.String()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, utils.ObfuscateURL(rawURL), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}

	out := &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     decoded,
		FinalURL: resp.Request.URL.String(),
	}

	if c.cfg.PrintNetworkTraffic {
		logger.Debug("{client - do} response %d (%d bytes) from %s", out.Status, len(out.Body), out.FinalURL)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return out, nil
	case resp.StatusCode == http.StatusUnauthorized:
		// Session is gone upstream, drop the persisted copy so the next
		// login starts from credentials
		if err := c.st.Delete(sessionFile); err != nil {
			logger.Warn("{client - do} failed to clear session state: %v", err)
		}
		return out, types.NewUpstreamError(out.Status, out.Body)
	default:
		return out, types.NewUpstreamError(out.Status, out.Body)
	}
}

// applyParams merges opts.Params into the request's query string.
func applyParams(req *http.Request, opts *Options) {
	if opts == nil || len(opts.Params) == 0 {
		return
	}
	q := req.URL.Query()
	for k, vs := range opts.Params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
}

// decodeBody reverses the Content-Encoding the upstream applied. We
// advertise gzip, deflate and br ourselves, so the stdlib transport does
// not decode for us.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		// Most servers send zlib-wrapped deflate, some send it raw
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer r.Close()
			return io.ReadAll(r)
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
