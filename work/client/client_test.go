package client

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	cfg := &config.Config{RequestTimeout: 5 * time.Second}
	return New(cfg, st), st
}

func TestBaselineHeadersApplied(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c, _ := testClient(t)
	_, err := c.Get(srv.URL, nil)
	require.NoError(t, err)

	assert.Contains(t, got.Get("User-Agent"), "Mozilla/5.0")
	assert.Equal(t, "https://www.ziggogo.tv", got.Get("Origin"))
	assert.Equal(t, "https://www.ziggogo.tv/", got.Get("Referer"))
	assert.Equal(t, "web", got.Get("X-Device-Code"))
	assert.Equal(t, "gzip, deflate, br", got.Get("Accept-Encoding"))
}

func TestOptionHeadersOverrideBaseline(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c, _ := testClient(t)
	opts := &Options{Headers: http.Header{}}
	opts.Headers.Set("User-Agent", "custom-agent")
	opts.Headers.Set("X-Streaming-Token", "TOK")
	_, err := c.Get(srv.URL, opts)
	require.NoError(t, err)

	assert.Equal(t, "custom-agent", got.Get("User-Agent"))
	assert.Equal(t, "TOK", got.Get("X-Streaming-Token"))
}

func TestExactHeadersSkipBaseline(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c, _ := testClient(t)
	opts := &Options{Headers: http.Header{}, ExactHeaders: true}
	opts.Headers.Set("User-Agent", "player/1.0")
	opts.Headers.Set("X-Streaming-Token", "TOK")
	_, err := c.Post(srv.URL, []byte("body"), "", opts)
	require.NoError(t, err)

	assert.Equal(t, "player/1.0", got.Get("User-Agent"))
	assert.Equal(t, "TOK", got.Get("X-Streaming-Token"))
	assert.Empty(t, got.Get("X-Device-Code"))
	assert.Empty(t, got.Get("Origin"))
	assert.Empty(t, got.Get("Referer"))
}

func TestParamsMergedIntoQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	c, _ := testClient(t)
	opts := &Options{Params: map[string][]string{"cityId": {"1234"}, "language": {"nl"}}}
	_, err := c.Get(srv.URL+"?productClass=Orion-DASH", opts)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "cityId=1234")
	assert.Contains(t, gotQuery, "language=nl")
	assert.Contains(t, gotQuery, "productClass=Orion-DASH")
}

func TestNoContentIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := testClient(t)
	resp, err := c.Get(srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestNonSuccessIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"not entitled"}`))
	}))
	defer srv.Close()

	c, _ := testClient(t)
	resp, err := c.Get(srv.URL, nil)
	require.Error(t, err)

	var ue *types.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusForbidden, ue.Status)
	assert.JSONEq(t, `{"error":"not entitled"}`, string(ue.Body))

	// the response is still handed back for verbatim forwarding
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestUnauthorizedClearsPersistedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, st := testClient(t)
	require.NoError(t, st.SaveRaw("session.json", []byte(`{"accessToken":"x"}`)))

	_, err := c.Get(srv.URL, nil)
	require.Error(t, err)
	assert.False(t, st.Exists("session.json"))
}

func TestGzipBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte(`{"hello":"world"}`))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c, _ := testClient(t)
	resp, err := c.Get(srv.URL, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Body))
}

func TestFinalURLTracksRedirects(t *testing.T) {
	var target string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/final/manifest.mpd", http.StatusFound)
		default:
			w.Write([]byte("<MPD/>"))
		}
	}))
	defer srv.Close()
	target = srv.URL + "/final/manifest.mpd"

	c, _ := testClient(t)
	resp, err := c.Get(srv.URL+"/start", nil)
	require.NoError(t, err)
	assert.Equal(t, target, resp.FinalURL)
}

func TestCookieJarPersistsAcrossClients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "ACCESSTOKEN", Value: "abc123", Path: "/"})
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	cfg := &config.Config{RequestTimeout: 5 * time.Second}

	c1 := New(cfg, st)
	_, err = c1.Get(srv.URL+"/set", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", c1.Jar.Get("ACCESSTOKEN"))

	// A fresh client over the same store restores the jar from disk.
	c2 := New(cfg, st)
	assert.Equal(t, "abc123", c2.Jar.Get("ACCESSTOKEN"))

	c2.Jar.Clear("ACCESSTOKEN")
	assert.Empty(t, c2.Jar.Get("ACCESSTOKEN"))

	c3 := New(cfg, st)
	assert.Empty(t, c3.Jar.Get("ACCESSTOKEN"))
}

func TestCookiesSentBackToServer(t *testing.T) {
	var sawCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "s1", Path: "/"})
		default:
			if ck, err := r.Cookie("SESSION"); err == nil {
				sawCookie = ck.Value
			}
		}
	}))
	defer srv.Close()

	c, _ := testClient(t)
	_, err := c.Get(srv.URL+"/set", nil)
	require.NoError(t, err)
	_, err = c.Get(srv.URL+"/check", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", sawCookie)
}

func TestStreamDoesNotForceAcceptEncoding(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("segmentdata"))
	}))
	defer srv.Close()

	c, _ := testClient(t)
	resp, err := c.Stream(t.Context(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, got.Get("Origin"))
	assert.NotEqual(t, "gzip, deflate, br", got.Get("Accept-Encoding"))
}
