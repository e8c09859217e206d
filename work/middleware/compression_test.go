package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestGzipCompressesWhenAccepted(t *testing.T) {
	handler := Gzip(echoHandler(`{"channels":[]}`))

	req := httptest.NewRequest(http.MethodGet, "/function/get_channels", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gz.Close()
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channels":[]}`, string(body))
}

func TestGzipPassthroughWithoutAcceptEncoding(t *testing.T) {
	handler := Gzip(echoHandler(`{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/function/get_status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestGzipPreservesStatusCode(t *testing.T) {
	handler := Gzip(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodGet, "/function/unknown", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
