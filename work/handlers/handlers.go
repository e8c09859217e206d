package handlers

import (
	"net/http"

	"ziggotv-proxy/work/middleware"
	"ziggotv-proxy/work/proxy"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HandleManifest serves the rewritten DASH manifest.
func HandleManifest(srv *proxy.Server) http.HandlerFunc {
	return srv.HandleManifest
}

// HandleLicense forwards Widevine license exchanges.
func HandleLicense(srv *proxy.Server) http.HandlerFunc {
	return srv.HandleLicense
}

// HandleFunction dispatches the /function RPC surface.
func HandleFunction(srv *proxy.Server) http.HandlerFunc {
	return srv.HandleFunction
}

// HandleSegment is the catch-all media segment forwarder.
func HandleSegment(srv *proxy.Server) http.HandlerFunc {
	return srv.HandleSegment
}

// Router builds the mux router for the proxy. Route order matters: the
// segment forwarder is the catch-all, so every named route must be
// registered before it.
func Router(srv *proxy.Server) *mux.Router {
	r := mux.NewRouter()

	// Preflight and unsupported methods, any path.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(srv.HandleOptions)
	r.PathPrefix("/").Methods(http.MethodHead).HandlerFunc(srv.HandleHead)

	r.HandleFunc("/manifest", HandleManifest(srv)).Methods(http.MethodGet)
	r.HandleFunc("/license", HandleLicense(srv)).Methods(http.MethodPost)
	r.Handle("/function/{name}", middleware.Gzip(HandleFunction(srv))).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", srv.HandleShutdown).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Everything else is a media segment relative to the manifest base.
	r.PathPrefix("/").HandlerFunc(HandleSegment(srv)).Methods(http.MethodGet)

	return r
}
