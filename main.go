package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ziggotv-proxy/work/buffer"
	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/epg"
	"ziggotv-proxy/work/handlers"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/proxy"
	"ziggotv-proxy/work/session"
	"ziggotv-proxy/work/status"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/supervisor"
	"ziggotv-proxy/work/types"
	"ziggotv-proxy/work/urltools"
)

var (
	Version = "v0.1.0" // default version
)

// segmentBlockSize is the copy block for media forwarding.
const segmentBlockSize = 8192

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	if !cfg.HasCredentials() {
		logger.Error("{main} no credentials configured: %v", types.ErrConfigMissing)
		os.Exit(1)
	}

	// persisted state lives in one directory of flat JSON files
	st, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("{main} cannot open data directory %s: %v", cfg.DataDir, err)
		os.Exit(1)
	}

	flag := status.NewFlag(st)
	flag.Set(status.Starting)

	httpClient := client.New(cfg, st)
	broker := session.New(cfg, st, httpClient)

	guide, err := epg.New(cfg, st, broker.GetEvents, broker.GetEventDetails)
	if err != nil {
		logger.Error("{main} cannot initialize programme guide: %v", err)
		os.Exit(1)
	}
	defer guide.Close()

	rewriter := urltools.NewRewriter(cfg)
	sup := supervisor.New(cfg, broker, guide, flag)
	srv := proxy.New(cfg, broker, rewriter, guide, sup, flag, httpClient, buffer.NewPool(segmentBlockSize))

	logger.Info("{main} starting ziggotv-proxy %s on %s", Version, cfg.ProxyAddress())

	// first login and channel load happen before the flag flips to
	// Started; the UI polls get_status and waits for that. When the
	// upstream is unreachable the flag stays at Starting and the session
	// timer flips it once a retry succeeds.
	ready := false
	if _, err := broker.Login(cfg.Username, cfg.Password); err != nil {
		if errors.Is(err, types.ErrAuth) {
			logger.Error("{main} login rejected, check credentials: %v", err)
			flag.Set(status.Stopped)
			os.Exit(1)
		}
		logger.Warn("{main} initial login failed, the session timer will retry: %v", err)
	} else {
		if err := broker.RefreshChannels(); err != nil {
			logger.Warn("{main} initial channel refresh failed: %v", err)
		} else {
			ready = true
		}
		if err := broker.RefreshEntitlements(); err != nil {
			logger.Warn("{main} initial entitlements refresh failed: %v", err)
		}
		if err := broker.RefreshWidevineLicense(); err != nil {
			logger.Warn("{main} initial widevine refresh failed: %v", err)
		}
	}

	sup.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(handlers.Router(srv))
	}()

	if ready {
		flag.Set(status.Started)
	}

	// wait for a signal, a DELETE /shutdown, or a listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("{main} received %s, shutting down", sig)
	case <-srv.Quit():
		logger.Info("{main} shutdown endpoint hit, shutting down")
	case err := <-errCh:
		logger.Error("{main} server failed: %v", err)
	}

	flag.Set(status.Stopping)
	sup.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("{main} server shutdown: %v", err)
	}

	flag.Set(status.Stopped)
	logger.Info("{main} stopped")
}
