package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/epg"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/metrics"
	"ziggotv-proxy/work/session"
	"ziggotv-proxy/work/status"
	"ziggotv-proxy/work/utils"

	"github.com/avast/retry-go/v4"
)

// Supervisor runs the two periodic workers of the broker: the session
// timer that keeps the login fresh, and the streaming timer that extends
// the token while a play session is active. Both are cooperative loops
// sleeping in one-second increments against a running flag, so stopping
// them is prompt without any real-time machinery.
type Supervisor struct {
	cfg    *config.Config
	broker *session.Broker
	guide  *epg.Guide
	flag   *status.Flag

	sessionRunning atomic.Bool
	streamRunning  atomic.Bool
	sessionWG      sync.WaitGroup
	streamWG       sync.WaitGroup

	mu        sync.Mutex
	lastDaily string // yyyy-mm-dd of the last entitlements/widevine refresh
}

// New builds a Supervisor; nothing runs until Start.
func New(cfg *config.Config, broker *session.Broker, guide *epg.Guide, flag *status.Flag) *Supervisor {
	return &Supervisor{cfg: cfg, broker: broker, guide: guide, flag: flag}
}

// Start launches the session timer.
func (s *Supervisor) Start() {
	if !s.sessionRunning.CompareAndSwap(false, true) {
		return
	}
	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		s.loop(s.cfg.SessionInterval, &s.sessionRunning, s.sessionTick)
	}()
	logger.Info("{supervisor - Start} session timer started (%s)", s.cfg.SessionInterval)
}

// OnPlay starts the streaming timer. Fired when the UI reports that
// playback began. Idempotent while a stream is active.
func (s *Supervisor) OnPlay() {
	if !s.streamRunning.CompareAndSwap(false, true) {
		return
	}
	metrics.ActiveStream.Set(1)
	s.streamWG.Add(1)
	go func() {
		defer s.streamWG.Done()
		s.loop(s.cfg.TokenInterval, &s.streamRunning, s.streamTick)
	}()
	logger.Info("{supervisor - OnPlay} streaming timer started (%s)", s.cfg.TokenInterval)
}

// OnStop stops the streaming timer, surrenders the current token and
// clears the broker's in-memory token. Safe to call when no stream is
// active.
func (s *Supervisor) OnStop() {
	if !s.streamRunning.CompareAndSwap(true, false) {
		return
	}
	s.streamWG.Wait()
	metrics.ActiveStream.Set(0)

	token := s.broker.StreamingToken()
	s.broker.DeleteToken(token)
	logger.Info("{supervisor - OnStop} streaming timer stopped, token %s surrendered", utils.MaskToken(token))
}

// Shutdown stops both timers and waits for them to drain.
func (s *Supervisor) Shutdown() {
	s.OnStop()
	if s.sessionRunning.CompareAndSwap(true, false) {
		s.sessionWG.Wait()
	}
	logger.Info("{supervisor - Shutdown} timers stopped")
}

// loop sleeps in one-second increments until the interval has elapsed,
// checking the running flag each second, then fires the tick. The flag
// check keeps cancellation latency at about a second.
func (s *Supervisor) loop(interval time.Duration, running *atomic.Bool, tick func()) {
	secs := int(interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	for {
		for i := 0; i < secs; i++ {
			if !running.Load() {
				return
			}
			time.Sleep(time.Second)
		}
		if !running.Load() {
			return
		}
		tick()
	}
}

// sessionTick re-runs the login path (which reuses the refresh token
// when possible) and refreshes the channel list; entitlements and the
// Widevine certificate refresh only once per calendar day. Failures are
// logged and retried on the next tick, never fatal.
func (s *Supervisor) sessionTick() {
	err := retry.Do(
		func() error {
			if _, err := s.broker.Login(s.cfg.Username, s.cfg.Password); err != nil {
				return err
			}
			return s.broker.RefreshChannels()
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logger.Warn("{supervisor - sessionTick} session refresh failed: %v", err)
		return
	}

	// A broker that started without a reachable upstream becomes ready on
	// the first successful login and channel refresh.
	if s.flag != nil && s.flag.Get() == status.Starting {
		s.flag.Set(status.Started)
	}

	today := time.Now().UTC().Format("2006-01-02")
	s.mu.Lock()
	daily := s.lastDaily != today
	if daily {
		s.lastDaily = today
	}
	s.mu.Unlock()
	if daily {
		if err := s.broker.RefreshEntitlements(); err != nil {
			logger.Warn("{supervisor - sessionTick} entitlements refresh failed: %v", err)
		}
		if err := s.broker.RefreshWidevineLicense(); err != nil {
			logger.Warn("{supervisor - sessionTick} widevine refresh failed: %v", err)
		}
	}

	if err := s.guide.ObtainEvents(); err != nil {
		logger.Warn("{supervisor - sessionTick} EPG reload failed: %v", err)
	}
}

// streamTick extends the streaming session while the player is active.
// An empty token means no manifest has been fetched yet; nothing to do.
func (s *Supervisor) streamTick() {
	token := s.broker.StreamingToken()
	if token == "" {
		return
	}
	if _, err := s.broker.UpdateToken(token); err != nil {
		logger.Warn("{supervisor - streamTick} token refresh failed: %v", err)
	}
}

// Streaming reports whether the streaming timer is currently running.
func (s *Supervisor) Streaming() bool {
	return s.streamRunning.Load()
}
