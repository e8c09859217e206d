package session

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"ziggotv-proxy/work/client"
	"ziggotv-proxy/work/config"
	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/store"
	"ziggotv-proxy/work/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Operator endpoints. Everything customer-scoped hangs off the web base.
const (
	operatorHost    = "https://spark-prod-nl.gnp.cloud.ziggogo.tv"
	defaultAuthBase = operatorHost + "/auth-service/v1"
	defaultWebBase  = operatorHost + "/eng/web"
)

// Persisted state files, one JSON file per datum in the profile dir.
const (
	sessionFile      = "session.json"
	customerFile     = "customer.json"
	channelsFile     = "channels.json"
	entitlementsFile = "entitlements.json"
	widevineFile     = "widevine.json"
	recordingsFile   = "recordings.json"
)

// Broker is the stateful façade over the operator REST surface. A single
// mutex serializes every operation that reads or mutates session state;
// upstream calls happen while holding it, which is acceptable because the
// operator backend dominates latency anyway.
type Broker struct {
	cfg *config.Config
	st  *store.Store
	hc  *client.Client

	// Endpoint roots, overridable so tests can run against a local server.
	authBase string
	webBase  string

	mu             sync.Mutex
	session        types.SessionInfo
	customer       types.CustomerInfo
	activeProfile  types.Profile
	extraHeaders   http.Header
	streamingToken string
	channels       []types.Channel
	channelIndex   *xsync.MapOf[string, *types.Channel]
	entitlementIDs []string
	widevineCert   string
	trackingID     string
}

// New builds a Broker and restores whatever state survives on disk:
// session, customer record, channel list, entitlements and the Widevine
// certificate. Missing files just mean a cold start.
func New(cfg *config.Config, st *store.Store, hc *client.Client) *Broker {
	b := &Broker{
		cfg:          cfg,
		st:           st,
		hc:           hc,
		authBase:     defaultAuthBase,
		webBase:      defaultWebBase,
		extraHeaders: http.Header{},
		channelIndex: xsync.NewMapOf[string, *types.Channel](),
	}

	b.restore(sessionFile, &b.session)
	b.restore(customerFile, &b.customer)
	b.restore(channelsFile, &b.channels)
	b.reindexChannels()

	var ent entitlementsState
	if b.restore(entitlementsFile, &ent) {
		b.entitlementIDs = ent.IDs
	}
	var wv widevineState
	if b.restore(widevineFile, &wv) {
		b.widevineCert = wv.Certificate
	}

	return b
}

// SetOperatorBase points the broker at a different operator host, e.g. a
// staging environment or a local stand-in server. The auth and web
// endpoint roots are derived from it.
func (b *Broker) SetOperatorBase(host string) {
	b.authBase = host + "/auth-service/v1"
	b.webBase = host + "/eng/web"
}

func (b *Broker) restore(name string, v any) bool {
	err := b.st.Load(name, v)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("{session - restore} discarding unreadable %s: %v", name, err)
	}
	return false
}

// authResponse is the body of both the authorization and the refresh
// endpoint.
type authResponse struct {
	HouseholdID        string `json:"householdId"`
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken"`
	RefreshTokenExpiry int64  `json:"refreshTokenExpiry"`
	Username           string `json:"username,omitempty"`
}

// Login establishes an authenticated session.
//
// Process:
//  1. A persisted session whose refresh token is still valid is reused:
//     if the access token JWT has not expired it is accepted as-is,
//     otherwise the ACCESSTOKEN cookie is cleared and the session is
//     refreshed against the refresh endpoint.
//  2. Without a reusable session, cookies are cleared and a full
//     credential login is performed.
//  3. The customer record (with profiles and devices) is fetched and
//     persisted, the active profile is defaulted, and the per-profile
//     extra headers are derived.
func (b *Broker) Login(username, password string) (types.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if username == "" || password == "" {
		return types.SessionInfo{}, types.ErrConfigMissing
	}

	switch {
	case b.session.Valid() && accessTokenValid(b.session.AccessToken):
		logger.Debug("{session - Login} access token still valid, session reused")

	case b.session.Valid():
		logger.Debug("{session - Login} access token expired, refreshing session")
		if err := b.refreshSession(username); err != nil {
			logger.Warn("{session - Login} session refresh failed, falling back to credential login: %v", err)
			if err := b.credentialLogin(username, password); err != nil {
				return types.SessionInfo{}, err
			}
		}

	default:
		if err := b.credentialLogin(username, password); err != nil {
			return types.SessionInfo{}, err
		}
	}

	if err := b.fetchCustomer(); err != nil {
		return types.SessionInfo{}, err
	}
	b.defaultProfile()
	b.deriveExtraHeaders(username)

	return b.session, nil
}

// refreshSession exchanges the refresh token for a new session. The
// stale ACCESSTOKEN cookie is dropped first so upstream does not keep
// honoring the expired one.
func (b *Broker) refreshSession(username string) error {
	b.hc.Jar.Clear("ACCESSTOKEN")

	resp, err := b.hc.PostJSON(b.authBase+"/authorization/refresh", map[string]string{
		"username":     username,
		"refreshToken": b.session.RefreshToken,
	}, nil)
	if err != nil {
		return err
	}
	return b.adoptAuthResponse(resp.Body)
}

// credentialLogin performs the full username/password login.
func (b *Broker) credentialLogin(username, password string) error {
	b.hc.Jar.ClearAll()

	resp, err := b.hc.PostJSON(b.authBase+"/authorization", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if err != nil {
		var ue *types.UpstreamError
		if errors.As(err, &ue) && ue.Status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", types.ErrAuth, string(ue.Body))
		}
		return err
	}
	return b.adoptAuthResponse(resp.Body)
}

func (b *Broker) adoptAuthResponse(body []byte) error {
	var ar authResponse
	if err := jsonUnmarshal(body, &ar); err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}
	if ar.AccessToken == "" || ar.HouseholdID == "" {
		return errors.New("auth response is missing accessToken or householdId")
	}

	b.session = types.SessionInfo{
		AccessToken:        ar.AccessToken,
		RefreshToken:       ar.RefreshToken,
		IssuedAt:           time.Now().Unix(),
		RefreshTokenExpiry: ar.RefreshTokenExpiry,
		HouseholdID:        ar.HouseholdID,
	}
	if err := b.st.Save(sessionFile, &b.session); err != nil {
		logger.Warn("{session - adoptAuthResponse} failed to persist session: %v", err)
	}
	return nil
}

// fetchCustomer retrieves and persists the customer record including
// profiles and assigned devices.
func (b *Broker) fetchCustomer() error {
	u := fmt.Sprintf("%s/personalization-service/v1/customer/%s", b.webBase, b.session.HouseholdID)
	resp, err := b.hc.Get(u, withParams("with", "profiles,devices"))
	if err != nil {
		return err
	}
	if err := jsonUnmarshal(resp.Body, &b.customer); err != nil {
		return fmt.Errorf("parse customer response: %w", err)
	}
	if err := b.st.Save(customerFile, &b.customer); err != nil {
		logger.Warn("{session - fetchCustomer} failed to persist customer: %v", err)
	}
	return nil
}

// defaultProfile picks the active profile: the configured name when it
// matches, otherwise the customer's default, otherwise the first one.
// No-op when a profile is already active.
func (b *Broker) defaultProfile() {
	if b.activeProfile.ProfileID != "" {
		return
	}
	if b.cfg.Profile != "" {
		for _, p := range b.customer.Profiles {
			if p.Name == b.cfg.Profile {
				b.activeProfile = p
				return
			}
		}
		logger.Warn("{session - defaultProfile} configured profile %q not found", b.cfg.Profile)
	}
	for _, p := range b.customer.Profiles {
		if p.ProfileID == b.customer.DefaultProfileID {
			b.activeProfile = p
			return
		}
	}
	if len(b.customer.Profiles) > 0 {
		b.activeProfile = b.customer.Profiles[0]
	}
}

// deriveExtraHeaders rebuilds the headers sent on customer-scoped calls.
// The tracking id sticks for the process lifetime.
func (b *Broker) deriveExtraHeaders(username string) {
	if b.trackingID == "" {
		b.trackingID = b.customer.HashedCustomerID
		if b.trackingID == "" {
			b.trackingID = uuid.NewString()
		}
	}
	h := http.Header{}
	h.Set("X-OESP-Username", username)
	h.Set("x-tracking-id", b.trackingID)
	if b.activeProfile.ProfileID != "" {
		h.Set("X-Profile", b.activeProfile.ProfileID)
	}
	b.extraHeaders = h
}

// SetActiveProfile activates a profile by name or id. Pure setter on the
// broker's profile state; the next customer-scoped call carries the new
// X-Profile header.
func (b *Broker) SetActiveProfile(nameOrID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.customer.Profiles {
		if p.Name == nameOrID || p.ProfileID == nameOrID {
			b.activeProfile = p
			b.deriveExtraHeaders(b.cfg.Username)
			return nil
		}
	}
	return fmt.Errorf("no profile named %q", nameOrID)
}

// ActiveProfile returns the currently active profile.
func (b *Broker) ActiveProfile() types.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeProfile
}

// Session returns a copy of the current session info.
func (b *Broker) Session() types.SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// HouseholdID returns the current household id, empty before login.
func (b *Broker) HouseholdID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.HouseholdID
}

// accessTokenValid decodes the access token as a JWT without verifying
// the signature (the operator verifies server-side, we only need exp)
// and reports whether it is still usable.
func accessTokenValid(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.After(time.Now())
}

func withParams(pairs ...string) *client.Options {
	opts := &client.Options{Params: map[string][]string{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		opts.Params.Set(pairs[i], pairs[i+1])
	}
	return opts
}
