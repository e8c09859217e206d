package client

import (
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/store"

	"errors"
)

const cookieFile = "cookies.json"

// storedCookie is the on-disk representation of one cookie. Only the
// fields the operator's session handling relies on are kept: name,
// value, domain and path. Expiry is tracked but the JWT check in the
// broker is what actually decides whether a session is still usable.
type storedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires,omitempty"`
}

// Jar is a persistent cookie jar backed by a JSON file in the profile
// directory. It implements http.CookieJar so redirect chains inside a
// single request carry cookies too. All mutations are flushed to disk
// via the store's atomic replace.
type Jar struct {
	mu      sync.Mutex
	cookies []storedCookie
	st      *store.Store
}

// NewJar loads any previously persisted cookies and returns the jar.
func NewJar(st *store.Store) *Jar {
	j := &Jar{st: st}
	var saved []storedCookie
	if err := st.Load(cookieFile, &saved); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("{client - NewJar} failed to load cookie jar: %v", err)
		}
		return j
	}
	j.cookies = saved
	return j
}

// SetCookies merges response cookies into the jar and persists it.
// A cookie with an empty value or an expiry in the past removes the
// entry, which is how upstream clears session cookies.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}

	j.mu.Lock()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = u.Hostname()
		}
		domain = strings.TrimPrefix(domain, ".")

		j.removeLocked(c.Name, domain)

		expired := !c.Expires.IsZero() && c.Expires.Before(time.Now())
		if c.Value == "" || c.MaxAge < 0 || expired {
			continue
		}

		path := c.Path
		if path == "" {
			path = "/"
		}
		j.cookies = append(j.cookies, storedCookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  domain,
			Path:    path,
			Expires: c.Expires,
		})
	}
	j.mu.Unlock()

	j.persist()
}

// Cookies returns the cookies applicable to u, matching on domain suffix.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	host := u.Hostname()
	var out []*http.Cookie
	for i := range j.cookies {
		sc := &j.cookies[i]
		if !domainMatch(host, sc.Domain) {
			continue
		}
		if !sc.Expires.IsZero() && sc.Expires.Before(time.Now()) {
			continue
		}
		out = append(out, &http.Cookie{Name: sc.Name, Value: sc.Value})
	}
	return out
}

// Clear removes a single named cookie from the jar, on every domain.
// Used to drop ACCESSTOKEN when the access token JWT has expired.
func (j *Jar) Clear(name string) {
	j.mu.Lock()
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	j.cookies = kept
	j.mu.Unlock()

	j.persist()
}

// ClearAll empties the jar, used before a full credential login.
func (j *Jar) ClearAll() {
	j.mu.Lock()
	j.cookies = nil
	j.mu.Unlock()

	j.persist()
}

// Get returns the value of a named cookie, or empty when absent.
func (j *Jar) Get(name string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.cookies {
		if j.cookies[i].Name == name {
			return j.cookies[i].Value
		}
	}
	return ""
}

func (j *Jar) removeLocked(name, domain string) {
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Name == name && c.Domain == domain {
			continue
		}
		kept = append(kept, c)
	}
	j.cookies = kept
}

func (j *Jar) persist() {
	j.mu.Lock()
	snapshot := make([]storedCookie, len(j.cookies))
	copy(snapshot, j.cookies)
	j.mu.Unlock()

	if err := j.st.Save(cookieFile, snapshot); err != nil {
		logger.Warn("{client - persist} failed to save cookie jar: %v", err)
	}
}

// domainMatch implements the suffix match used for cookie scoping:
// exact host match or host ending in ".domain".
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}
