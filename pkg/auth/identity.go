// Package auth holds the browser-derived identity shared by every HTTP
// worker: user agent, cookies and request headers. The identity is acquired
// once per run, optionally cached between runs, and falls back to a built-in
// default when acquisition fails.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pinscraper/pkg/config"
)

// Identity sources
const (
	SourceBrowser = "browser"
	SourceCache   = "cache"
	SourceDefault = "default"
)

// Identity is the session state attached to outgoing requests.
type Identity struct {
	UserAgent  string            `json:"user_agent"`
	Cookies    []*http.Cookie    `json:"cookies,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
	Source     string            `json:"source"`
}

// DefaultIdentity returns a desktop browser profile with no cookies.
func DefaultIdentity() *Identity {
	return &Identity{
		UserAgent: config.DefaultUserAgent,
		Headers:   defaultHeaders(),
		Source:    SourceDefault,
	}
}

func defaultHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Referer":         "https://www.pinterest.com/",
		"Sec-Fetch-Dest":  "document",
		"Sec-Fetch-Mode":  "navigate",
		"Sec-Fetch-Site":  "same-origin",
	}
}

// Clone returns a deep copy.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	c.Headers = make(map[string]string, len(id.Headers))
	for k, v := range id.Headers {
		c.Headers[k] = v
	}
	c.Cookies = make([]*http.Cookie, 0, len(id.Cookies))
	for _, ck := range id.Cookies {
		cp := *ck
		c.Cookies = append(c.Cookies, &cp)
	}
	return &c
}

// Apply decorates req with the identity. Cookies scoped to another
// domain are not sent.
func (id *Identity) Apply(req *http.Request) {
	if id == nil || req == nil {
		return
	}
	for k, v := range id.Headers {
		req.Header.Set(k, v)
	}
	if id.UserAgent != "" {
		req.Header.Set("User-Agent", id.UserAgent)
	}
	host := req.URL.Hostname()
	for _, ck := range id.Cookies {
		if !cookieMatches(ck, host) {
			continue
		}
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
}

func cookieMatches(ck *http.Cookie, host string) bool {
	if ck == nil || ck.Name == "" {
		return false
	}
	domain := strings.TrimPrefix(strings.ToLower(ck.Domain), ".")
	if domain == "" {
		return true
	}
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// normalize fills gaps in an acquired identity from the default profile.
func normalize(id *Identity) *Identity {
	def := DefaultIdentity()
	if id.UserAgent == "" {
		id.UserAgent = def.UserAgent
	}
	if id.Headers == nil {
		id.Headers = map[string]string{}
	}
	for k, v := range def.Headers {
		if _, ok := id.Headers[k]; !ok {
			id.Headers[k] = v
		}
	}
	return id
}

// Errors
var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrStoreUnavailable = errors.New("identity store unavailable")
)

// MaskValue masks all but the first 4 and last 4 characters of a secret
func MaskValue(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
