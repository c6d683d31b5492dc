// Package cookiejar implements the policy-checked cookie jar of spec §3:
// a multi-map from (domain, path, name) to cookie, with rejection rules
// for Secure/__Secure-/__Host- prefixes and public-suffix domains.
package cookiejar

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/nexusflow/httpflux/urlmodel"
)

// Cookie is one stored cookie.
type Cookie struct {
	Name           string
	Value          string
	Domain         string
	explicitDomain bool // true if the Set-Cookie attribute list named Domain.
	Path           string
	Secure         bool
	HTTPOnly       bool
	Expires        time.Time // zero means session cookie.
}

func (c Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

type key struct {
	domain, path, name string
}

// Jar is a thread-safe policy-checked cookie store (spec §5: "in the
// threaded-sync variant they require a mutex around mutations").
type Jar struct {
	mu      sync.Mutex
	cookies map[key]Cookie
}

func New() *Jar {
	return &Jar{cookies: make(map[key]Cookie)}
}

// ExtractCookiesToJar implements spec §4.5 step d: parse every Set-Cookie
// value in setCookieValues and store what policy allows. reqURL is the
// request URL the response was received for: domain/path defaults derive
// from it, and its scheme decides whether the exchange counts as HTTPS.
func (j *Jar) ExtractCookiesToJar(reqURL *urlmodel.URL, setCookieValues []string) error {
	isHTTPS := strings.EqualFold(reqURL.Scheme, "https")
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, raw := range setCookieValues {
		c, ok := parseSetCookie(raw, reqURL.Host)
		if !ok {
			continue
		}
		if !policyAllows(c, isHTTPS) {
			continue
		}
		j.cookies[key{domain: c.Domain, path: c.Path, name: c.Name}] = c
	}
	return nil
}

// GetCookieHeader implements spec §4.5 step a: compute the Cookie header
// value for a request to u, returning "" if none apply.
func (j *Jar) GetCookieHeader(u *urlmodel.URL) string {
	isHTTPS := strings.EqualFold(u.Scheme, "https")
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var matches []Cookie
	for k, c := range j.cookies {
		if c.expired(now) {
			delete(j.cookies, k)
			continue
		}
		if !domainMatches(u.Host, c.Domain) {
			continue
		}
		if !pathMatches(u.Path, c.Path) {
			continue
		}
		if c.Secure && !isHTTPS {
			continue
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range matches {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s=%s", c.Name, c.Value)
	}
	return b.String()
}

// parseSetCookie parses one Set-Cookie header value via net/http's
// reader (the teacher's stack already depends on net/http for its own
// transport, so reusing its cookie parser here avoids reinventing
// RFC 6265 attribute parsing).
func parseSetCookie(raw, requestHost string) (Cookie, bool) {
	header := http.Header{}
	header.Add("Set-Cookie", raw)
	resp := http.Response{Header: header}
	parsed := resp.Cookies()
	if len(parsed) == 0 {
		return Cookie{}, false
	}
	hc := parsed[0]
	domain := hc.Domain
	explicitDomain := domain != ""
	if domain == "" {
		domain = stripPort(requestHost)
	} else {
		domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	}
	path := hc.Path
	if path == "" {
		path = "/"
	}
	var expires time.Time
	if !hc.Expires.IsZero() {
		expires = hc.Expires
	} else if hc.MaxAge != 0 {
		if hc.MaxAge < 0 {
			expires = time.Unix(1, 0)
		} else {
			expires = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
		}
	}
	return Cookie{
		Name: hc.Name, Value: hc.Value, Domain: domain, explicitDomain: explicitDomain,
		Path: path, Secure: hc.Secure, HTTPOnly: hc.HttpOnly, Expires: expires,
	}, true
}

// policyAllows implements spec §3's cookie jar rejection rules.
func policyAllows(c Cookie, isHTTPS bool) bool {
	if c.Secure && !isHTTPS {
		return false
	}
	if strings.HasPrefix(c.Name, "__Secure-") && !c.Secure {
		return false
	}
	if strings.HasPrefix(c.Name, "__Host-") {
		if !c.Secure || c.Path != "/" || c.explicitDomain {
			return false
		}
	}
	if isPublicSuffix(c.Domain) {
		return false
	}
	return true
}

// isPublicSuffix rejects a cookie Domain that is itself a registrable
// public suffix (e.g. "co.uk"), per spec §3, using
// golang.org/x/net/publicsuffix (the Go ecosystem's canonical Public
// Suffix List implementation).
func isPublicSuffix(domain string) bool {
	if domain == "" {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(strings.ToLower(domain))
	return icann && suffix == strings.ToLower(domain)
}

func domainMatches(host, cookieDomain string) bool {
	host = stripPort(strings.ToLower(host))
	cookieDomain = strings.ToLower(cookieDomain)
	if host == cookieDomain {
		return true
	}
	return strings.HasSuffix(host, "."+cookieDomain)
}

func pathMatches(reqPath, cookiePath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if reqPath == cookiePath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		return len(reqPath) > len(cookiePath) && reqPath[len(cookiePath)] == '/'
	}
	return false
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
