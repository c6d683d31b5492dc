// Package urlmodel implements the URL model of spec §3: scheme,
// userinfo, host, port, path, an ordered multi-valued query with a
// NoValue/WithValue distinction, and a fragment. Join follows RFC 3986
// reference resolution by delegating to net/url, which already
// implements it; this package adds the query sentinel and origin/port
// rules the spec requires on top.
package urlmodel

import (
	"fmt"
	"net/url"
	"strings"
)

// defaultPorts maps scheme to its default port, used to compute Origin
// and to decide whether a Host header needs an explicit port.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Param is a single query value. NoValue distinguishes `?k` from `?k=`:
// WithValue("") represents `?k=`, NoValue represents bare `?k`.
type Param struct {
	hasValue bool
	value    string
}

// NoValue returns the sentinel for a bare `?k` query parameter.
func NoValue() Param { return Param{} }

// WithValue returns a Param carrying v, including the empty string (`?k=`).
func WithValue(v string) Param { return Param{hasValue: true, value: v} }

// HasValue reports whether this Param was given `=value` at all.
func (p Param) HasValue() bool { return p.hasValue }

// Value returns the carried value, or "" if HasValue is false.
func (p Param) Value() string { return p.value }

func (p Param) encode(key string) string {
	if !p.hasValue {
		return url.QueryEscape(key)
	}
	return url.QueryEscape(key) + "=" + url.QueryEscape(p.value)
}

// Query is an ordered multi-map of query parameters, preserving
// insertion order the way Headers does (spec §3's URL and Headers
// models share this shape deliberately).
type Query struct {
	keys   []string
	values map[string][]Param
}

func NewQuery() *Query { return &Query{values: map[string][]Param{}} }

// Add appends p under key, preserving any existing values for key.
func (q *Query) Add(key string, p Param) {
	if q.values == nil {
		q.values = map[string][]Param{}
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = append(q.values[key], p)
}

// Set replaces all values for key with a single p.
func (q *Query) Set(key string, p Param) {
	if q.values == nil {
		q.values = map[string][]Param{}
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = []Param{p}
}

// Get returns the first value for key, if any.
func (q *Query) Get(key string) (Param, bool) {
	vs, ok := q.values[key]
	if !ok || len(vs) == 0 {
		return Param{}, false
	}
	return vs[0], true
}

// All returns every value for key in insertion order.
func (q *Query) All(key string) []Param { return q.values[key] }

// Keys returns every distinct key in first-seen order.
func (q *Query) Keys() []string { return append([]string(nil), q.keys...) }

// Encode renders the query string (without a leading '?'), in insertion
// order, matching the order parameters were added rather than sorting
// them the way net/url.Values.Encode does.
func (q *Query) Encode() string {
	var b strings.Builder
	first := true
	for _, k := range q.keys {
		for _, p := range q.values[k] {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(p.encode(k))
		}
	}
	return b.String()
}

// ParseQuery parses a raw query string (without '?') into a Query,
// distinguishing bare keys from keys with an explicit '='.
func ParseQuery(raw string) (*Query, error) {
	q := NewQuery()
	if raw == "" {
		return q, nil
	}
	for _, piece := range strings.Split(raw, "&") {
		if piece == "" {
			continue
		}
		var key, rest string
		hasEq := strings.ContainsRune(piece, '=')
		if hasEq {
			kv := strings.SplitN(piece, "=", 2)
			key, rest = kv[0], kv[1]
		} else {
			key = piece
		}
		key, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		if !hasEq {
			q.Add(key, NoValue())
			continue
		}
		val, err := url.QueryUnescape(rest)
		if err != nil {
			return nil, err
		}
		q.Add(key, WithValue(val))
	}
	return q, nil
}

// Origin identifies the security/connection boundary a URL belongs to:
// scheme, host, and the effective port (explicit, or the scheme default).
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

func (o Origin) String() string { return fmt.Sprintf("%s://%s:%s", o.Scheme, o.Host, o.Port) }

// URL is the spec's URL model, built atop net/url's parser (which already
// implements RFC 3986 parsing/joining correctly) plus the ordered Query.
type URL struct {
	Scheme   string
	User     *url.Userinfo
	Host     string
	Port     string
	Path     string
	RawQuery *Query
	Fragment string
}

// Parse parses raw into a URL, splitting the query into the ordered,
// sentinel-aware Query representation.
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	q, err := ParseQuery(u.RawQuery)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	return &URL{
		Scheme:   u.Scheme,
		User:     u.User,
		Host:     host,
		Port:     port,
		Path:     u.EscapedPath(),
		RawQuery: q,
		Fragment: u.Fragment,
	}, nil
}

// EffectivePort returns the explicit port, or the scheme's default.
func (u *URL) EffectivePort() string {
	if u.Port != "" {
		return u.Port
	}
	return defaultPorts[strings.ToLower(u.Scheme)]
}

// Origin returns (scheme, host, effective_port).
func (u *URL) Origin() Origin {
	return Origin{Scheme: strings.ToLower(u.Scheme), Host: u.Host, Port: u.EffectivePort()}
}

// IsDefaultPort reports whether Port is empty or equals the scheme default.
func (u *URL) IsDefaultPort() bool {
	return u.Port == "" || u.Port == defaultPorts[strings.ToLower(u.Scheme)]
}

// HostHeader returns the value to send as the Host header: host, plus
// ":port" only when the port is non-default for the scheme (spec §4.5
// step 2).
func (u *URL) HostHeader() string {
	if u.IsDefaultPort() {
		return u.Host
	}
	return u.Host + ":" + u.EffectivePort()
}

// String renders the URL back to its wire form.
func (u *URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port != "" {
		b.WriteByte(':')
		b.WriteString(u.Port)
	}
	b.WriteString(u.Path)
	if q := u.RawQuery.Encode(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// Target renders the request-target for the wire: path, plus '?' and the
// encoded query if non-empty. Defaults per spec §3 "Request"; callers may
// override to "*" or to the absolute-form for proxy requests instead.
func (u *URL) Target() string {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if q := u.RawQuery.Encode(); q != "" {
		return path + "?" + q
	}
	return path
}

// Join resolves ref against u per RFC 3986 reference resolution,
// delegated to net/url.URL.Parse+ResolveReference which already
// implements the algorithm correctly (spec §9 calls out RFC 3986 by
// name; re-deriving it by hand would just be a worse copy of the
// standard library's).
func (u *URL) Join(ref string) (*URL, error) {
	base, err := url.Parse(u.String())
	if err != nil {
		return nil, err
	}
	relURL, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	resolved := base.ResolveReference(relURL)
	return Parse(resolved.String())
}

// WithoutUserinfo returns a copy of u with User cleared, used once
// credentials have been extracted into Basic auth (spec §4.5 step 1).
func (u *URL) WithoutUserinfo() *URL {
	n := *u
	n.User = nil
	return &n
}

// SameOriginForRedirect reports whether moving from u to next is either
// the same origin, or an http->https upgrade on the same host at the
// conventional port pair (80->443), per spec §4.5 step f's Authorization
// drop rule.
func SameOriginForRedirect(u, next *URL) bool {
	a, b := u.Origin(), next.Origin()
	if a == b {
		return true
	}
	if a.Scheme == "http" && b.Scheme == "https" && a.Host == b.Host {
		return a.Port == "80" && b.Port == "443"
	}
	return false
}
