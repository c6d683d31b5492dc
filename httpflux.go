// Package httpflux is the thin top-level convenience surface spec §2
// calls out-of-scope beyond minimal notes: Get/Post/NewSession wrap the
// session package for callers who don't need a customized Session.
package httpflux

import (
	"context"

	"github.com/nexusflow/httpflux/headers"
	"github.com/nexusflow/httpflux/reqdata"
	"github.com/nexusflow/httpflux/session"
)

// Session re-exports session.Session so callers only need this package
// for the common case.
type Session = session.Session

// Response re-exports session.Response.
type Response = session.Response

// Option re-exports session.Option.
type Option = session.Option

// NewSession builds a Session with the library defaults (spec §6's
// Session constructor options, all overridable via Option).
func NewSession(opts ...session.Option) *Session {
	return session.New(opts...)
}

var defaultSession = NewSession()

// Get issues a GET request against the default Session.
func Get(ctx context.Context, url string) (*Response, error) {
	return defaultSession.Do(ctx, &session.Request{Method: "GET", URL: url})
}

// PostJSON issues a POST request with v encoded as JSON against the
// default Session.
func PostJSON(ctx context.Context, url string, v any) (*Response, error) {
	data, err := reqdata.NewJSON(v)
	if err != nil {
		return nil, err
	}
	return defaultSession.Do(ctx, &session.Request{Method: "POST", URL: url, Data: data})
}

// Post issues a POST request with a raw body against the default Session.
func Post(ctx context.Context, url string, contentType string, body []byte) (*Response, error) {
	h := headers.New()
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return defaultSession.Do(ctx, &session.Request{Method: "POST", URL: url, Headers: h, Data: reqdata.NewRaw(body)})
}
