// Package session implements the orchestrator of spec §4.5: request
// preparation, framing, authentication, cookies, the redirect loop with
// loop detection, and retry/backoff, all wired to the lower layers
// (pool, h1, stream, retry, cookiejar) built for this client.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexusflow/httpflux/cookiejar"
	"github.com/nexusflow/httpflux/errs"
	"github.com/nexusflow/httpflux/h1"
	"github.com/nexusflow/httpflux/headers"
	"github.com/nexusflow/httpflux/pool"
	"github.com/nexusflow/httpflux/reqdata"
	"github.com/nexusflow/httpflux/retry"
	"github.com/nexusflow/httpflux/stream"
	"github.com/nexusflow/httpflux/tlsconn"
	"github.com/nexusflow/httpflux/urlmodel"
)

// userAgent mirrors spec §4.5 step 2's "python-hip/<version>" pattern,
// substituted with this library's own name.
const userAgent = "httpflux/1.0"

// redirectStatuses is spec §3's is_redirect set.
var redirectStatuses = map[int]struct{}{301: {}, 302: {}, 303: {}, 307: {}, 308: {}}

// AuthFunc computes auth headers/modifications for a request, applied
// in spec §4.5 step 2 ("Apply auth callable").
type AuthFunc func(req *Request)

// Session holds the per-Session state spec §4.5 names: default headers,
// auth, cookie jar, retry template, TLS config, HTTP versions, CA/pins,
// and the connection manager.
type Session struct {
	DefaultHeaders *headers.Headers
	Auth           AuthFunc
	Cookies        *cookiejar.Jar
	RetryTemplate  *retry.Policy
	Manager        *pool.Pool

	HTTPVersions  []tlsconn.HTTPVersion
	TLSMinVersion uint16
	TLSMaxVersion uint16
	CACertsID     string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	RedirectsEnabled bool
	MaxRedirects     int // <0 means unlimited.

	decoders []string // Accept-Encoding tokens this build supports.
}

// Option configures a Session at construction.
type Option func(*Session)

func WithAuth(a AuthFunc) Option                    { return func(s *Session) { s.Auth = a } }
func WithDefaultHeaders(h *headers.Headers) Option   { return func(s *Session) { s.DefaultHeaders = h } }
func WithRetry(p *retry.Policy) Option               { return func(s *Session) { s.RetryTemplate = p } }
func WithHTTPVersions(v []tlsconn.HTTPVersion) Option { return func(s *Session) { s.HTTPVersions = v } }
func WithTLSVersionRange(min, max uint16) Option {
	return func(s *Session) { s.TLSMinVersion = min; s.TLSMaxVersion = max }
}
func WithRedirects(enabled bool, max int) Option {
	return func(s *Session) { s.RedirectsEnabled = enabled; s.MaxRedirects = max }
}
func WithConnectTimeout(d time.Duration) Option { return func(s *Session) { s.ConnectTimeout = d } }
func WithReadTimeout(d time.Duration) Option    { return func(s *Session) { s.ReadTimeout = d } }

// New builds a Session with the spec's defaults: redirects enabled (20
// max), keep-alive, TLS 1.2 minimum, HTTP/1.1 only (this client's
// scope), gzip/deflate/br/zstd accepted.
func New(opts ...Option) *Session {
	s := &Session{
		DefaultHeaders:   headers.New(),
		Cookies:          cookiejar.New(),
		RetryTemplate:    retry.New(3),
		Manager:          pool.New(),
		HTTPVersions:     []tlsconn.HTTPVersion{tlsconn.HTTP11},
		TLSMinVersion:    tlsconn.MinimumSupported,
		TLSMaxVersion:    tlsconn.MaximumSupported,
		ConnectTimeout:   10 * time.Second,
		ReadTimeout:      30 * time.Second,
		RedirectsEnabled: true,
		MaxRedirects:     20,
		decoders:         []string{"gzip", "deflate", "br", "zstd"},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request is the public request description, mirroring spec §6's
// "Request parameters".
type Request struct {
	Method         string
	URL            string
	Headers        *headers.Headers
	Auth           AuthFunc
	Params         *urlmodel.Query
	Data           reqdata.RequestData
	ServerHostname string
}

// RequestSummary satisfies errs.Request for error enrichment.
func (r *Request) RequestSummary() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", r.Method, r.URL)
}

// requestState is the per-request mutable state spec §4.5 describes:
// visited_urls, response_history, redirects_remaining, a cloned Retry.
type requestState struct {
	visited            map[string]struct{}
	trail              []string
	history            []*Response
	redirectsRemaining int
	retryState         *retry.Policy
}

// Response is the public result, mirroring spec §3's Response metadata
// plus a lazy body.
type Response struct {
	Status  int
	Version string
	Headers *headers.Headers
	Request *Request
	History []*Response

	body     *h1.BodyStream
	pipe     *stream.Pipeline
	textpipe *stream.TextPipeline
	encoding string

	informational []h1.Informational

	release func(reuse bool)
}

// ResponseSummary satisfies errs.Response for error enrichment.
func (r *Response) ResponseSummary() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d", r.Status)
}

func (r *Response) IsRedirect() bool {
	if _, ok := redirectStatuses[r.Status]; !ok {
		return false
	}
	_, hasLoc := r.Headers.GetOne("Location")
	return hasLoc
}

// Stream returns the raw decoded-byte pipeline (spec §4.6 stream()).
func (r *Response) Stream(chunkSize int) (*stream.Pipeline, error) {
	if r.pipe != nil {
		return r.pipe, nil
	}
	contentType, _ := r.Headers.GetOne("Content-Type")
	contentEncoding, _ := r.Headers.GetOne("Content-Encoding")
	p, err := stream.New(r.body, contentType, contentEncoding, chunkSize)
	if err != nil {
		return nil, err
	}
	r.pipe = p
	return p, nil
}

// StreamText returns the incremental text pipeline (spec §4.6 stream_text()).
func (r *Response) StreamText(chunkSize int) (*stream.TextPipeline, error) {
	if r.textpipe != nil {
		return r.textpipe, nil
	}
	contentType, _ := r.Headers.GetOne("Content-Type")
	contentEncoding, _ := r.Headers.GetOne("Content-Encoding")
	tp, err := stream.NewText(r.body, contentType, contentEncoding, chunkSize)
	if err != nil {
		return nil, err
	}
	r.textpipe = tp
	return tp, nil
}

// Data drains Stream into one byte slice (spec §4.6 data()).
func (r *Response) Data() ([]byte, error) {
	p, err := r.Stream(0)
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		chunk, err := p.Next()
		out = append(out, chunk...)
		if err == io.EOF {
			r.encoding = p.Charset()
			r.finish(true)
			return out, nil
		}
		if err != nil {
			r.finish(false)
			return nil, err
		}
	}
}

// Text returns Data decoded with the discovered encoding (spec §4.6 text()).
func (r *Response) Text() (string, error) {
	tp, err := r.StreamText(0)
	if err != nil {
		return "", err
	}
	var out []byte
	for {
		chunk, err := tp.Next()
		out = append(out, chunk...)
		if err == io.EOF {
			r.finish(true)
			return string(out), nil
		}
		if err != nil {
			r.finish(false)
			return "", err
		}
	}
}

// Encoding returns the pinned charset name, populated once the body has
// been drained via Data or Close. Text does not set it: it stays empty
// after a body read only through Text.
func (r *Response) Encoding() string { return r.encoding }

// Close drains and discards the body, guaranteeing the socket returns to
// the pool if still usable (spec §4.6 close()).
func (r *Response) Close() error {
	p, err := r.Stream(0)
	if err != nil {
		r.finish(false)
		return err
	}
	for {
		_, err := p.Next()
		if err == io.EOF {
			r.encoding = p.Charset()
			r.finish(true)
			return nil
		}
		if err != nil {
			r.finish(false)
			return err
		}
	}
}

func (r *Response) finish(reuse bool) {
	if r.release != nil {
		r.release(reuse)
		r.release = nil
	}
}

// Do implements spec §4.5's request(...) algorithm end-to-end.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := urlmodel.Parse(req.URL)
	if err != nil {
		return nil, errs.New(errs.LocalProtocol, "parsing request URL", err).WithRequest(req)
	}

	var basicAuth AuthFunc
	if req.Auth == nil && s.Auth == nil && u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		basicAuth = func(r *Request) { r.Headers.Set("Authorization", "Basic "+token) }
	}
	u = u.WithoutUserinfo()

	if req.Params != nil {
		for _, k := range req.Params.Keys() {
			for _, p := range req.Params.All(k) {
				u.RawQuery.Add(k, p)
			}
		}
	}

	mergedHeaders := s.DefaultHeaders.Clone()
	if req.Headers != nil {
		mergedHeaders.Extend(req.Headers)
	}

	out := &Request{
		Method:         strings.ToUpper(req.Method),
		URL:            u.String(),
		Headers:        mergedHeaders,
		Data:           req.Data,
		ServerHostname: req.ServerHostname,
	}

	mergedHeaders.Set("Host", u.HostHeader())
	mergedHeaders.SetDefault("Accept", "*/*")
	mergedHeaders.SetDefault("User-Agent", userAgent)
	if len(s.decoders) > 0 {
		mergedHeaders.SetDefault("Accept-Encoding", strings.Join(s.decoders, ", "))
	}
	mergedHeaders.SetDefault("Connection", "keep-alive")

	switch {
	case req.Auth != nil:
		req.Auth(out)
	case s.Auth != nil:
		s.Auth(out)
	case basicAuth != nil:
		basicAuth(out)
	}

	if out.Data == nil {
		out.Data = reqdata.Empty{}
	}
	frameBody(mergedHeaders, out.Data)

	st := &requestState{
		visited:            map[string]struct{}{u.String(): {}},
		trail:              []string{u.String()},
		redirectsRemaining: s.MaxRedirects,
		retryState:         s.RetryTemplate.Clone(),
	}

	current := out
	currentURL := u
	for {
		resp, retryable, err := s.attempt(ctx, current, currentURL, st)
		if err != nil {
			if !retryable {
				return nil, errs.Enrich(err, current, nil)
			}
			if incErr := st.retryState.Increment(classifyCategory(err), err); incErr != nil {
				return nil, errs.Enrich(incErr, current, nil)
			}
			st.retryState.Sleep(st.retryState.DelayBeforeNextRequest(""))
			continue
		}

		if st.retryState.IsForcedRetryStatus(resp.Status) && st.retryState.CanRetryMethod(current.Method, resp.Status, false) {
			retryAfter, _ := resp.Headers.GetOne("Retry-After")
			resp.Close()
			if incErr := st.retryState.Increment(retry.CategoryResponse, nil); incErr != nil {
				return nil, errs.Enrich(incErr, current, nil)
			}
			st.retryState.Sleep(st.retryState.DelayBeforeNextRequest(retryAfter))
			continue
		}

		final, redirectReq, redirectURL, rerr := s.handleResponse(current, currentURL, resp, st)
		if rerr != nil {
			return nil, errs.Enrich(rerr, current, resp)
		}
		if final != nil {
			return final, nil
		}
		current, currentURL = redirectReq, redirectURL
	}
}

// attempt performs one connection-acquire + send/receive cycle, per spec
// §4.5 steps 5a-5c plus cookie extraction (step d), returning the live
// Response (body not yet drained) or reporting whether the failure is
// retry-eligible at all.
func (s *Session) attempt(ctx context.Context, req *Request, u *urlmodel.URL, st *requestState) (*Response, bool, error) {
	req.Headers.PopAll("Cookie")
	if ck := s.Cookies.GetCookieHeader(u); ck != "" {
		req.Headers.Set("Cookie", ck)
	}

	cfg := pool.Config{
		Origin:          u.Origin(),
		ServerHostname:  req.ServerHostname,
		HTTPVersions:    s.HTTPVersions,
		CACertsIdentity: s.CACertsID,
		TLSMinVersion:   s.TLSMinVersion,
		TLSMaxVersion:   s.TLSMaxVersion,
	}

	txn, err := s.Manager.Acquire(ctx, cfg, s.ConnectTimeout, nil)
	if err != nil {
		return nil, st.retryState.CanRetryMethod(req.Method, 0, true), err
	}

	wireReq := &h1.Request{
		Method:  req.Method,
		Target:  u.Target(),
		Host:    u.HostHeader(),
		Headers: req.Headers,
	}

	var producer h1.BodyProducer = newBodyProducer(req.Data)
	if isChunkedTransferEncoding(req.Headers) {
		producer = newChunkedBodyProducer(producer)
	}
	transaction := h1.NewTransaction(txn.Socket)
	resp, err := transaction.SendRequest(ctx, wireReq, producer, s.ReadTimeout)
	if err != nil {
		s.Manager.Discard(txn.Socket)
		return nil, st.retryState.CanRetryMethod(req.Method, 0, true), err
	}

	bodyStream := transaction.ReceiveBody(ctx, producer, s.ReadTimeout)

	s.Cookies.ExtractCookiesToJar(u, resp.Headers.GetAll("Set-Cookie"))

	// A response carrying Connection: close (or sent as HTTP/1.0) leaves a
	// socket that is closed rather than returned to the pool.
	closeAfter := resp.Version == "HTTP/1.0"
	for _, v := range resp.Headers.GetAll("Connection") {
		if strings.EqualFold(strings.TrimSpace(v), "close") {
			closeAfter = true
		}
	}

	pubResp := &Response{
		Status: resp.Status, Version: resp.Version, Headers: resp.Headers, Request: req,
		body:          bodyStream,
		informational: resp.Information,
		release: func(reuse bool) {
			if reuse && !closeAfter {
				s.Manager.Release(txn.Key, txn.Socket)
			} else {
				s.Manager.Discard(txn.Socket)
			}
		},
	}

	st.retryState.ResetCounter()
	return pubResp, false, nil
}

// handleResponse implements spec §4.5 steps 5e-5g. A non-nil final
// return means the lifecycle loop is done; otherwise redirectReq/
// redirectURL describe the next iteration's request.
func (s *Session) handleResponse(req *Request, u *urlmodel.URL, resp *Response, st *requestState) (final *Response, redirectReq *Request, redirectURL *urlmodel.URL, err error) {
	for _, info := range resp.informational {
		st.history = append(st.history, &Response{Status: info.Status, Headers: info.Headers, Request: req})
	}
	resp.informational = nil

	if !(s.RedirectsEnabled && resp.IsRedirect()) {
		resp.History = st.history
		return resp, nil, nil, nil
	}

	if st.redirectsRemaining == 0 && s.MaxRedirects >= 0 {
		resp.Close()
		return nil, nil, nil, errs.New(errs.TooManyRedirects, fmt.Sprintf("exceeded %d redirects", s.MaxRedirects), nil)
	}
	if s.MaxRedirects >= 0 {
		st.redirectsRemaining--
	}

	st.history = append(st.history, &Response{Status: resp.Status, Version: resp.Version, Headers: resp.Headers.Clone(), Request: req})
	resp.Close()

	location, _ := resp.Headers.GetOne("Location")
	nextURL, perr := u.Join(location)
	if perr != nil {
		return nil, nil, nil, errs.New(errs.LocalProtocol, fmt.Sprintf("invalid redirect Location %q", location), perr)
	}

	nextMethod := req.Method
	if (resp.Status == 301 || resp.Status == 302 || resp.Status == 303) && req.Method == http.MethodPost {
		nextMethod = http.MethodGet
	}

	nextHeaders := req.Headers.Clone()
	nextHeaders.PopAll("Host")
	nextHeaders.PopAll("Cookie")
	if nextMethod != req.Method {
		nextHeaders.PopAll("Content-Length")
		nextHeaders.PopAll("Transfer-Encoding")
		nextHeaders.PopAll("Content-Type")
	}
	if !urlmodel.SameOriginForRedirect(u, nextURL) {
		nextHeaders.PopAll("Authorization")
	}

	nextData := req.Data
	if nextMethod != req.Method {
		nextData = reqdata.Empty{}
	}

	nextReq := &Request{
		Method:         nextMethod,
		URL:            nextURL.String(),
		Headers:        nextHeaders,
		Data:           nextData,
		ServerHostname: req.ServerHostname,
	}
	nextHeaders.Set("Host", nextURL.HostHeader())
	frameBody(nextHeaders, nextData)

	key := nextURL.String()
	if _, seen := st.visited[key]; seen {
		return nil, nil, nil, errs.New(errs.RedirectLoop, fmt.Sprintf("redirect loop: %s", strings.Join(append(st.trail, key), " -> ")), nil)
	}
	st.visited[key] = struct{}{}
	st.trail = append(st.trail, key)

	return nil, nextReq, nextURL, nil
}

// classifyCategory maps a low-level error to the retry.Category its
// Increment call should charge.
func classifyCategory(err error) retry.Category {
	if e, ok := err.(*errs.Error); ok {
		switch e.Kind {
		case errs.ConnectTimeout, errs.NameResolution, errs.TLS, errs.Certificate, errs.TLSVersionNotSupported:
			return retry.CategoryConnect
		case errs.ReadTimeout:
			return retry.CategoryRead
		}
	}
	return retry.CategoryResponse
}

// frameBody implements spec §4.5 step 4: Content-Length when known,
// Transfer-Encoding: chunked when not, and Content-Type from the
// RequestData variant when the caller hasn't already set one.
func frameBody(h *headers.Headers, data reqdata.RequestData) {
	if !h.Has("Transfer-Encoding") && !h.Has("Content-Length") {
		if n, ok := data.ContentLength(); ok {
			h.Set("Content-Length", strconv.FormatInt(n, 10))
		} else {
			h.Set("Transfer-Encoding", "chunked")
		}
	}
	if !h.Has("Content-Type") {
		if ct := data.ContentType(); ct != "" {
			h.Set("Content-Type", ct)
		}
	}
}

// isChunkedTransferEncoding reports whether frameBody set (or the caller
// set) Transfer-Encoding: chunked on h.
func isChunkedTransferEncoding(h *headers.Headers) bool {
	te, ok := h.GetOne("Transfer-Encoding")
	return ok && strings.EqualFold(strings.TrimSpace(te), "chunked")
}

// chunkedBodyProducer frames an underlying BodyProducer's output as
// HTTP/1.1 chunked transfer-coding (RFC 7230 §4.1: hex chunk-size, CRLF,
// chunk data, CRLF, repeated, terminated by the zero-length chunk
// "0\r\n\r\n"). h1.Transaction's send path writes whatever a BodyProducer
// returns verbatim onto the wire, so any request using
// Transfer-Encoding: chunked (an unknown-length RequestData, per
// frameBody) must be framed here before the bytes reach SendAll.
type chunkedBodyProducer struct {
	inner    h1.BodyProducer
	finished bool
}

func newChunkedBodyProducer(inner h1.BodyProducer) *chunkedBodyProducer {
	return &chunkedBodyProducer{inner: inner}
}

func (c *chunkedBodyProducer) Next() ([]byte, error) {
	if c.finished {
		return nil, nil
	}
	chunk, err := c.inner.Next()
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		c.finished = true
		return []byte("0\r\n\r\n"), nil
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x\r\n", len(chunk))
	b.Write(chunk)
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

// bodyProducer adapts a reqdata.RequestData's io.Reader to h1.BodyProducer.
type bodyProducer struct {
	r    io.Reader
	done bool
}

func newBodyProducer(data reqdata.RequestData) *bodyProducer {
	return &bodyProducer{r: data.Reader()}
}

func (b *bodyProducer) Next() ([]byte, error) {
	if b.done {
		return nil, nil
	}
	buf := make([]byte, 32*1024)
	n, err := b.r.Read(buf)
	if n > 0 {
		if err == io.EOF {
			b.done = true
		}
		return buf[:n], nil
	}
	if err == io.EOF {
		b.done = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}
