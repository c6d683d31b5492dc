// Package retry implements the retry policy of spec §4.7: per-category
// counters, exponential backoff with jitter, and Retry-After parsing.
// Time is obtained through a jonboulle/clockwork.Clock so tests can
// fast-forward backoff deterministically instead of sleeping.
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nexusflow/httpflux/errs"
)

// Category names the counters spec §4.7's increment() decrements.
type Category int

const (
	CategoryConnect Category = iota
	CategoryRead
	CategoryResponse
)

// defaultForcedRetryStatus is spec §4.7's "default {413, 429, 503}".
var defaultForcedRetryStatus = map[int]struct{}{413: {}, 429: {}, 503: {}}

var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// Policy is one request's (cloned, per spec §4.5) retry state.
type Policy struct {
	clock clockwork.Clock

	total, connect, read, response int

	backoffFactor float64
	jitterFactor  float64
	maxBackoff    time.Duration
	maxRetryAfter time.Duration

	forcedRetryStatus map[int]struct{}

	counter int // consecutive retries since the last success/redirect.

	rand *rand.Rand
}

// Option configures a Policy template at Session-construction time.
type Option func(*Policy)

func WithClock(c clockwork.Clock) Option { return func(p *Policy) { p.clock = c } }
func WithBackoffFactor(f float64) Option { return func(p *Policy) { p.backoffFactor = f } }
func WithJitterFactor(f float64) Option  { return func(p *Policy) { p.jitterFactor = f } }
func WithMaxBackoff(d time.Duration) Option {
	return func(p *Policy) { p.maxBackoff = d }
}
func WithMaxRetryAfter(d time.Duration) Option {
	return func(p *Policy) { p.maxRetryAfter = d }
}
func WithForcedRetryStatus(statuses []int) Option {
	return func(p *Policy) {
		m := make(map[int]struct{}, len(statuses))
		for _, s := range statuses {
			m[s] = struct{}{}
		}
		p.forcedRetryStatus = m
	}
}

// New builds a Policy template with total retries set to max (the
// category counters default to the same budget; callers needing
// independent per-category budgets should use WithCategoryBudgets).
func New(total int, opts ...Option) *Policy {
	p := &Policy{
		total: total, connect: total, read: total, response: total,
		backoffFactor:     0.5,
		jitterFactor:      0.25,
		maxBackoff:        120 * time.Second,
		maxRetryAfter:     300 * time.Second,
		forcedRetryStatus: defaultForcedRetryStatus,
		clock:             clockwork.NewRealClock(),
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// WithCategoryBudgets overrides the three category counters independently.
func WithCategoryBudgets(connect, read, response int) Option {
	return func(p *Policy) { p.connect = connect; p.read = read; p.response = response }
}

// Clone returns a fresh, independent copy for one request's lifecycle
// (spec §4.5: "a cloned Retry" per request).
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.counter = 0
	return &cp
}

// Increment implements spec §4.7's increment(category, error): it
// decrements the category counter and total; if either drops below
// zero, it returns a TooManyRetries error instead of nil.
func (p *Policy) Increment(cat Category, cause error) error {
	p.total--
	switch cat {
	case CategoryConnect:
		p.connect--
	case CategoryRead:
		p.read--
	case CategoryResponse:
		p.response--
	}
	p.counter++
	if p.total < 0 || p.connect < 0 || p.read < 0 || p.response < 0 {
		return errs.New(errs.TooManyRetries, "retry budget exhausted", cause)
	}
	return nil
}

// ResetCounter clears the consecutive-retry counter on a successful
// response or a followed redirect (spec §3's "live backoff counter reset
// on successful redirect follow").
func (p *Policy) ResetCounter() { p.counter = 0 }

// CanRetryMethod implements spec §4.7's idempotent/forced-status split:
// idempotent methods are retriable by default; non-idempotent methods
// are retried only when status is in the forced set, or when
// beforeServerRead reports the failure provably happened before the
// server could have read the request.
func (p *Policy) CanRetryMethod(method string, status int, beforeServerRead bool) bool {
	if _, ok := idempotentMethods[strings.ToUpper(method)]; ok {
		return true
	}
	if status != 0 {
		_, forced := p.forcedRetryStatus[status]
		return forced
	}
	return beforeServerRead
}

// IsForcedRetryStatus reports whether status is in the policy's forced
// retry set (spec §4.7's default {413, 429, 503}, overridable via
// WithForcedRetryStatus) — the status-based trigger a session loop
// checks before consulting CanRetryMethod.
func (p *Policy) IsForcedRetryStatus(status int) bool {
	_, ok := p.forcedRetryStatus[status]
	return ok
}

// DelayBeforeNextRequest implements spec §4.7's
// delay_before_next_request: max(backoff_delay, retry_after_delay).
func (p *Policy) DelayBeforeNextRequest(retryAfterHeader string) time.Duration {
	backoff := p.backoffDelay()
	retryAfter := p.retryAfterDelay(retryAfterHeader)
	if retryAfter > backoff {
		return retryAfter
	}
	return backoff
}

// backoffDelay computes min(max_backoff, backoff_factor * 2^(counter-1) * jitter).
func (p *Policy) backoffDelay() time.Duration {
	if p.counter <= 0 {
		return 0
	}
	exp := math.Pow(2, float64(p.counter-1))
	jitter := (1 - p.jitterFactor) + p.rand.Float64()*p.jitterFactor
	secs := p.backoffFactor * exp * jitter
	d := time.Duration(secs * float64(time.Second))
	if d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

// retryAfterDelay parses Retry-After as either delta-seconds or an
// HTTP-date (RFC 7231 §7.1.3), defaulting to 0 when unparseable, capped
// at max_retry_after.
func (p *Policy) retryAfterDelay(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		d := time.Duration(secs) * time.Second
		if d < 0 {
			d = 0
		}
		if d > p.maxRetryAfter {
			return p.maxRetryAfter
		}
		return d
	}
	if t, err := http.ParseTime(header); err == nil {
		d := t.Sub(p.clock.Now())
		if d < 0 {
			d = 0
		}
		if d > p.maxRetryAfter {
			return p.maxRetryAfter
		}
		return d
	}
	return 0
}

// Sleep waits out d on the policy's clock, honoring nothing cancellable;
// callers that need cancellation wrap this with context in the session
// loop (spec §5: "cooperative sleep during backoff" is a suspension
// point owned by the caller, not the policy).
func (p *Policy) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	p.clock.Sleep(d)
}
