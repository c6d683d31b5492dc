package retry

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/httpflux/errs"
)

func TestIncrementExhaustsBudget(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Increment(CategoryConnect, nil))
	err := p.Increment(CategoryConnect, errors.New("boom"))
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.TooManyRetries, e.Kind)
}

func TestIncrementPerCategoryBudget(t *testing.T) {
	p := New(10, WithCategoryBudgets(0, 10, 10))
	err := p.Increment(CategoryConnect, nil)
	require.Error(t, err)
}

func TestCloneResetsCounterNotBudget(t *testing.T) {
	p := New(2)
	require.NoError(t, p.Increment(CategoryRead, nil))
	clone := p.Clone()
	assert.Equal(t, 0, clone.counter)
	assert.Equal(t, p.total, clone.total)
}

func TestCanRetryMethod(t *testing.T) {
	p := New(3)
	assert.True(t, p.CanRetryMethod(http.MethodGet, 0, false))
	assert.False(t, p.CanRetryMethod(http.MethodPost, 0, false))
	assert.True(t, p.CanRetryMethod(http.MethodPost, 0, true))
	assert.True(t, p.CanRetryMethod(http.MethodPost, 429, false))
	assert.False(t, p.CanRetryMethod(http.MethodPost, 500, false))
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := New(10, WithJitterFactor(0), WithMaxBackoff(1*time.Second))
	assert.Equal(t, time.Duration(0), p.backoffDelay())

	p.counter = 1
	assert.Equal(t, 500*time.Millisecond, p.backoffDelay())

	p.counter = 10
	assert.Equal(t, 1*time.Second, p.backoffDelay())
}

func TestRetryAfterDeltaSeconds(t *testing.T) {
	p := New(10)
	assert.Equal(t, 5*time.Second, p.retryAfterDelay("5"))
}

func TestRetryAfterHTTPDate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(10, WithClock(clock))
	future := clock.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := p.retryAfterDelay(future)
	assert.InDelta(t, 30*time.Second, d, float64(time.Second))
}

func TestRetryAfterCapped(t *testing.T) {
	p := New(10, WithMaxRetryAfter(10*time.Second))
	assert.Equal(t, 10*time.Second, p.retryAfterDelay("3600"))
}

func TestRetryAfterUnparseableIsZero(t *testing.T) {
	p := New(10)
	assert.Equal(t, time.Duration(0), p.retryAfterDelay("not-a-date"))
}

func TestDelayBeforeNextRequestTakesMax(t *testing.T) {
	p := New(10, WithJitterFactor(0))
	p.counter = 1 // 500ms backoff
	d := p.DelayBeforeNextRequest("10")
	assert.Equal(t, 10*time.Second, d)
}

func TestSleepUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(10, WithClock(clock))
	done := make(chan struct{})
	go func() {
		p.Sleep(5 * time.Second)
		close(done)
	}()
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	<-done
}
