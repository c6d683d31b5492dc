package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct{ s string }

func (f fakeRequest) RequestSummary() string { return f.s }

type fakeResponse struct{ s string }

func (f fakeResponse) ResponseSummary() string { return f.s }

func TestIsComparesKind(t *testing.T) {
	err := New(ConnectTimeout, "dial tcp: timeout", nil)
	assert.True(t, errors.Is(err, Of(ConnectTimeout)))
	assert.False(t, errors.Is(err, Of(ReadTimeout)))
}

func TestIsComparesSubWhenTargetSetsIt(t *testing.T) {
	err := NewSub(Certificate, SubExpired, "cert expired", nil)
	assert.True(t, errors.Is(err, Of(Certificate)))
	assert.True(t, errors.Is(err, &Error{Kind: Certificate, Sub: SubExpired}))
	assert.False(t, errors.Is(err, &Error{Kind: Certificate, Sub: SubSelfSigned}))
}

func TestWithRequestDoesNotOverwriteExisting(t *testing.T) {
	err := New(RedirectLoop, "", nil).WithRequest(fakeRequest{"first"})
	got := err.WithRequest(fakeRequest{"second"})
	assert.Equal(t, "first", got.Req.RequestSummary())
}

func TestWithResponseSetsWhenAbsent(t *testing.T) {
	err := New(RemoteProtocol, "", nil)
	got := err.WithResponse(fakeResponse{"resp"})
	require.NotNil(t, got.Resp)
	assert.Equal(t, "resp", got.Resp.ResponseSummary())
	assert.Nil(t, err.Resp, "original Error must be untouched")
}

func TestEnrichIsNoOpForNonTaxonomyError(t *testing.T) {
	plain := errors.New("boom")
	got := Enrich(plain, fakeRequest{"r"}, fakeResponse{"p"})
	assert.Same(t, plain, got)
}

func TestEnrichAttachesBoth(t *testing.T) {
	err := New(TooManyRedirects, "", nil)
	got := Enrich(err, fakeRequest{"r"}, fakeResponse{"p"})
	var e *Error
	require.ErrorAs(t, got, &e)
	assert.Equal(t, "r", e.Req.RequestSummary())
	assert.Equal(t, "p", e.Resp.ResponseSummary())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New(LocalProtocol, "wrapped", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorStringIncludesSubAndCause(t *testing.T) {
	cause := errors.New("underlying")
	err := NewSub(Certificate, SubHostnameMismatch, "bad host", cause)
	s := err.Error()
	assert.Contains(t, s, "CertificateError/HostnameMismatch")
	assert.Contains(t, s, "bad host")
	assert.Contains(t, s, "underlying")
}
