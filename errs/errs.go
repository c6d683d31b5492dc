// Package errs defines the error taxonomy shared by every httpflux
// subsystem: one Kind per failure mode named in the design, carrying an
// optional wrapped cause and back-pointers to the Request/Response that
// were in flight when it surfaced.
package errs

import (
	"fmt"
)

// Kind categorizes a failure the way the session loop needs to decide
// whether it is retriable.
type Kind uint8

const (
	// LocalProtocol means the client itself violated HTTP grammar. Fatal.
	LocalProtocol Kind = iota
	// RemoteProtocol means the peer violated HTTP grammar. Retried only
	// when the retry policy judges the failure safe.
	RemoteProtocol
	// ReadTimeout means the read-idle timer exceeded its budget.
	ReadTimeout
	// ConnectTimeout means the connect attempt exceeded its budget.
	ConnectTimeout
	// NameResolution means DNS failed.
	NameResolution
	// TLS is a generic TLS failure.
	TLS
	// Certificate means verification failed; see Sub for the reason.
	Certificate
	// TLSVersionNotSupported means the handshake found no common version.
	TLSVersionNotSupported
	// RedirectLoop means a redirect target was already visited this request.
	RedirectLoop
	// TooManyRedirects means the redirect budget hit zero.
	TooManyRedirects
	// TooManyRetries means the retry policy's counters were exhausted.
	TooManyRetries
	// UnrewindableBody means a retry needed to replay a one-shot body.
	UnrewindableBody
	// CannotRetryUnsafe means the method/status combination forbids retry.
	CannotRetryUnsafe
)

func (k Kind) String() string {
	switch k {
	case LocalProtocol:
		return "LocalProtocolError"
	case RemoteProtocol:
		return "RemoteProtocolError"
	case ReadTimeout:
		return "ReadTimeout"
	case ConnectTimeout:
		return "ConnectTimeout"
	case NameResolution:
		return "NameResolutionError"
	case TLS:
		return "TLSError"
	case Certificate:
		return "CertificateError"
	case TLSVersionNotSupported:
		return "TLSVersionNotSupported"
	case RedirectLoop:
		return "RedirectLoopDetected"
	case TooManyRedirects:
		return "TooManyRedirects"
	case TooManyRetries:
		return "TooManyRetries"
	case UnrewindableBody:
		return "UnrewindableBodyError"
	case CannotRetryUnsafe:
		return "CannotRetryUnsafeRequest"
	default:
		return "Error"
	}
}

// Sub refines Certificate into the four subkinds spec §7 names.
type Sub uint8

const (
	// SubNone is used by kinds other than Certificate.
	SubNone Sub = iota
	SubHostnameMismatch
	SubSelfSigned
	SubExpired
	SubFingerprintMismatch
)

func (s Sub) String() string {
	switch s {
	case SubHostnameMismatch:
		return "HostnameMismatch"
	case SubSelfSigned:
		return "SelfSigned"
	case SubExpired:
		return "Expired"
	case SubFingerprintMismatch:
		return "FingerprintMismatch"
	default:
		return ""
	}
}

// Request and Response are narrow interfaces instead of the concrete
// session types, so this package never imports session/h1 and stays a
// leaf dependency every other package can import.
type Request interface{ RequestSummary() string }
type Response interface{ ResponseSummary() string }

// Error is the concrete error type every httpflux failure is wrapped in.
type Error struct {
	Kind    Kind
	Sub     Sub
	Message string
	Cause   error
	Req     Request
	Resp    Response
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewSub(kind Kind, sub Sub, message string, cause error) *Error {
	return &Error{Kind: kind, Sub: sub, Message: message, Cause: cause}
}

// WithRequest returns a copy of e carrying req, unless one is already set.
func (e *Error) WithRequest(req Request) *Error {
	if e.Req != nil || req == nil {
		return e
	}
	n := *e
	n.Req = req
	return &n
}

// WithResponse returns a copy of e carrying resp, unless one is already set.
func (e *Error) WithResponse(resp Response) *Error {
	if e.Resp != nil || resp == nil {
		return e
	}
	n := *e
	n.Resp = resp
	return &n
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Sub != SubNone {
		msg += "/" + e.Sub.String()
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.Of(errs.LocalProtocol)) work by comparing
// Kind (and Sub, when the target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Cause != nil {
		return false
	}
	return e.Kind == t.Kind && (t.Sub == SubNone || e.Sub == t.Sub)
}

// Enrich attaches req (always, if absent) and resp (if present and
// absent), mirroring spec §4.5's "enriched at the session loop boundary"
// rule. It is a no-op if err is not an *Error.
func Enrich(err error, req Request, resp Response) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	return e.WithRequest(req).WithResponse(resp)
}

// Sentinels for errors.Is comparisons against a bare Kind, e.g.
// errors.Is(err, errs.LocalProtocol) will not work directly since Kind is
// not an error; use errs.Of(kind) for that purpose.
func Of(kind Kind) *Error { return &Error{Kind: kind} }
