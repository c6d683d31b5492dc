// Package h1 implements the HTTP/1.1 transaction engine of spec §4.4: a
// sans-I/O state machine (CLIENT role) driven by wire.Socket's combined
// send/receive pump, including the 100-continue gate and the
// produce/consume callbacks that interleave request-body upload with
// response-body download.
package h1

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexusflow/httpflux/errs"
	"github.com/nexusflow/httpflux/headers"
	"github.com/nexusflow/httpflux/wire"
)

// State names the wire protocol states of spec §4.4's summary table.
type State int

const (
	StateIdle State = iota
	StateSendHeaders
	StateSendBody
	StateAwaitResponse
	StateRecvBody
	StateDone
)

// Request is the wire-level request: method, request-target, and
// headers in the exact order they are to be serialized (Host first,
// spec §4.4 step 1).
type Request struct {
	Method  string
	Target  string
	Host    string
	Headers *headers.Headers
}

// BodyProducer supplies the outbound request body, one chunk at a time.
// Next returns (nil, nil) when the body is exhausted.
type BodyProducer interface {
	Next() ([]byte, error)
}

// Response is the parsed response metadata (the body is streamed
// separately via ReceiveBody).
type Response struct {
	Status      int
	Reason      string
	Version     string
	Headers     *headers.Headers
	Information []Informational
}

// Informational is one collected 1xx response (spec §3 "Response"'s
// history of informational responses).
type Informational struct {
	Status  int
	Headers *headers.Headers
}

// Transaction runs one request/response exchange over a borrowed Socket,
// per spec §4.4.
type Transaction struct {
	socket wire.Socket
	state  State

	expectContinue bool
	continueGate   bool // true while SEND_BODY is suspended awaiting 100/any response.

	parser *ResponseParser
}

// NewTransaction binds a Transaction to sock, ready to SendRequest.
func NewTransaction(sock wire.Socket) *Transaction {
	return &Transaction{socket: sock, state: StateIdle}
}

// State returns the transaction's current protocol state.
func (t *Transaction) State() State { return t.state }

// serialize renders req's opening line and headers, per spec §4.4 step 1:
// Host first (required), all other headers in insertion order, nil
// values dropped (the Headers container never stores a nil value, so
// this is naturally satisfied), names/values as bytes.
func serialize(req *Request) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Target)
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	for _, item := range req.Headers.Items() {
		if strings.EqualFold(item.Name, "Host") {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", item.Name, item.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// SendRequest performs spec §4.4's send_request: serialize and flush the
// opening event, then pump produce/consume until the Response event
// arrives (at which point the pump raises Abort and returns the parsed
// Response; the body is drained afterward via ReceiveBody).
func (t *Transaction) SendRequest(ctx context.Context, req *Request, body BodyProducer, readTimeout time.Duration) (*Response, error) {
	t.state = StateSendHeaders
	t.parser = NewResponseParser(req.Method)

	if exp, ok := req.Headers.GetOne("Expect"); ok && strings.EqualFold(strings.TrimSpace(exp), "100-continue") {
		t.expectContinue = true
		t.continueGate = true
	}

	opening := serialize(req)
	if err := t.socket.SendAll(ctx, opening); err != nil {
		return nil, errs.New(errs.LocalProtocol, "sending request headers", err)
	}
	t.state = StateSendBody

	var result *Response
	var informational []Informational

	produce := func() ([]byte, error) {
		if t.expectContinue && t.continueGate {
			return nil, wire.ErrBlockedUntilNextRead
		}
		chunk, err := body.Next()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return nil, nil
		}
		return chunk, nil
	}

	consume := func(b []byte) error {
		t.parser.Feed(b)
		for {
			ev, err := t.parser.NextEvent()
			if err != nil {
				return err
			}
			switch ev.Kind {
			case EventNone:
				return nil
			case EventInformationalResponse:
				informational = append(informational, Informational{Status: ev.Status, Headers: ev.Headers})
				if ev.Status == 100 {
					t.continueGate = false
				}
			case EventResponse:
				if t.continueGate {
					// Any non-100 final response also clears the gate
					// and tells the client to stop uploading (spec
					// §4.4's 100-continue gate note).
					t.continueGate = false
				}
				t.state = StateAwaitResponse
				result = &Response{
					Status:      ev.Status,
					Reason:      ev.Reason,
					Version:     ev.Version,
					Headers:     ev.Headers,
					Information: informational,
				}
				return wire.ErrAbort
			default:
				// Data/EndOfMessage before a Response event would be a
				// parser bug; ignore defensively.
			}
		}
	}

	if err := t.socket.SendAndReceiveForAWhile(ctx, produce, consume, readTimeout); err != nil {
		return nil, errs.New(errs.RemoteProtocol, "waiting for response headers", err)
	}
	if result == nil {
		return nil, errs.New(errs.RemoteProtocol, "connection closed before response headers", nil)
	}
	t.state = StateRecvBody
	return result, nil
}

// ReceiveBody streams the response body, per spec §4.4's
// receive_response_data: draining Data events while continuing to
// upload any remaining request body, emitting io.EOF (the Go analogue of
// EndOfMessage) when the response ends. After response end, if the
// request body hadn't finished uploading, the rest is sent synchronously
// by the Next call that reaches the end.
func (t *Transaction) ReceiveBody(ctx context.Context, body BodyProducer, readTimeout time.Duration) *BodyStream {
	return newBodyStream(ctx, t, body, readTimeout)
}

// readyForReuse reports whether the parser reached EndOfMessage cleanly
// and the connection did not request close, i.e. whether the socket can
// go back to the pool (spec §4.4: "if that fails... the socket is
// forcefully closed instead of returned to the pool").
func (t *Transaction) readyForReuse() bool {
	return t.parser.Done() && !t.parser.CloseAfter()
}

// Socket exposes the borrowed socket so the caller (session/pool) can
// decide reuse vs. forceful close once the body is drained.
func (t *Transaction) Socket() wire.Socket { return t.socket }
