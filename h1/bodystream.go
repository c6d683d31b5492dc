package h1

import (
	"context"
	"io"
	"time"

	"github.com/nexusflow/httpflux/wire"
)

// BodyStream implements stream.Source over a Transaction's response body:
// each Next() call pumps the socket until at least one Data event (or
// EndOfMessage) is parsed, while still flushing any request body bytes
// that hadn't finished uploading when the response headers arrived
// (spec §4.4's receive_response_data continuing to drive produce/consume
// together until the message ends).
type BodyStream struct {
	ctx         context.Context
	t           *Transaction
	body        BodyProducer
	readTimeout time.Duration
	bodyDone    bool
	eof         bool
}

func newBodyStream(ctx context.Context, t *Transaction, body BodyProducer, readTimeout time.Duration) *BodyStream {
	return &BodyStream{ctx: ctx, t: t, body: body, readTimeout: readTimeout}
}

// Next returns the next batch of response-body bytes, or io.EOF once
// EndOfMessage has been parsed.
func (bs *BodyStream) Next() ([]byte, error) {
	if bs.eof {
		return nil, io.EOF
	}
	defer func() {
		// Once the response has ended, send whatever request body is still
		// pending, no longer interleaved with reads; a failed upload leaves
		// the socket closed so it is not pooled.
		for bs.eof && !bs.bodyDone {
			chunk, err := bs.body.Next()
			if err == nil && chunk == nil {
				bs.bodyDone = true
			} else if err != nil || bs.t.socket.SendAll(bs.ctx, chunk) != nil {
				bs.bodyDone = true
				_ = bs.t.socket.ForcefulClose()
			}
		}
	}()

	// Drain whatever the parser can already produce from bytes buffered
	// during SendRequest's header read (a zero-length body resolves to
	// EndOfMessage the instant headers finish parsing, and body bytes
	// can arrive in the very same read as the headers) before waiting on
	// the socket for more; otherwise a body with no further bytes coming
	// would block until the read-idle timer instead of returning
	// immediately.
	if drained, done, err := bs.drainBuffered(); err != nil {
		return nil, err
	} else if done {
		bs.eof = true
		bs.t.state = StateDone
		if len(drained) > 0 {
			return drained, nil
		}
		return nil, io.EOF
	} else if len(drained) > 0 {
		return drained, nil
	}

	var out []byte

	produce := func() ([]byte, error) {
		if bs.bodyDone {
			return nil, wire.ErrBlockedUntilNextRead
		}
		chunk, err := bs.body.Next()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			bs.bodyDone = true
			return nil, wire.ErrBlockedUntilNextRead
		}
		return chunk, nil
	}

	consume := func(b []byte) error {
		bs.t.parser.Feed(b)
		for {
			ev, err := bs.t.parser.NextEvent()
			if err != nil {
				return err
			}
			switch ev.Kind {
			case EventNone:
				return nil
			case EventData:
				out = append(out, ev.Data...)
			case EventEndOfMessage:
				bs.eof = true
				bs.t.state = StateDone
				return wire.ErrAbort
			}
			if bs.eof {
				return wire.ErrAbort
			}
			if len(out) > 0 {
				// Stop pumping once there is something to return; events
				// still buffered in the parser are picked up by the next
				// Next call's drainBuffered.
				return wire.ErrAbort
			}
		}
	}

	err := bs.t.socket.SendAndReceiveForAWhile(bs.ctx, produce, consume, bs.readTimeout)
	if err != nil {
		if err == io.EOF {
			// Peer closed the connection: the only valid interpretation
			// is the read-until-close body terminator (RFC 7230 §3.3.3
			// rule 7); any other body mode treats this as a truncated
			// message.
			ev, everr := bs.t.parser.untilCloseEOF()
			if everr == nil && ev.Kind == EventEndOfMessage {
				bs.eof = true
				bs.t.state = StateDone
				if len(out) > 0 {
					return out, nil
				}
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if bs.eof {
		if len(out) > 0 {
			return out, nil
		}
		return nil, io.EOF
	}

	return out, nil
}

// Done reports whether the response body has been fully drained.
func (bs *BodyStream) Done() bool { return bs.eof }

// drainBuffered pulls every event the parser can already produce from
// bytes already sitting in its buffer, without touching the socket.
func (bs *BodyStream) drainBuffered() (data []byte, done bool, err error) {
	for {
		ev, everr := bs.t.parser.NextEvent()
		if everr != nil {
			return data, false, everr
		}
		switch ev.Kind {
		case EventNone:
			return data, false, nil
		case EventData:
			data = append(data, ev.Data...)
		case EventEndOfMessage:
			return data, true, nil
		}
	}
}
