package h1

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nexusflow/httpflux/errs"
	"github.com/nexusflow/httpflux/headers"
)

// EventKind distinguishes the inbound parser events spec §4.4 names.
type EventKind int

const (
	EventNone EventKind = iota
	EventInformationalResponse
	EventResponse
	EventData
	EventEndOfMessage
)

// Event is one inbound parser event.
type Event struct {
	Kind    EventKind
	Status  int
	Reason  string
	Version string
	Headers *headers.Headers
	Data    []byte
}

type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeContentLength
	bodyModeChunked
	bodyModeUntilClose
)

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkTrailer
	stateDone
)

// ResponseParser incrementally parses inbound bytes into the event
// sequence spec §4.4 names: zero or more InformationalResponse, one
// Response, zero or more Data, then EndOfMessage. It is sans-I/O: Feed
// appends bytes, NextEvent drains whatever is now parseable.
type ResponseParser struct {
	buf   bytes.Buffer
	state parseState

	headMethod string // the request method, for HEAD/no-body rules.

	mode          bodyMode
	contentLength int64
	chunkRemain   int64
	closeAfter    bool // Connection: close was seen on the final response.

	pendingStatus  int
	pendingVersion string
	pendingReason  string
	pendingEOM     bool
}

// NewResponseParser constructs a parser for the response to a request
// made with headMethod (affects whether a body is expected at all).
func NewResponseParser(headMethod string) *ResponseParser {
	return &ResponseParser{state: stateStatusLine, headMethod: strings.ToUpper(headMethod)}
}

// CloseAfter reports whether the most recently parsed final response
// carried Connection: close, meaning the socket must not be reused (spec
// §4.4 "receive_response_data... if that fails... the socket is
// forcefully closed instead").
func (p *ResponseParser) CloseAfter() bool { return p.closeAfter }

// Feed appends inbound bytes to the parser's buffer.
func (p *ResponseParser) Feed(b []byte) { p.buf.Write(b) }

// NextEvent returns the next fully-parsed event, or (Event{Kind:
// EventNone}, nil) when more bytes are needed.
func (p *ResponseParser) NextEvent() (Event, error) {
	switch p.state {
	case stateStatusLine:
		return p.parseStatusLine()
	case stateHeaders:
		return p.parseHeaders()
	case stateBody:
		return p.parseContentLengthBody()
	case stateChunkSize:
		return p.parseChunkSize()
	case stateChunkData:
		return p.parseChunkData()
	case stateChunkTrailer:
		return p.parseChunkTrailer()
	case stateDone:
		if p.pendingEOM {
			p.pendingEOM = false
			return Event{Kind: EventEndOfMessage}, nil
		}
		return Event{}, nil
	default:
		return Event{}, nil
	}
}

// Reset prepares the parser for a new response on the same connection,
// after EndOfMessage, for pipelined/keep-alive reuse (the socket itself
// also moves through the pool's liveness check before reuse).
func (p *ResponseParser) Reset(headMethod string) {
	p.state = stateStatusLine
	p.headMethod = strings.ToUpper(headMethod)
	p.mode = bodyModeNone
	p.contentLength = 0
	p.chunkRemain = 0
}

func (p *ResponseParser) findCRLF() (int, bool) {
	b := p.buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

func (p *ResponseParser) parseStatusLine() (Event, error) {
	idx, ok := p.findCRLF()
	if !ok {
		return Event{}, nil
	}
	line := p.buf.Next(idx + 2)
	line = line[:len(line)-2]

	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return Event{}, errs.New(errs.RemoteProtocol, fmt.Sprintf("malformed status line %q", line), nil)
	}
	version := parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return Event{}, errs.New(errs.RemoteProtocol, fmt.Sprintf("malformed status code %q", parts[1]), nil)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	p.pendingStatus = code
	p.pendingVersion = version
	p.pendingReason = reason
	p.state = stateHeaders
	return Event{}, nil
}

func (p *ResponseParser) parseHeaders() (Event, error) {
	h := headers.New()
	for {
		idx, ok := p.findCRLF()
		if !ok {
			return Event{}, nil
		}
		line := p.buf.Next(idx + 2)
		line = line[:len(line)-2]
		if len(line) == 0 {
			return p.finishHeaders(h)
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return Event{}, errs.New(errs.RemoteProtocol, fmt.Sprintf("malformed header line %q", line), nil)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func (p *ResponseParser) finishHeaders(h *headers.Headers) (Event, error) {
	status := p.pendingStatus
	version := p.pendingVersion
	reason := p.pendingReason

	if status >= 100 && status < 200 {
		p.state = stateStatusLine
		return Event{Kind: EventInformationalResponse, Status: status, Reason: reason, Version: version, Headers: h}, nil
	}

	p.closeAfter = connectionClose(h, version)
	p.mode, p.contentLength = determineBodyMode(h, status, p.headMethod)
	switch p.mode {
	case bodyModeChunked:
		p.state = stateChunkSize
	case bodyModeContentLength:
		if p.contentLength == 0 {
			p.state = stateDone
			p.pendingEOM = true
		} else {
			p.state = stateBody
		}
	case bodyModeUntilClose:
		p.state = stateBody
	case bodyModeNone:
		p.state = stateDone
		p.pendingEOM = true
	}

	return Event{Kind: EventResponse, Status: status, Reason: reason, Version: version, Headers: h}, nil
}

func connectionClose(h *headers.Headers, version string) bool {
	for _, v := range h.GetAll("Connection") {
		if strings.EqualFold(strings.TrimSpace(v), "close") {
			return true
		}
	}
	return version == "HTTP/1.0"
}

// determineBodyMode implements RFC 7230 §3.3.3's framing precedence:
// 1xx/204/304/HEAD have no body; chunked Transfer-Encoding wins over
// Content-Length; otherwise Content-Length; otherwise read-until-close.
func determineBodyMode(h *headers.Headers, status int, method string) (bodyMode, int64) {
	if method == "HEAD" || status == 204 || status == 304 {
		return bodyModeNone, 0
	}
	if te, ok := h.GetOne("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return bodyModeChunked, 0
	}
	if cl, ok := h.GetOne("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return bodyModeUntilClose, 0
		}
		if n == 0 {
			return bodyModeNone, 0
		}
		return bodyModeContentLength, n
	}
	return bodyModeUntilClose, 0
}

func (p *ResponseParser) parseContentLengthBody() (Event, error) {
	avail := p.buf.Len()
	if p.mode == bodyModeUntilClose {
		if avail == 0 {
			return Event{}, nil
		}
		data := make([]byte, avail)
		_, _ = p.buf.Read(data)
		return Event{Kind: EventData, Data: data}, nil
	}
	if avail == 0 {
		return Event{}, nil
	}
	take := avail
	if int64(take) > p.contentLength {
		take = int(p.contentLength)
	}
	data := make([]byte, take)
	_, _ = p.buf.Read(data)
	p.contentLength -= int64(take)
	if p.contentLength == 0 {
		p.state = stateDone
		p.pendingEOM = true
	}
	return Event{Kind: EventData, Data: data}, nil
}

// untilCloseEOF is called by the Transaction when the socket reports EOF
// while a read-until-close body is in progress (no Content-Length and no
// chunked framing: end-of-connection is the only terminator, RFC 7230
// §3.3.3 rule 7).
func (p *ResponseParser) untilCloseEOF() (Event, error) {
	if p.mode != bodyModeUntilClose || p.state != stateBody {
		return Event{}, io.ErrUnexpectedEOF
	}
	p.state = stateDone
	return Event{Kind: EventEndOfMessage}, nil
}

func (p *ResponseParser) parseChunkSize() (Event, error) {
	idx, ok := p.findCRLF()
	if !ok {
		return Event{}, nil
	}
	line := p.buf.Next(idx + 2)
	line = line[:len(line)-2]
	sizeStr := string(line)
	if semi := strings.IndexByte(sizeStr, ';'); semi >= 0 {
		sizeStr = sizeStr[:semi]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return Event{}, errs.New(errs.RemoteProtocol, fmt.Sprintf("malformed chunk size %q", sizeStr), nil)
	}
	if size == 0 {
		p.state = stateChunkTrailer
		return p.parseChunkTrailer()
	}
	p.chunkRemain = size
	p.state = stateChunkData
	return p.parseChunkData()
}

func (p *ResponseParser) parseChunkData() (Event, error) {
	avail := p.buf.Len()
	if avail == 0 {
		return Event{}, nil
	}
	take := avail
	if int64(take) > p.chunkRemain {
		take = int(p.chunkRemain)
	}
	if take > 0 {
		data := make([]byte, take)
		_, _ = p.buf.Read(data)
		p.chunkRemain -= int64(take)
		if p.chunkRemain == 0 {
			// Consume the trailing CRLF after this chunk's data, if
			// already available; otherwise wait for it next call.
			if idx, ok := p.findCRLF(); ok && idx == 0 {
				p.buf.Next(2)
				p.state = stateChunkSize
			}
		}
		return Event{Kind: EventData, Data: data}, nil
	}
	// chunkRemain was already 0: consume trailing CRLF then move on.
	if idx, ok := p.findCRLF(); ok && idx == 0 {
		p.buf.Next(2)
		p.state = stateChunkSize
	}
	return Event{}, nil
}

func (p *ResponseParser) parseChunkTrailer() (Event, error) {
	for {
		idx, ok := p.findCRLF()
		if !ok {
			return Event{}, nil
		}
		line := p.buf.Next(idx + 2)
		if len(line) == 2 {
			p.state = stateDone
			return Event{Kind: EventEndOfMessage}, nil
		}
		// Trailer header lines are parsed but discarded; spec §4.4 does
		// not surface trailers to the session layer.
	}
}

// Done reports whether the response has reached EndOfMessage.
func (p *ResponseParser) Done() bool { return p.state == stateDone }
