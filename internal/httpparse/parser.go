package httpparse

import (
	"bytes"
	"strconv"
	"strings"
)

// MaxLineLength bounds how many bytes may be buffered while waiting for the
// end of a start line, header line or chunk-size line.
const MaxLineLength = 64 << 10

var responsePrefix = []byte("HTTP/")

// Handler receives parse events. A non-nil error aborts the current Flush
// and kills the parser.
//
// Body chunks alias the parser's buffer. They are never overwritten by later
// flushes but must not be modified.
type Handler interface {
	OnLineDone(m *Message) error
	OnHeadersDone(m *Message) error
	OnBodyChunk(m *Message, chunk []byte) error
	OnMessageDone(m *Message) error
}

// Parser is an incremental HTTP/1.x message parser. It is not safe for
// concurrent use.
type Parser struct {
	kind    Kind
	state   State
	handler Handler

	buf []byte
	msg Message

	chunkRemaining int64
	lastChunk      bool
	doneEmitted    bool
}

// New returns a parser for one message of the given kind.
func New(kind Kind, h Handler) *Parser {
	p := &Parser{kind: kind, handler: h, msg: newMessage()}
	switch kind {
	case Request:
		p.state = StateRequestLine
	case Response:
		p.state = StateStatusLine
	default:
		p.state = StateStart
	}
	return p
}

// State returns the current state.
func (p *Parser) State() State {
	return p.state
}

// Kind returns the message kind; for an Auto parser it is resolved once the
// start of the message has been seen.
func (p *Parser) Kind() Kind {
	return p.kind
}

// Message returns the message parsed so far.
func (p *Parser) Message() *Message {
	return &p.msg
}

// Buffered returns the number of bytes received but not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Flush feeds chunk to the parser and runs the state machine until it needs
// more data or reaches a terminal state.
//
// An empty chunk signals that the connection closed. That is fine while idle
// or after the message completed, and a *ParseError otherwise.
func (p *Parser) Flush(chunk []byte) error {
	if len(chunk) == 0 {
		if p.idle() || p.state == StateDead || p.state == StateMessageDone {
			return nil
		}
		return p.fail(newParseError(p.state, "connection closed with partial data"))
	}
	if p.state == StateDead {
		return newParseError(StateDead, "flush on dead parser")
	}

	p.buf = append(p.buf, chunk...)

	for {
		res, err := p.step()
		if err != nil {
			return p.fail(err)
		}
		if res != stepProgressed {
			return nil
		}
	}
}

func (p *Parser) idle() bool {
	switch p.state {
	case StateStart, StateRequestLine, StateStatusLine:
		return len(p.buf) == 0
	}
	return false
}

func (p *Parser) fail(err error) error {
	p.state = StateDead
	p.buf = nil
	return err
}

func (p *Parser) step() (stepResult, error) {
	switch p.state {
	case StateStart:
		return p.stepStart()
	case StateRequestLine:
		return p.stepRequestLine()
	case StateStatusLine:
		return p.stepStatusLine()
	case StateHeaderField:
		return p.stepHeaderField()
	case StateHeadersDone:
		return p.stepHeadersDone()
	case StateBodyWithLength:
		return p.stepBodyWithLength()
	case StateChunkBegin:
		return p.stepChunkBegin()
	case StateChunkData:
		return p.stepChunkData()
	case StateConnectPassthrough:
		return p.stepPassthrough()
	case StateMessageDone:
		return p.stepMessageDone()
	default:
		return stepDone, newParseError(p.state, "flush on dead parser")
	}
}

func (p *Parser) stepStart() (stepResult, error) {
	n := min(len(p.buf), len(responsePrefix))
	if !bytes.Equal(p.buf[:n], responsePrefix[:n]) {
		p.kind = Request
		p.state = StateRequestLine
		return stepProgressed, nil
	}
	if n < len(responsePrefix) {
		return stepNeedMore, nil
	}
	p.kind = Response
	p.state = StateStatusLine
	return stepProgressed, nil
}

func (p *Parser) stepRequestLine() (stepResult, error) {
	line, ok := p.readLine()
	if !ok {
		return p.needLine()
	}
	if len(line) == 0 {
		// Tolerate stray CRLFs ahead of the request line.
		return stepProgressed, nil
	}

	parts := strings.Split(string(line), " ")
	if len(parts) != 3 {
		return stepDone, newParseError(p.state, "request line has %d tokens", len(parts))
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return stepDone, newParseError(p.state, "request line has an empty token")
	}

	p.msg.Method = strings.ToUpper(parts[0])
	p.msg.Target = parts[1]
	p.msg.Version = parts[2]
	p.state = StateHeaderField
	return stepProgressed, p.handler.OnLineDone(&p.msg)
}

func (p *Parser) stepStatusLine() (stepResult, error) {
	line, ok := p.readLine()
	if !ok {
		return p.needLine()
	}

	// The reason phrase may itself contain spaces.
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return stepDone, newParseError(p.state, "status line has %d tokens", len(parts))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return stepDone, newParseError(p.state, "bad status code %q", parts[1])
	}

	p.msg.Version = parts[0]
	p.msg.StatusCode = code
	p.msg.Reason = parts[2]
	p.state = StateHeaderField
	return stepProgressed, p.handler.OnLineDone(&p.msg)
}

func (p *Parser) stepHeaderField() (stepResult, error) {
	line, ok := p.readLine()
	if !ok {
		return p.needLine()
	}
	if len(line) == 0 {
		p.state = StateHeadersDone
		return stepProgressed, nil
	}

	sep := bytes.IndexByte(line, ':')
	if sep < 0 {
		return stepDone, newParseError(p.state, "header line without colon")
	}
	key := strings.TrimSpace(string(line[:sep]))
	if key == "" {
		return stepDone, newParseError(p.state, "header line with empty name")
	}
	p.msg.Set(key, strings.TrimSpace(string(line[sep+1:])))
	return stepProgressed, nil
}

func (p *Parser) stepHeadersDone() (stepResult, error) {
	if err := p.handler.OnHeadersDone(&p.msg); err != nil {
		return stepDone, err
	}
	return stepProgressed, p.route()
}

// route picks the body framing once the headers are complete.
func (p *Parser) route() error {
	m := &p.msg

	if p.kind == Request && m.IsConnect() {
		p.state = StateConnectPassthrough
		return nil
	}

	if v, ok := m.Header["content-length"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return newParseError(p.state, "bad content-length %q", v)
		}
		m.ContentLength = n
		if n == 0 {
			p.state = StateMessageDone
		} else {
			p.state = StateBodyWithLength
		}
		return nil
	}

	if isChunked(m.Header["transfer-encoding"]) {
		m.Chunked = true
		p.state = StateChunkBegin
		return nil
	}

	p.state = StateMessageDone
	return nil
}

func (p *Parser) stepBodyWithLength() (stepResult, error) {
	remain := p.msg.ContentLength - p.msg.BodyRead
	if err := p.emitBody(remain); err != nil {
		return stepDone, err
	}
	if p.msg.BodyRead == p.msg.ContentLength {
		p.state = StateMessageDone
		return stepProgressed, nil
	}
	return stepNeedMore, nil
}

func (p *Parser) stepChunkBegin() (stepResult, error) {
	for {
		line, ok := p.readLine()
		if !ok {
			return p.needLine()
		}

		if p.lastChunk {
			// Trailer fields are skipped up to the terminating blank line.
			if len(line) == 0 {
				p.state = StateMessageDone
				return stepProgressed, nil
			}
			continue
		}
		if len(line) == 0 {
			continue
		}

		size, err := parseChunkSize(line)
		if err != nil || size < 0 {
			return stepDone, newParseError(p.state, "bad chunk size %q", line)
		}
		if size == 0 {
			p.lastChunk = true
			continue
		}
		p.chunkRemaining = size
		p.state = StateChunkData
		return stepProgressed, nil
	}
}

func (p *Parser) stepChunkData() (stepResult, error) {
	before := p.msg.BodyRead
	if err := p.emitBody(p.chunkRemaining); err != nil {
		return stepDone, err
	}
	p.chunkRemaining -= p.msg.BodyRead - before
	if p.chunkRemaining == 0 {
		p.state = StateChunkBegin
		return stepProgressed, nil
	}
	return stepNeedMore, nil
}

func (p *Parser) stepPassthrough() (stepResult, error) {
	if len(p.buf) == 0 {
		return stepNeedMore, nil
	}
	if err := p.emitBody(int64(len(p.buf))); err != nil {
		return stepDone, err
	}
	return stepNeedMore, nil
}

func (p *Parser) stepMessageDone() (stepResult, error) {
	if !p.doneEmitted {
		p.doneEmitted = true
		if err := p.handler.OnMessageDone(&p.msg); err != nil {
			return stepDone, err
		}
	}
	if len(p.buf) > 0 {
		return stepDone, newParseError(p.state, "%d bytes after end of message", len(p.buf))
	}
	return stepDone, nil
}

// emitBody delivers up to limit buffered bytes as one body chunk.
func (p *Parser) emitBody(limit int64) error {
	n := min(int64(len(p.buf)), limit)
	if n <= 0 {
		return nil
	}
	chunk := p.buf[:n:n]
	p.consume(int(n))
	p.msg.BodyRead += n
	return p.handler.OnBodyChunk(&p.msg, chunk)
}

// readLine returns the next line without its terminator. A bare LF is
// accepted as well as CRLF.
func (p *Parser) readLine() ([]byte, bool) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := p.buf[:i]
	p.consume(i + 1)
	return bytes.TrimSuffix(line, []byte{'\r'}), true
}

func (p *Parser) needLine() (stepResult, error) {
	if len(p.buf) > MaxLineLength {
		return stepDone, newParseError(p.state, "line exceeds %d bytes", MaxLineLength)
	}
	return stepNeedMore, nil
}

// consume drops n bytes from the front of the buffer. Once the buffer is
// empty its backing array is released rather than reused, so chunks already
// handed to the handler stay intact.
func (p *Parser) consume(n int) {
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
}

// isChunked reports whether chunked is the final transfer-coding.
func isChunked(te string) bool {
	if te == "" {
		return false
	}
	codings := strings.Split(te, ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}
