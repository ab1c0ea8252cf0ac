package httpparse

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// recorder collects events, merging consecutive body chunks so that runs fed
// with different fragmentation can be compared.
type recorder struct {
	events []string
	body   []byte
	chunks int
}

func (r *recorder) OnLineDone(*Message) error {
	r.events = append(r.events, "line")
	return nil
}

func (r *recorder) OnHeadersDone(*Message) error {
	r.events = append(r.events, "headers")
	return nil
}

func (r *recorder) OnBodyChunk(_ *Message, chunk []byte) error {
	if len(r.events) == 0 || r.events[len(r.events)-1] != "body" {
		r.events = append(r.events, "body")
	}
	r.body = append(r.body, chunk...)
	r.chunks++
	return nil
}

func (r *recorder) OnMessageDone(*Message) error {
	r.events = append(r.events, "done")
	return nil
}

func feed(t *testing.T, kind Kind, input string, step int) (*Parser, *recorder) {
	t.Helper()

	rec := &recorder{}
	p := New(kind, rec)
	for len(input) > 0 {
		n := min(step, len(input))
		require.NoError(t, p.Flush([]byte(input[:n])))
		input = input[n:]
	}
	return p, rec
}

func TestParserRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		method  string
		target  string
		headers map[string]string
		body    string
		events  []string
		state   State
	}{
		{
			name:    "get without body",
			input:   "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n",
			method:  "GET",
			target:  "http://example.com/",
			headers: map[string]string{"host": "example.com"},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "lowercase method is upper-cased",
			input:   "get / HTTP/1.0\r\n\r\n",
			method:  "GET",
			target:  "/",
			headers: map[string]string{},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "post with content-length",
			input:   "POST http://example.com/form HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			method:  "POST",
			target:  "http://example.com/form",
			headers: map[string]string{"content-length": "11"},
			body:    "hello world",
			events:  []string{"line", "headers", "body", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "put with zero content-length",
			input:   "PUT /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n",
			method:  "PUT",
			target:  "/x",
			headers: map[string]string{"content-length": "0"},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "put with content-length body",
			input:   "PUT /x HTTP/1.1\r\nContent-Length: 4\r\n\r\ndata",
			method:  "PUT",
			target:  "/x",
			headers: map[string]string{"content-length": "4"},
			body:    "data",
			events:  []string{"line", "headers", "body", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "get with content-length body",
			input:   "GET /q HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}",
			method:  "GET",
			target:  "/q",
			headers: map[string]string{"content-length": "2"},
			body:    "{}",
			events:  []string{"line", "headers", "body", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "post without framing",
			input:   "POST / HTTP/1.1\r\nHost: a\r\n\r\n",
			method:  "POST",
			target:  "/",
			headers: map[string]string{"host": "a"},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "chunked",
			input:   "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n7;ext=1\r\n, world\r\n0\r\n\r\n",
			method:  "POST",
			target:  "/",
			headers: map[string]string{"transfer-encoding": "chunked"},
			body:    "hello, world",
			events:  []string{"line", "headers", "body", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "chunked with trailer",
			input:   "POST / HTTP/1.1\r\nTransfer-Encoding: gzip, Chunked\r\n\r\nA\r\n0123456789\r\n0\r\nX-Sum: 1\r\n\r\n",
			method:  "POST",
			target:  "/",
			headers: map[string]string{"transfer-encoding": "gzip, Chunked"},
			body:    "0123456789",
			events:  []string{"line", "headers", "body", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "duplicate headers overwrite",
			input:   "GET / HTTP/1.1\r\nX-A: one\r\nx-a: two\r\nAccept:text/html\r\n\r\n",
			method:  "GET",
			target:  "/",
			headers: map[string]string{"x-a": "two", "accept": "text/html"},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
		{
			name:    "connect passthrough",
			input:   "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n\x16\x03\x01 opaque bytes",
			method:  "CONNECT",
			target:  "example.com:443",
			headers: map[string]string{"host": "example.com:443"},
			body:    "\x16\x03\x01 opaque bytes",
			events:  []string{"line", "headers", "body"},
			state:   StateConnectPassthrough,
		},
		{
			name:    "bare LF terminators",
			input:   "GET / HTTP/1.1\nHost: a\n\n",
			method:  "GET",
			target:  "/",
			headers: map[string]string{"host": "a"},
			events:  []string{"line", "headers", "done"},
			state:   StateMessageDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			whole, wholeRec := feed(t, Request, tt.input, len(tt.input))
			for _, step := range []int{1, 2, 3, 7} {
				p, rec := feed(t, Request, tt.input, step)

				require.Equal(t, wholeRec.events, rec.events, "step %d", step)
				require.Equal(t, string(wholeRec.body), string(rec.body), "step %d", step)
				require.Equal(t, whole.Message().Header, p.Message().Header, "step %d", step)
				require.Equal(t, whole.State(), p.State(), "step %d", step)
			}

			m := whole.Message()
			require.Equal(t, tt.method, m.Method)
			require.Equal(t, tt.target, m.Target)
			require.Equal(t, tt.headers, m.Header)
			require.Equal(t, tt.body, string(wholeRec.body))
			require.Equal(t, int64(len(tt.body)), m.BodyRead)
			require.Equal(t, tt.events, wholeRec.events)
			require.Equal(t, tt.state, whole.State())
		})
	}
}

func TestParserRequestLineTokens(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"GET / HTTP/1.1",
		"OPTIONS * HTTP/1.1",
		"DELETE http://h:8080/a?b=c HTTP/1.0",
		"CONNECT [::1]:443 HTTP/1.1",
	} {
		p, _ := feed(t, Request, line+"\r\n", 1)
		want := strings.Split(line, " ")
		m := p.Message()
		require.Equal(t, want, []string{m.Method, m.Target, m.Version})
		require.Equal(t, StateHeaderField, p.State())
	}
}

func TestParserContentLengthSplitAcrossFlushes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Request, rec)
	require.NoError(t, p.Flush([]byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123")))
	require.Equal(t, StateBodyWithLength, p.State())
	require.NoError(t, p.Flush([]byte("456")))
	require.NoError(t, p.Flush([]byte("789")))

	require.Equal(t, "0123456789", string(rec.body))
	require.Equal(t, 3, rec.chunks)
	require.Equal(t, StateMessageDone, p.State())
	require.Equal(t, []string{"line", "headers", "body", "done"}, rec.events)
}

func TestParserChunkDataAcrossFlushes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Request, rec)
	require.NoError(t, p.Flush([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n10\r\nabcdefgh")))
	require.Equal(t, StateChunkData, p.State())
	require.NoError(t, p.Flush([]byte("ijklmnop\r\n")))
	require.Equal(t, StateChunkBegin, p.State())
	require.NoError(t, p.Flush([]byte("0\r\n")))
	require.Equal(t, StateChunkBegin, p.State())
	require.NoError(t, p.Flush([]byte("\r\n")))

	require.Equal(t, "abcdefghijklmnop", string(rec.body))
	require.Equal(t, StateMessageDone, p.State())
}

func TestParserConnectPassthroughNeverCompletes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Request, rec)
	require.NoError(t, p.Flush([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")))
	require.Equal(t, StateConnectPassthrough, p.State())

	for _, s := range []string{"a", "bc", "GET / HTTP/1.1\r\n\r\n", "0\r\n\r\n"} {
		require.NoError(t, p.Flush([]byte(s)))
		require.Equal(t, StateConnectPassthrough, p.State())
	}
	require.Equal(t, "abcGET / HTTP/1.1\r\n\r\n0\r\n\r\n", string(rec.body))
	require.Equal(t, []string{"line", "headers", "body"}, rec.events)
	require.Equal(t, int64(-1), p.Message().ContentLength)
}

func TestParserEmptyFlush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "idle", input: ""},
		{name: "message done", input: "GET / HTTP/1.1\r\n\r\n"},
		{name: "partial request line", input: "GET / HT", wantErr: true},
		{name: "in headers", input: "GET / HTTP/1.1\r\nHost: a\r\n", wantErr: true},
		{name: "in body", input: "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nab", wantErr: true},
		{name: "in chunk", input: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nab", wantErr: true},
		{name: "in passthrough", input: "CONNECT a:1 HTTP/1.1\r\n\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(Request, &recorder{})
			if tt.input != "" {
				require.NoError(t, p.Flush([]byte(tt.input)))
			}
			err := p.Flush(nil)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrParse)
			require.Equal(t, StateDead, p.State())

			// A dead parser stays quiet on close and rejects data.
			require.NoError(t, p.Flush(nil))
			require.ErrorIs(t, p.Flush([]byte("x")), ErrParse)
		})
	}
}

func TestParserErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		state State
	}{
		{name: "two tokens", input: "GET /\r\n", state: StateRequestLine},
		{name: "four tokens", input: "GET / HTTP/1.1 extra\r\n", state: StateRequestLine},
		{name: "double space", input: "GET  / HTTP/1.1\r\n", state: StateRequestLine},
		{name: "header without colon", input: "GET / HTTP/1.1\r\nbogus\r\n", state: StateHeaderField},
		{name: "header with empty name", input: "GET / HTTP/1.1\r\n: v\r\n", state: StateHeaderField},
		{name: "bad content-length", input: "POST / HTTP/1.1\r\nContent-Length: ten\r\n\r\n", state: StateHeadersDone},
		{name: "negative content-length", input: "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", state: StateHeadersDone},
		{name: "bad chunk size", input: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", state: StateChunkBegin},
		{name: "data after message", input: "GET / HTTP/1.1\r\n\r\nGET / HTTP/1.1\r\n\r\n", state: StateMessageDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(Request, &recorder{})
			err := p.Flush([]byte(tt.input))
			require.ErrorIs(t, err, ErrParse)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tt.state, pe.State)
			require.Equal(t, StateDead, p.State())
		})
	}
}

func TestParserDataAfterMessageDone(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Request, rec)
	require.NoError(t, p.Flush([]byte("GET / HTTP/1.1\r\n\r\n")))
	require.ErrorIs(t, p.Flush([]byte("x")), ErrParse)
	require.Equal(t, []string{"line", "headers", "done"}, rec.events)
}

func TestParserLineTooLong(t *testing.T) {
	t.Parallel()

	p := New(Request, &recorder{})
	err := p.Flush([]byte("GET /" + strings.Repeat("a", MaxLineLength)))
	require.ErrorIs(t, err, ErrParse)
}

func TestParserAutoDetect(t *testing.T) {
	t.Parallel()

	t.Run("response", func(t *testing.T) {
		t.Parallel()

		input := "HTTP/1.1 404 Not Found\r\nContent-Length: 4\r\n\r\ngone"
		for _, step := range []int{1, 4, len(input)} {
			p, rec := feed(t, Auto, input, step)
			require.Equal(t, Response, p.Kind())
			m := p.Message()
			require.Equal(t, "HTTP/1.1", m.Version)
			require.Equal(t, 404, m.StatusCode)
			require.Equal(t, "Not Found", m.Reason)
			require.Equal(t, "gone", string(rec.body))
			require.Equal(t, StateMessageDone, p.State())
		}
	})

	t.Run("request", func(t *testing.T) {
		t.Parallel()

		p, _ := feed(t, Auto, "HEAD / HTTP/1.1\r\n\r\n", 1)
		require.Equal(t, Request, p.Kind())
		require.Equal(t, "HEAD", p.Message().Method)
	})

	t.Run("undecided", func(t *testing.T) {
		t.Parallel()

		p := New(Auto, &recorder{})
		require.NoError(t, p.Flush([]byte("HTT")))
		require.Equal(t, StateStart, p.State())
		require.Equal(t, Auto, p.Kind())
	})

	t.Run("bad status", func(t *testing.T) {
		t.Parallel()

		p := New(Response, &recorder{})
		require.ErrorIs(t, p.Flush([]byte("HTTP/1.1 abc OK\r\n")), ErrParse)
	})
}

type failingHandler struct {
	recorder
	err error
}

func (f *failingHandler) OnLineDone(*Message) error {
	return f.err
}

func TestParserHandlerErrorKillsParser(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := New(Request, &failingHandler{err: boom})
	require.ErrorIs(t, p.Flush([]byte("GET / HTTP/1.1\r\n")), boom)
	require.Equal(t, StateDead, p.State())
}

func TestMessageHeaderOrder(t *testing.T) {
	t.Parallel()

	p, _ := feed(t, Request, "GET / HTTP/1.1\r\nB: 1\r\nA: 2\r\nb: 3\r\nC: 4\r\n\r\n", 5)
	m := p.Message()
	require.Equal(t, []string{"b", "a", "c"}, m.Keys())

	m.Del("A")
	m.Set("Connection", "close")
	require.Equal(t, []string{"b", "c", "connection"}, m.Keys())

	v, ok := m.Get("B")
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "chunk-data", StateChunkData.String())
	require.Equal(t, "unknown", State(99).String())
}
