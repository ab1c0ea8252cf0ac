package proxy

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/die-net/relayproxy/internal/httpparse"
)

// Ingress labels, used in logs and metrics.
const (
	IngressHTTP   = "http"
	IngressSOCKS5 = "socks5"
	IngressTProxy = "tproxy"
)

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n\r\n")
)

type sessionState int

const (
	stateAccepted sessionState = iota
	stateLineParsed
	stateTunneling
	stateForwarding
	stateClosing
	stateClosed
)

var sessionStateNames = [...]string{
	stateAccepted:   "accepted",
	stateLineParsed: "line-parsed",
	stateTunneling:  "tunneling",
	stateForwarding: "forwarding",
	stateClosing:    "closing",
	stateClosed:     "closed",
}

func (s sessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return "unknown"
	}
	return sessionStateNames[s]
}

// session pairs a client leg with an origin leg. It is only touched from the
// loop goroutine.
type session struct {
	id      string
	ingress string
	peer    net.Addr
	loop    *Loop
	log     *slog.Logger

	state  sessionState
	parser *httpparse.Parser
	target target

	client     legID
	origin     legID
	originAddr string

	// Set for tunnels: either adopted pre-resolved, or opened by CONNECT.
	tunnelAddr string
	reply      TunnelReply
}

func newSession(id, ingress string, peer net.Addr) *session {
	return &session{id: id, ingress: ingress, peer: peer}
}

// OnLineDone resolves the target and starts dialing while headers are still
// arriving. Origin-form targets wait for the Host header.
func (s *session) OnLineDone(m *httpparse.Message) error {
	s.state = stateLineParsed
	if isOriginForm(m.Method, m.Target) {
		return nil
	}

	t, err := resolveTarget(m.Method, m.Target)
	if err != nil {
		return err
	}
	s.target = t
	if m.IsConnect() {
		s.reply = connectReply{}
	}
	s.loop.openOrigin(s, t.addr())
	return nil
}

func (s *session) OnHeadersDone(m *httpparse.Message) error {
	if m.IsConnect() {
		// Until the headers end, client bytes still belong to the parser.
		if o := s.loop.legs[s.origin]; o != nil && o.bc.Established() {
			s.state = stateTunneling
		}
		return nil
	}

	if s.origin == 0 {
		host, _ := m.Get("host")
		t, err := resolveHostTarget(host, m.Target)
		if err != nil {
			return err
		}
		s.target = t
		s.loop.openOrigin(s, t.addr())
	}

	s.state = stateForwarding
	return s.sendOrigin(buildRequest(m, s.target))
}

// OnBodyChunk relays body bytes. A chunked body arrives with its framing
// stripped, so it is re-framed as one chunk per call.
func (s *session) OnBodyChunk(m *httpparse.Message, chunk []byte) error {
	if !m.Chunked {
		return s.sendOrigin(chunk)
	}
	if err := s.sendOrigin([]byte(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n")); err != nil {
		return err
	}
	if err := s.sendOrigin(chunk); err != nil {
		return err
	}
	return s.sendOrigin(crlf)
}

func (s *session) OnMessageDone(m *httpparse.Message) error {
	if m.Chunked {
		return s.sendOrigin(lastChunk)
	}
	return nil
}

// headersDone reports whether client bytes may bypass the parser: the session
// was adopted, or its CONNECT request has been fully read.
func (s *session) headersDone() bool {
	return s.parser == nil || s.parser.State() == httpparse.StateConnectPassthrough
}

func (s *session) sendOrigin(b []byte) error {
	o := s.loop.legs[s.origin]
	if o == nil || !o.bc.Send(b) {
		return errOriginClosed
	}
	return nil
}
