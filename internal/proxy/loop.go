package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/relayproxy/internal/conn"
	"github.com/die-net/relayproxy/internal/httpparse"
	"github.com/die-net/relayproxy/internal/metrics"
)

type eventKind int

const (
	evAccept eventKind = iota
	evRead
	evReadClosed
	evWriteDone
	evConnected
)

// event is posted to the loop by reader, writer, dial and accept goroutines.
type event struct {
	kind eventKind
	leg  legID

	// evAccept
	sess *session
	conn net.Conn

	// evRead
	buf *[]byte
	n   int

	// evReadClosed, evWriteDone, evConnected
	err error
}

// Loop owns every session and leg. All state changes happen on the goroutine
// running Run.
type Loop struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	readPool *conn.BufferPool
	sendPool *conn.BufferPool

	events  chan event
	done    chan struct{}
	runOnce sync.Once

	// Owned by the Run goroutine.
	ctx      context.Context
	nextID   legID
	legs     map[legID]*leg
	sessions map[string]*session
}

// NewLoop returns a Loop; it does nothing until Run is called.
func NewLoop(cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:      cfg,
		log:      cfg.Logger,
		m:        cfg.Metrics,
		readPool: conn.NewBufferPool(cfg.ReadBufferSize),
		sendPool: conn.NewBufferPool(cfg.SendUnitSize),
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
		legs:     make(map[legID]*leg),
		sessions: make(map[string]*session),
	}
}

// OnAccept starts an HTTP proxy session for a freshly accepted client
// connection and returns its ID.
func (l *Loop) OnAccept(c net.Conn, peer net.Addr) string {
	return l.start(c, newSession(uuid.NewString(), IngressHTTP, peer))
}

// Adopt starts a session whose client has already negotiated a tunnel to
// addr. reply produces what the client is sent once the origin connect
// resolves.
func (l *Loop) Adopt(c net.Conn, peer net.Addr, ingress, addr string, reply TunnelReply) string {
	s := newSession(uuid.NewString(), ingress, peer)
	s.tunnelAddr = addr
	s.reply = reply
	return l.start(c, s)
}

func (l *Loop) start(c net.Conn, s *session) string {
	if !l.post(event{kind: evAccept, sess: s, conn: c}) {
		_ = c.Close()
	}
	return s.id
}

// post hands ev to the loop. It reports false once the loop has stopped.
func (l *Loop) post(ev event) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Run services events until ctx is done, then hard-closes every leg.
func (l *Loop) Run(ctx context.Context) error {
	l.ctx = ctx

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case ev := <-l.events:
			l.handle(ev)
		case <-ticker.C:
			l.poll()
		}
	}
}

func (l *Loop) handle(ev event) {
	switch ev.kind {
	case evAccept:
		l.accept(ev.sess, ev.conn)
	case evRead:
		l.read(ev.leg, (*ev.buf)[:ev.n])
		l.readPool.Put(ev.buf)
	case evReadClosed:
		l.readClosed(ev.leg, ev.err)
	case evWriteDone:
		l.writeDone(ev.leg, ev.err)
	case evConnected:
		l.connected(ev.leg, ev.conn, ev.err)
	}
}

func (l *Loop) accept(s *session, c net.Conn) {
	l.sessions[s.id] = s
	s.loop = l
	s.log = l.log.With(slog.String("session", s.id), slog.String("client", addrString(s.peer)))

	l.m.SessionsTotal.WithLabelValues(s.ingress).Inc()
	l.m.SessionsActive.WithLabelValues(s.ingress).Inc()
	s.log.Debug("session opened", slog.String("ingress", s.ingress))

	cl := l.newLeg(s, roleClient)
	s.client = cl.id
	l.attach(cl, c)

	if s.tunnelAddr != "" {
		s.state = stateLineParsed
		l.openOrigin(s, s.tunnelAddr)
		return
	}
	s.parser = httpparse.New(httpparse.Request, s)
}

func (l *Loop) read(id legID, data []byte) {
	lg := l.legs[id]
	if lg == nil {
		return
	}
	s := lg.sess

	if lg.role == roleOrigin {
		l.m.Bytes.WithLabelValues(metrics.Downstream).Add(float64(len(data)))
		if cl := l.legs[lg.peer]; cl != nil {
			cl.bc.Send(data)
		}
		return
	}

	l.m.Bytes.WithLabelValues(metrics.Upstream).Add(float64(len(data)))
	switch s.state {
	case stateTunneling:
		if o := l.legs[lg.peer]; o != nil {
			o.bc.Send(data)
		}
	case stateClosing, stateClosed:
	default:
		if s.parser == nil {
			// Adopted tunnel still connecting.
			if o := l.legs[lg.peer]; o != nil {
				o.bc.Send(data)
			}
			return
		}
		if err := s.parser.Flush(data); err != nil {
			l.fail(s, "parse", err)
		}
	}
}

func (l *Loop) readClosed(id legID, err error) {
	lg := l.legs[id]
	if lg == nil {
		return
	}
	lg.readDone = true
	s := lg.sess

	if err != nil {
		s.log.Debug("read ended", slog.String("leg", lg.role.String()), slog.String("error", err.Error()))
	}

	if lg.role == roleClient && s.parser != nil && s.state != stateTunneling && s.state != stateClosing &&
		s.parser.State() != httpparse.StateConnectPassthrough {
		if err := s.parser.Flush(nil); err != nil {
			l.fail(s, "parse", err)
		}
	}

	if p := l.legs[lg.peer]; p != nil {
		p.bc.CloseWhenDone()
	} else {
		lg.bc.CloseWhenDone()
	}
	l.maybeDestroy(lg)
}

func (l *Loop) writeDone(id legID, err error) {
	lg := l.legs[id]
	if lg == nil {
		return
	}
	lg.writeDone = true

	if err != nil {
		lg.sess.log.Debug("write failed", slog.String("leg", lg.role.String()), slog.String("error", err.Error()))
		l.closeLeg(lg)
		if p := l.legs[lg.peer]; p != nil {
			p.bc.CloseWhenDone()
		}
	}
	l.maybeDestroy(lg)
}

// openOrigin creates the pending origin leg for s and dials addr in the
// background. Data sent to the leg before the dial completes is queued.
func (l *Loop) openOrigin(s *session, addr string) {
	o := l.newLeg(s, roleOrigin)
	s.origin = o.id
	s.originAddr = addr
	s.log = s.log.With(slog.String("target", addr))

	if cl := l.legs[s.client]; cl != nil {
		cl.peer = o.id
		o.peer = cl.id
	}

	ctx := l.ctx
	go func() {
		c, err := l.cfg.Dialer.DialContext(ctx, "tcp", addr)
		if !l.post(event{kind: evConnected, leg: o.id, conn: c, err: err}) && c != nil {
			_ = c.Close()
		}
	}()
}

func (l *Loop) connected(id legID, c net.Conn, err error) {
	lg := l.legs[id]
	if lg == nil {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	s := lg.sess

	if err != nil {
		l.connectFailed(s, lg, err)
		return
	}

	if !l.attach(lg, c) {
		return
	}
	s.log.Debug("origin connected")

	if s.reply != nil {
		if b := s.reply.Established(c.LocalAddr()); len(b) > 0 {
			if cl := l.legs[s.client]; cl != nil {
				cl.bc.Send(b)
			}
		}
		if s.state != stateClosing && s.headersDone() {
			s.state = stateTunneling
		}
	}
}

// connectFailed closes both legs immediately. An ingress that owes its
// client a failure reply gets it flushed before the close instead.
func (l *Loop) connectFailed(s *session, o *leg, err error) {
	l.m.ConnectFailures.WithLabelValues(s.ingress).Inc()
	s.log.Info("origin connect failed", slog.String("error", (&SessionError{Op: "connect", SessionID: s.id, Remote: s.originAddr, Err: err}).Error()))
	s.state = stateClosing

	var b []byte
	if s.reply != nil {
		b = s.reply.Failed(err)
	}
	if cl := l.legs[s.client]; cl != nil {
		if len(b) > 0 {
			cl.bc.Send(b)
			cl.bc.CloseWhenDone()
		} else {
			l.closeLeg(cl)
		}
	}
	l.closeLeg(o)
	l.maybeDestroy(o)
}

// fail schedules both legs of s to close once their queues drain.
func (l *Loop) fail(s *session, op string, err error) {
	if s.state == stateClosing || s.state == stateClosed {
		return
	}
	s.state = stateClosing

	if errors.Is(err, httpparse.ErrParse) {
		l.m.ParseErrors.Inc()
	}
	s.log.Info("session failed", slog.String("error", (&SessionError{Op: op, SessionID: s.id, Remote: addrString(s.peer), Err: err}).Error()))

	for _, id := range []legID{s.client, s.origin} {
		if lg := l.legs[id]; lg != nil {
			lg.bc.CloseWhenDone()
		}
	}
}

func (l *Loop) sessionClosed(s *session) {
	s.state = stateClosed
	delete(l.sessions, s.id)
	l.m.SessionsActive.WithLabelValues(s.ingress).Dec()
	s.log.Debug("session closed")
}

func (l *Loop) poll() {
	queued := 0
	for _, lg := range l.legs {
		queued += lg.bc.Queued()
	}
	l.m.QueuedBytes.Set(float64(queued))
}

func (l *Loop) shutdown() {
	l.runOnce.Do(func() { close(l.done) })

	for id, lg := range l.legs {
		_ = lg.bc.Close()
		delete(l.legs, id)
	}
	for id, s := range l.sessions {
		l.m.SessionsActive.WithLabelValues(s.ingress).Dec()
		delete(l.sessions, id)
	}

	// Drain events posted before done was closed.
	for {
		select {
		case ev := <-l.events:
			switch {
			case ev.conn != nil:
				_ = ev.conn.Close()
			case ev.buf != nil:
				l.readPool.Put(ev.buf)
			}
		default:
			return
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
