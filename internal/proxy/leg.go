package proxy

import (
	"errors"
	"io"
	"net"

	"github.com/die-net/relayproxy/internal/conn"
)

type legID uint64

type legRole int

const (
	roleClient legRole = iota
	roleOrigin
)

func (r legRole) String() string {
	if r == roleOrigin {
		return "origin"
	}
	return "client"
}

// leg is one connection of a session. Its peer is referenced by ID and is
// zero once the peer has been destroyed.
type leg struct {
	id   legID
	role legRole
	sess *session
	peer legID
	bc   *conn.BufferedConn

	reading   bool
	readDone  bool
	writeDone bool
}

func (l *Loop) newLeg(s *session, role legRole) *leg {
	l.nextID++
	id := l.nextID

	lg := &leg{id: id, role: role, sess: s}
	lg.bc = conn.NewPendingConn(conn.Options{
		Pool:          l.sendPool,
		WriteTimeout:  l.cfg.WriteTimeout,
		LingerTimeout: l.cfg.LingerTimeout,
		OnDone: func(err error) {
			l.post(event{kind: evWriteDone, leg: id, err: err})
		},
	})
	l.legs[id] = lg
	return lg
}

// attach supplies lg's connection and starts its reader. It reports false,
// with c closed, if lg was already closed.
func (l *Loop) attach(lg *leg, c net.Conn) bool {
	if err := lg.bc.Attach(c); err != nil {
		return false
	}
	lg.reading = true
	go l.readLoop(lg.id, c)
	return true
}

func (l *Loop) readLoop(id legID, c net.Conn) {
	for {
		buf := l.readPool.Get()
		n, err := c.Read(*buf)
		if n > 0 {
			if !l.post(event{kind: evRead, leg: id, buf: buf, n: n}) {
				l.readPool.Put(buf)
				return
			}
		} else {
			l.readPool.Put(buf)
		}
		if err != nil {
			l.post(event{kind: evReadClosed, leg: id, err: ignoreEOF(err)})
			return
		}
	}
}

// closeLeg hard-closes lg. No write completion will be reported, and a leg
// that never started reading will not report a read close either.
func (l *Loop) closeLeg(lg *leg) {
	_ = lg.bc.Close()
	lg.writeDone = true
	if !lg.reading {
		lg.readDone = true
	}
}

// maybeDestroy removes lg once both directions are finished, and closes its
// session when it was the last leg.
func (l *Loop) maybeDestroy(lg *leg) {
	if !lg.readDone || !lg.writeDone {
		return
	}
	if _, ok := l.legs[lg.id]; !ok {
		return
	}

	delete(l.legs, lg.id)
	_ = lg.bc.Close()

	if p := l.legs[lg.peer]; p != nil {
		p.peer = 0
	}

	s := lg.sess
	switch lg.id {
	case s.client:
		s.client = 0
	case s.origin:
		s.origin = 0
	}
	if s.client == 0 && s.origin == 0 {
		l.sessionClosed(s)
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
