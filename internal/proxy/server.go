package proxy

import (
	"errors"
	"net"
	"sync"
)

// Server accepts HTTP proxy clients and hands them to a Loop.
type Server struct {
	loop *Loop

	mu  sync.Mutex
	lns []net.Listener
}

func NewServer(loop *Loop) *Server {
	return &Server{loop: loop}
}

// Serve accepts connections on ln until it is closed. Closing the listener
// is not reported as an error.
func (s *Server) Serve(ln net.Listener) error {
	s.track(ln)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.loop.OnAccept(c, c.RemoteAddr())
	}
}

// Close closes every listener passed to Serve. Established sessions are
// left to the Loop.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, ln := range s.lns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.lns = nil
	return errors.Join(errs...)
}

func (s *Server) track(ln net.Listener) {
	s.mu.Lock()
	s.lns = append(s.lns, ln)
	s.mu.Unlock()
}
