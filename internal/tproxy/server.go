package tproxy

import (
	"errors"
	"log/slog"
	"net"

	"github.com/die-net/relayproxy/internal/proxy"
)

type Server struct {
	loop *proxy.Loop
	log  *slog.Logger

	originalDst func(net.Conn) (*net.TCPAddr, error)
}

func NewServer(loop *proxy.Loop, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		loop:        loop,
		log:         log.With(slog.String("ingress", proxy.IngressTProxy)),
		originalDst: OriginalDst,
	}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		dst, err := s.originalDst(c)
		if err != nil {
			s.log.Debug("original destination unavailable", slog.String("client", c.RemoteAddr().String()), slog.String("error", err.Error()))
			_ = c.Close()
			continue
		}

		s.loop.Adopt(c, c.RemoteAddr(), proxy.IngressTProxy, dst.String(), proxy.NoReply{})
	}
}
