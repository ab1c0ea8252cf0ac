package proxy

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/die-net/relayproxy/internal/socks5"
)

// SOCKS5Server negotiates SOCKS5 CONNECT requests and hands the resulting
// tunnels to a Loop. The reply is sent once the origin connect resolves.
type SOCKS5Server struct {
	loop    *Loop
	auth    socks5.Auth
	timeout time.Duration
	log     *slog.Logger
}

// NewSOCKS5Server returns a SOCKS5 front-end. A non-empty auth.Username
// requires username/password authentication.
func NewSOCKS5Server(loop *Loop, auth socks5.Auth) *SOCKS5Server {
	return &SOCKS5Server{
		loop:    loop,
		auth:    auth,
		timeout: loop.cfg.NegotiationTimeout,
		log:     loop.log.With(slog.String("ingress", IngressSOCKS5)),
	}
}

func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(c net.Conn) {
	if s.timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.timeout))
	}

	req, err := socks5.ServerHandshake(c, s.auth)
	if err != nil {
		s.log.Debug("socks5 handshake failed", slog.String("client", c.RemoteAddr().String()), slog.String("error", err.Error()))
		_ = c.Close()
		return
	}

	_ = c.SetDeadline(time.Time{})
	s.loop.Adopt(c, c.RemoteAddr(), IngressSOCKS5, req.Address(), socks5Reply{atyp: req.Atyp})
}
