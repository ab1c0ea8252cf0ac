package conn

import (
	"fmt"
	"net"
)

// DefaultBacklog is the accept queue length used when none is configured.
const DefaultBacklog = 5

// ListenTCP listens on the given network/address with the given accept
// backlog and returns a net.Listener that applies keepAliveConfig to accepted
// TCP connections. A backlog <= 0 selects DefaultBacklog.
func ListenTCP(network, addr string, backlog int, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	ln, err := listenBacklog(network, addr, backlog)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	ApplyKeepAlive(c, l.KeepAliveConfig)
	return c, nil
}

// ApplyKeepAlive sets keepalive options on c if it is a TCP connection.
func ApplyKeepAlive(c net.Conn, ka net.KeepAliveConfig) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(ka)
	}
}
