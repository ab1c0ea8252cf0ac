//go:build !linux

package conn

import (
	"context"
	"net"
)

// listenBacklog ignores backlog: outside Linux the runtime's default is used.
func listenBacklog(network, addr string, _ int) (net.Listener, error) {
	lc := net.ListenConfig{}
	return lc.Listen(context.Background(), network, addr)
}
