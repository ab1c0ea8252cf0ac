//go:build linux

package tproxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// Without a redirect rule conntrack either has no entry for the connection or
// reports the address that was actually dialed.
func TestOriginalDstLoopback(t *testing.T) {
	for _, network := range []string{"tcp4", "tcp6"} {
		t.Run(network, func(t *testing.T) {
			addr := "127.0.0.1:0"
			if network == "tcp6" {
				addr = "[::1]:0"
			}
			ln, err := net.Listen(network, addr)
			if err != nil {
				t.Skipf("%s loopback unavailable: %v", network, err)
			}
			defer ln.Close()

			accepted := make(chan net.Conn, 1)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					close(accepted)
					return
				}
				accepted <- c
			}()

			c, err := net.Dial(network, ln.Addr().String())
			require.NoError(t, err)
			defer c.Close()

			sc, ok := <-accepted
			require.True(t, ok)
			defer sc.Close()

			dst, err := OriginalDst(sc)
			if err != nil {
				require.ErrorContains(t, err, "original destination")
				return
			}
			require.Equal(t, ln.Addr().String(), dst.String())
		})
	}
}
