//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/relayproxy/internal/conn"
)

// IsSupported is true on platforms with a transparent listener.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT set so the socket
// can accept redirected connections. Firewall rules are still required.
func ListenTransparentTCP(addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
				return
			}
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the pre-redirect destination of c from conntrack.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, errors.New("original destination: not a TCP connection")
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("original destination: %w", err)
	}

	v6 := false
	if la, ok := tc.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() == nil {
		v6 = true
	}

	var (
		addr    *net.TCPAddr
		sockErr error
	)
	err = rc.Control(func(fd uintptr) {
		if v6 {
			addr, sockErr = originalDst6(int(fd))
			return
		}
		addr, sockErr = originalDst4(int(fd))
	})
	if err != nil {
		return nil, fmt.Errorf("original destination: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("original destination: %w", sockErr)
	}
	return addr, nil
}

// originalDst4 reads a sockaddr_in. It fits in an IPv6Mreq, which is how
// x/sys/unix exposes a 16-byte getsockopt.
func originalDst4(fd int) (*net.TCPAddr, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil, err
	}
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	return &net.TCPAddr{IP: net.IPv4(raw[4], raw[5], raw[6], raw[7]), Port: int(port)}, nil
}

// originalDst6 reads a sockaddr_in6, carried in the Addr field of an
// IPv6MTUInfo. IP6T_SO_ORIGINAL_DST shares SO_ORIGINAL_DST's value.
func originalDst6(fd int) (*net.TCPAddr, error) {
	info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil, err
	}
	sa := info.Addr

	// Port holds network byte order in host memory.
	var port [2]byte
	binary.NativeEndian.PutUint16(port[:], sa.Port)

	ip := make(net.IP, net.IPv6len)
	copy(ip, sa.Addr[:])
	return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(port[:]))}, nil
}
