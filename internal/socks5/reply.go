package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// SuccessReply encodes a success reply using localAddr as the bound address.
func SuccessReply(localAddr net.Addr) ([]byte, error) {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return nil, fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	var b bytes.Buffer
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(&b); err != nil {
		return nil, fmt.Errorf("success reply: %w", err)
	}
	return b.Bytes(), nil
}

// FailureReply encodes a failure reply with a zero bound address of the same
// family as atyp.
func FailureReply(rep, atyp byte) []byte {
	var b bytes.Buffer
	_, _ = newZeroAddrReply(rep, atyp).WriteTo(&b)
	return b.Bytes()
}

// RepForError maps a dial error onto the closest SOCKS5 reply code.
func RepForError(err error) byte {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	default:
		return txsocks5.RepServerFailure
	}
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
