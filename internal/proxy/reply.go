package proxy

import (
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/relayproxy/internal/socks5"
)

// ConnectEstablished is sent to a CONNECT client once its tunnel is open.
const ConnectEstablished = "HTTP/1.1 200 Connection established\r\nProxy-agent: test-proxy\r\n\r\n"

// TunnelReply produces the bytes sent to the client when the origin connect
// of a tunnel resolves. A nil result sends nothing.
type TunnelReply interface {
	Established(local net.Addr) []byte
	Failed(err error) []byte
}

// connectReply answers HTTP CONNECT. A failed connect closes the client
// without a response.
type connectReply struct{}

func (connectReply) Established(net.Addr) []byte { return []byte(ConnectEstablished) }
func (connectReply) Failed(error) []byte         { return nil }

// NoReply is used by ingress that needs no handshake reply, such as
// transparent proxying.
type NoReply struct{}

func (NoReply) Established(net.Addr) []byte { return nil }
func (NoReply) Failed(error) []byte         { return nil }

type socks5Reply struct {
	atyp byte
}

func (r socks5Reply) Established(local net.Addr) []byte {
	b, err := socks5.SuccessReply(local)
	if err != nil {
		return socks5.FailureReply(txsocks5.RepServerFailure, r.atyp)
	}
	return b
}

func (r socks5Reply) Failed(err error) []byte {
	return socks5.FailureReply(socks5.RepForError(err), r.atyp)
}
