// Package socks5 holds the SOCKS5 handshake pieces shared by the SOCKS5
// ingress listener and the SOCKS5 upstream dialer.
//
// It wraps github.com/txthinking/socks5 wire types. Handshakes run over any
// io.ReadWriter; replies that must be queued behind other traffic are built
// as byte slices instead of being written directly.
package socks5
