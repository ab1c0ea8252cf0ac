// Package dialer provides the outbound dialing strategies used to reach
// origin servers.
//
// Dialers implement a small interface (DialContext). The direct dialer
// resolves names through a caching Resolver; the HTTP and SOCKS5 dialers chain
// through an upstream proxy using HTTP CONNECT or a SOCKS5 CONNECT request.
package dialer
