// Package tproxy implements the transparent proxy listener.
//
// On Linux the listener sets IP_TRANSPARENT and recovers the original
// destination of each redirected TCP connection with SO_ORIGINAL_DST, for use
// with iptables/nftables TPROXY or REDIRECT rules. Connections are adopted
// into the proxy loop as tunnels with no handshake reply.
//
// On other platforms the listener and lookup are stubbed out and return
// errors.
package tproxy
