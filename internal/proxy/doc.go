// Package proxy implements the forward proxy session engine and the
// listener front-ends that feed it.
//
// A single Loop goroutine owns every session. Each session pairs a client
// leg with an origin leg; client bytes run through an incremental HTTP
// parser until the request is rewritten and forwarded, or until a CONNECT
// turns the session into a raw tunnel. Reader, writer and dial goroutines
// only post events back to the loop.
//
// The HTTP Server feeds accepted connections to Loop.OnAccept. The SOCKS5
// server negotiates on its own goroutine and then hands the connection to
// Loop.Adopt as an already-resolved tunnel.
package proxy
