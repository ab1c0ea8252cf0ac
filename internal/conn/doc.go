// Package conn holds connection plumbing shared by the proxy front-ends:
// listeners with an explicit accept backlog and keepalive settings, a pool of
// fixed-size byte buffers, and BufferedConn, a connection with an ordered
// outbound queue that closes only after everything queued has been written.
package conn
