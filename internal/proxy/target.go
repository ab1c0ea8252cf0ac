package proxy

import (
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/die-net/relayproxy/internal/httpparse"
)

// target is where a session's origin leg connects, plus the path used in the
// rewritten request line.
type target struct {
	host string
	port string
	path string
}

func (t target) addr() string {
	return net.JoinHostPort(t.host, t.port)
}

// hostHeader is the Host value for t, omitting the default port.
func (t target) hostHeader() string {
	h := t.host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if t.port == "80" {
		return h
	}
	return h + ":" + t.port
}

// isOriginForm reports whether a request target is a bare path whose host
// must come from the Host header.
func isOriginForm(method, rawTarget string) bool {
	return method != "CONNECT" && strings.HasPrefix(rawTarget, "/")
}

// resolveTarget decomposes the request-line target. CONNECT takes an
// authority and defaults to port 443; anything else takes an absolute URL
// and defaults to port 80.
func resolveTarget(method, rawTarget string) (target, error) {
	if method == "CONNECT" {
		t, err := splitAuthority(rawTarget, "443")
		if err != nil {
			return target{}, err
		}
		return t, nil
	}

	u, err := url.Parse(rawTarget)
	if err != nil {
		return target{}, fmt.Errorf("invalid target %q: %w", rawTarget, err)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("invalid target %q: %w", rawTarget, errNoHost)
	}

	t, err := splitAuthority(u.Host, "80")
	if err != nil {
		return target{}, err
	}
	t.path = requestPath(u)
	return t, nil
}

// resolveHostTarget builds the target of an origin-form request from its
// Host header.
func resolveHostTarget(host, path string) (target, error) {
	if host == "" {
		return target{}, errNoHost
	}
	t, err := splitAuthority(host, "80")
	if err != nil {
		return target{}, err
	}
	t.path = path
	return t, nil
}

func splitAuthority(authority, defaultPort string) (target, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), defaultPort
	}
	if host == "" {
		return target{}, fmt.Errorf("invalid authority %q: %w", authority, errNoHost)
	}
	if port == "" {
		port = defaultPort
	}
	return target{host: host, port: port}, nil
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// hopHeaders are removed before a request is forwarded.
var hopHeaders = []string{"proxy-connection", "connection", "keep-alive"}

// buildRequest rewrites m for the origin: hop-by-hop headers are dropped,
// Connection: close is forced and Host is filled in when missing. Headers
// keep their first-seen order.
//
// Content-Length frames the body whenever it is present, so a competing
// Transfer-Encoding is dropped to keep the origin framing the same bytes.
func buildRequest(m *httpparse.Message, t target) []byte {
	for _, h := range hopHeaders {
		m.Del(h)
	}
	if _, ok := m.Get("content-length"); ok {
		m.Del("transfer-encoding")
	}
	m.Set("connection", "close")
	if _, ok := m.Get("host"); !ok {
		m.Set("host", t.hostHeader())
	}

	var b bytes.Buffer
	b.WriteString(m.Method)
	b.WriteByte(' ')
	b.WriteString(t.path)
	b.WriteString(" HTTP/1.1\r\n")
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		b.WriteString(textproto.CanonicalMIMEHeaderKey(k))
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
