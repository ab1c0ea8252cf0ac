package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// DNSCacheTTL is how long resolved addresses are reused. Zero disables
	// caching; concurrent lookups of one host are still merged.
	DNSCacheTTL time.Duration
}
