package dialer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Resolver looks up host addresses, merging concurrent lookups of the same
// host and caching answers for a fixed TTL.
type Resolver struct {
	lookup  func(ctx context.Context, host string) ([]netip.Addr, error)
	timeout time.Duration
	cache   *cache.Cache
	sf      singleflight.Group
}

// NewResolver returns a Resolver backed by net.DefaultResolver. A ttl <= 0
// disables caching. timeout bounds each lookup; zero means no bound.
func NewResolver(ttl, timeout time.Duration) *Resolver {
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		timeout: timeout,
	}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns the addresses for host. IP literals are returned as is.
//
// The lookup itself runs detached from ctx so that other callers waiting on
// the same host still get the answer if this caller gives up.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			return v.([]netip.Addr), nil
		}
	}

	ch := r.sf.DoChan(host, func() (any, error) {
		lctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, r.timeout)
			defer cancel()
		}

		addrs, err := r.lookup(lctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, errors.New("no addresses for " + host)
		}
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		if r.cache != nil {
			r.cache.Set(host, addrs, cache.DefaultExpiration)
		}
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	}
}
