package dialer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverLiteral(t *testing.T) {
	r := NewResolver(time.Minute, 0)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) {
		t.Fatal("lookup called for literal")
		return nil, nil
	}

	addrs, err := r.Resolve(context.Background(), "::ffff:127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
}

func TestResolverCaches(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(time.Minute, 0)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) {
		calls.Add(1)
		return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
	}

	for range 3 {
		addrs, err := r.Resolve(context.Background(), "origin.example")
		require.NoError(t, err)
		require.Equal(t, "192.0.2.1", addrs[0].String())
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestResolverNoCache(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(0, 0)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) {
		calls.Add(1)
		return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
	}

	for range 2 {
		_, err := r.Resolve(context.Background(), "origin.example")
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), calls.Load())
}

func TestResolverMergesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := NewResolver(0, 0)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) {
		calls.Add(1)
		<-release
		return []netip.Addr{netip.MustParseAddr("192.0.2.7")}, nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			addrs, err := r.Resolve(context.Background(), "origin.example")
			assert.NoError(t, err)
			assert.Len(t, addrs, 1)
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestResolverErrorsAndCancel(t *testing.T) {
	boom := errors.New("boom")
	r := NewResolver(time.Minute, 0)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) { return nil, boom }

	_, err := r.Resolve(context.Background(), "bad.example")
	require.ErrorIs(t, err, boom)

	r.lookup = func(context.Context, string) ([]netip.Addr, error) { return nil, nil }
	_, err = r.Resolve(context.Background(), "empty.example")
	require.ErrorContains(t, err, "no addresses")

	block := make(chan struct{})
	defer close(block)
	r.lookup = func(context.Context, string) ([]netip.Addr, error) {
		<-block
		return nil, boom
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx, "slow.example")
	require.ErrorIs(t, err, context.Canceled)
}
