package conn

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records writes. With maxWrite set, larger writes are cut short
// with a deadline error, the way a slow peer shows up through a write
// deadline.
type fakeConn struct {
	net.Conn

	mu          sync.Mutex
	written     bytes.Buffer
	writes      []int
	maxWrite    int
	stalled     bool
	writeErr    error
	closed      bool
	closedWrite bool
	readDL      time.Time
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, net.ErrClosed
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.stalled {
		return 0, os.ErrDeadlineExceeded
	}
	if f.maxWrite > 0 && len(p) > f.maxWrite {
		f.written.Write(p[:f.maxWrite])
		f.writes = append(f.writes, f.maxWrite)
		return f.maxWrite, os.ErrDeadlineExceeded
	}
	f.written.Write(p)
	f.writes = append(f.writes, len(p))
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDL = t
	return nil
}

func (f *fakeConn) snapshot() (string, []int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String(), append([]int(nil), f.writes...), f.closed
}

// halfCloser adds CloseWrite to fakeConn.
type halfCloser struct {
	*fakeConn
}

func (h halfCloser) CloseWrite() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedWrite = true
	return nil
}

func newTestConn(t *testing.T, unit int) (*BufferedConn, chan error) {
	t.Helper()

	done := make(chan error, 1)
	b := NewPendingConn(Options{
		Pool:   NewBufferPool(unit),
		OnDone: func(err error) { done <- err },
	})
	return b, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writer")
		return nil
	}
}

func TestBufferedConnSplitsIntoUnits(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 4)
	require.True(t, b.Send([]byte("0123456789")))
	require.Equal(t, 10, b.Queued())
	b.CloseWhenDone()

	fc := &fakeConn{}
	require.NoError(t, b.Attach(fc))
	require.NoError(t, waitDone(t, done))

	written, writes, closed := fc.snapshot()
	require.Equal(t, "0123456789", written)
	require.Equal(t, []int{4, 4, 2}, writes)
	require.True(t, closed)
	require.Equal(t, 0, b.Queued())
}

func TestBufferedConnPartialWriteKeepsOrder(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 8)
	fc := &fakeConn{maxWrite: 3}

	b.Send([]byte("hello, "))
	b.Send([]byte("partial world"))
	b.CloseWhenDone()
	require.NoError(t, b.Attach(fc))
	require.NoError(t, waitDone(t, done))

	written, writes, _ := fc.snapshot()
	require.Equal(t, "hello, partial world", written)
	for _, n := range writes {
		require.LessOrEqual(t, n, 3)
	}
}

func TestBufferedConnSentinelDropsLaterSends(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 16)
	require.True(t, b.Send([]byte("a")))
	require.True(t, b.Send([]byte("b")))
	b.CloseWhenDone()
	b.CloseWhenDone()
	require.False(t, b.Send([]byte("c")))

	fc := &fakeConn{}
	require.NoError(t, b.Attach(fc))
	require.NoError(t, waitDone(t, done))

	written, _, _ := fc.snapshot()
	require.Equal(t, "ab", written)
}

func TestBufferedConnHalfClose(t *testing.T) {
	t.Parallel()

	done := make(chan error, 1)
	fc := &fakeConn{}
	b := NewBufferedConn(halfCloser{fc}, Options{
		LingerTimeout: time.Minute,
		OnDone:        func(err error) { done <- err },
	})
	b.Send([]byte("bye"))
	b.CloseWhenDone()
	require.NoError(t, waitDone(t, done))

	fc.mu.Lock()
	require.True(t, fc.closedWrite)
	require.False(t, fc.closed)
	require.False(t, fc.readDL.IsZero())
	fc.mu.Unlock()

	require.NoError(t, b.Close())
	_, _, closed := fc.snapshot()
	require.True(t, closed)
}

func TestBufferedConnWritable(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 16)
	require.True(t, b.Writable(), "pending connection is writable")
	require.False(t, b.Established())

	b.Send([]byte("x"))
	require.True(t, b.Writable())

	fc := &fakeConn{}
	require.NoError(t, b.Attach(fc))
	require.True(t, b.Established())
	require.Eventually(t, func() bool { return !b.Writable() }, 2*time.Second, time.Millisecond)

	b.CloseWhenDone()
	require.NoError(t, waitDone(t, done))
	require.False(t, b.Writable())
}

func TestBufferedConnWriteError(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 16)
	boom := errors.New("connection reset")
	require.NoError(t, b.Attach(&fakeConn{writeErr: boom}))
	b.Send([]byte("x"))
	require.ErrorIs(t, waitDone(t, done), boom)
}

func TestBufferedConnStalledWriteFails(t *testing.T) {
	t.Parallel()

	b, done := newTestConn(t, 8)
	require.True(t, b.Send([]byte("nobody is reading")))

	fc := &fakeConn{stalled: true}
	require.NoError(t, b.Attach(fc))
	require.ErrorIs(t, waitDone(t, done), os.ErrDeadlineExceeded)

	written, _, _ := fc.snapshot()
	require.Empty(t, written)
}

func TestBufferedConnCloseDiscards(t *testing.T) {
	t.Parallel()

	b, _ := newTestConn(t, 16)
	b.Send([]byte("never written"))
	require.NoError(t, b.Close())
	require.False(t, b.Writable())
	require.Equal(t, 0, b.Queued())
	require.False(t, b.Send([]byte("x")))

	fc := &fakeConn{}
	require.ErrorIs(t, b.Attach(fc), net.ErrClosed)
	written, _, closed := fc.snapshot()
	require.Empty(t, written)
	require.True(t, closed)
}

func TestBufferPool(t *testing.T) {
	t.Parallel()

	p := NewBufferPool(32)
	b := p.Get()
	require.Len(t, *b, 32)
	*b = (*b)[:3]
	p.Put(b)
	p.Put(nil)

	other := make([]byte, 8)
	p.Put(&other)
	require.Len(t, *p.Get(), 32)
}

func TestListenTCP(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", 0, net.KeepAliveConfig{Enable: false})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	s, ok := <-accepted
	require.True(t, ok)
	defer s.Close()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}
