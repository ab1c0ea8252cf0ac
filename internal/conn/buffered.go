package conn

import (
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultUnitSize is the size of a send unit when no pool is configured.
const DefaultUnitSize = 1024

// Options configures a BufferedConn.
type Options struct {
	// Pool supplies send units; its buffer size is the unit size.
	Pool *BufferPool

	// WriteTimeout bounds each write. A write that times out part way through
	// a unit puts the unsent remainder back at the head of the queue; one that
	// times out without writing anything fails the connection.
	WriteTimeout time.Duration

	// LingerTimeout bounds how long the read side stays open after the write
	// side has been shut down by CloseWhenDone. Zero means no bound.
	LingerTimeout time.Duration

	// OnDone is called once from the writer goroutine, with nil when the
	// close sentinel is reached or with the error that stopped writing. It is
	// not called after Close.
	OnDone func(err error)
}

type unit struct {
	buf      *[]byte
	off, end int
	sentinel bool
}

// BufferedConn queues outbound data in fixed-size units and writes them in
// order from a dedicated goroutine, so senders never block.
//
// A BufferedConn may be created before its connection exists (NewPendingConn);
// data sent in the meantime is written once Attach supplies the connection.
// The queue is unbounded.
type BufferedConn struct {
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	conn    net.Conn
	queue   []unit
	queued  int
	closing bool
	closed  bool

	doneOnce sync.Once
}

// NewBufferedConn wraps an established connection.
func NewBufferedConn(c net.Conn, opts Options) *BufferedConn {
	b := NewPendingConn(opts)
	_ = b.Attach(c)
	return b
}

// NewPendingConn returns a BufferedConn whose connection is still being
// established.
func NewPendingConn(opts Options) *BufferedConn {
	if opts.Pool == nil {
		opts.Pool = NewBufferPool(DefaultUnitSize)
	}
	b := &BufferedConn{opts: opts}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Attach supplies the established connection and starts writing whatever has
// been queued. If b was already closed, c is closed and net.ErrClosed is
// returned.
func (b *BufferedConn) Attach(c net.Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = c.Close()
		return net.ErrClosed
	}
	if b.conn != nil {
		b.mu.Unlock()
		return errors.New("conn: already attached")
	}
	b.conn = c
	b.mu.Unlock()

	go b.writeLoop()
	return nil
}

// Conn returns the underlying connection, or nil while pending.
func (b *BufferedConn) Conn() net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// Send copies p into the outbound queue. It reports false, dropping p, once
// CloseWhenDone or Close has been called.
func (b *BufferedConn) Send(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing || b.closed {
		return false
	}
	for len(p) > 0 {
		buf := b.opts.Pool.Get()
		n := copy(*buf, p)
		b.queue = append(b.queue, unit{buf: buf, end: n})
		b.queued += n
		p = p[n:]
	}
	b.cond.Signal()
	return true
}

// CloseWhenDone queues the close sentinel: the write side is shut down once
// everything queued before it has been written.
func (b *BufferedConn) CloseWhenDone() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing || b.closed {
		return
	}
	b.closing = true
	b.queue = append(b.queue, unit{sentinel: true})
	b.cond.Signal()
}

// Writable reports whether the connection is still being established or has
// data waiting to be written.
func (b *BufferedConn) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return (b.conn == nil && !b.closed) || len(b.queue) > 0
}

// Established reports whether Attach has supplied a connection.
func (b *BufferedConn) Established() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Queued returns the number of bytes waiting to be written.
func (b *BufferedConn) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// Close closes the connection immediately, discarding anything queued.
func (b *BufferedConn) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	q := b.queue
	b.queue = nil
	b.queued = 0
	c := b.conn
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, u := range q {
		b.opts.Pool.Put(u.buf)
	}
	if c == nil {
		return nil
	}
	return c.Close()
}

func (b *BufferedConn) writeLoop() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		u := b.queue[0]
		b.queue[0] = unit{}
		b.queue = b.queue[1:]
		c := b.conn
		b.mu.Unlock()

		if u.sentinel {
			b.done(b.shutdown(c))
			return
		}

		n, err := b.write(c, (*u.buf)[u.off:u.end])

		b.mu.Lock()
		b.queued -= n
		closed := b.closed
		if !closed && u.off+n < u.end && (err == nil || (n > 0 && isTimeout(err))) {
			u.off += n
			b.queue = append([]unit{u}, b.queue...)
			b.mu.Unlock()
			continue
		}
		b.mu.Unlock()

		b.opts.Pool.Put(u.buf)
		if closed {
			return
		}
		if err != nil {
			b.done(err)
			return
		}
	}
}

func (b *BufferedConn) write(c net.Conn, p []byte) (int, error) {
	if b.opts.WriteTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
	}
	return c.Write(p)
}

// shutdown half-closes c when it supports that, leaving the read side open
// for the peer's remaining data, and closes it otherwise.
func (b *BufferedConn) shutdown(c net.Conn) error {
	cw, ok := c.(interface{ CloseWrite() error })
	if !ok {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		return c.Close()
	}

	err := cw.CloseWrite()
	if b.opts.LingerTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(b.opts.LingerTimeout))
	}
	return err
}

func (b *BufferedConn) done(err error) {
	b.doneOnce.Do(func() {
		if b.opts.OnDone != nil {
			b.opts.OnDone(err)
		}
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
