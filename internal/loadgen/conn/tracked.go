package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// errUnhealthy is returned by a connection that has already seen an I/O
// error. The transport treats it like any broken connection and drops it.
var errUnhealthy = errors.New("conn: connection marked unhealthy")

// tracker counts physical connections.
type tracker struct {
	opened    atomic.Int64
	closed    atomic.Int64
	active    atomic.Int64
	peak      atomic.Int64
	reused    atomic.Int64
	discarded atomic.Int64
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (t *tracker) dialContext(d *net.Dialer) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		t.opened.Add(1)
		t.updatePeak(t.active.Add(1))
		return &trackedConn{Conn: c, tracker: t}, nil
	}
}

func (t *tracker) updatePeak(active int64) {
	for {
		peak := t.peak.Load()
		if active <= peak || t.peak.CompareAndSwap(peak, active) {
			return
		}
	}
}

// trackedConn is a net.Conn tagged with a health state.
//
// Any read or write error other than a clean EOF marks the connection
// unhealthy; from then on it refuses further I/O, so it can never carry
// another request even if something tried to reuse it.
type trackedConn struct {
	net.Conn
	tracker *tracker

	unhealthy atomic.Bool
	closeOnce sync.Once
}

func (c *trackedConn) Read(p []byte) (int, error) {
	if c.unhealthy.Load() {
		return 0, errUnhealthy
	}
	n, err := c.Conn.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		c.unhealthy.Store(true)
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	if c.unhealthy.Load() {
		return 0, errUnhealthy
	}
	n, err := c.Conn.Write(p)
	if err != nil {
		c.unhealthy.Store(true)
	}
	return n, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.tracker.closed.Add(1)
		c.tracker.active.Add(-1)
		if c.unhealthy.Load() {
			c.tracker.discarded.Add(1)
		}
	})
	return err
}
