package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// ListenTCP binds a TCP listener. Use ":0" for an OS-assigned port.
func ListenTCP(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding tcp %s: %w", addr, err)
	}
	logrus.Debugf("tcp listener bound on %s", l.Addr())
	return l, nil
}

// AcceptOne accepts a single peer and closes the listener. An accept error is
// returned as-is; the listener is closed either way, so accepting is not
// retried.
func AcceptOne(ctx context.Context, l net.Listener) (net.Conn, error) {
	defer l.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		l.Close()
		// Unblock the pending Accept; discard its eventual result.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accepting peer: %w", r.err)
		}
		if tc, ok := r.conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return r.conn, nil
	}
}

// DialTCP connects to addr under the retry policy, with TCP_NODELAY set.
func DialTCP(ctx context.Context, addr string, policy RetryPolicy) (net.Conn, error) {
	return Retry(ctx, policy, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		logrus.Debugf("tcp connected to %s", addr)
		return conn, nil
	})
}
