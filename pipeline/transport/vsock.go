package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

// ListenVSock binds a vsock listener on the local context ID. The semantics
// mirror ListenTCP over the platform vsock address family.
func ListenVSock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("binding vsock port %d: %w", port, err)
	}
	logrus.Debugf("vsock listener bound on port %d", port)
	return l, nil
}

// DialVSock connects to (cid, port) under the retry policy.
func DialVSock(ctx context.Context, cid, port uint32, policy RetryPolicy) (net.Conn, error) {
	return Retry(ctx, policy, func(ctx context.Context) (net.Conn, error) {
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, err
		}
		logrus.Debugf("vsock connected to cid %d port %d", cid, port)
		return conn, nil
	})
}
