package proxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Dialer opens upstream connections with a bounded connect timeout and
// classifies failures so records and logs can tell DNS failures, timeouts,
// and refusals apart.
type Dialer struct {
	Timeout time.Duration
}

// Dial connects to host:port. The returned error, when non-nil, is a
// *Error with an E2xxx code.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return conn, nil
}

func classifyDialError(err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewConnectionError(ErrCodeDNSFailure, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewConnectionError(ErrCodeConnectionRefused, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewConnectionError(ErrCodeConnectTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError(ErrCodeConnectTimeout, err)
	}
	return NewConnectionError(ErrCodeDialFailed, err)
}
