package proxy

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// TunnelResult reports byte totals and timings for one CONNECT tunnel.
// TTFB and Duration are both anchored at the moment the 200 response was
// sent to the client.
type TunnelResult struct {
	BytesToUpstream int64
	BytesToClient   int64
	TTFB            time.Duration
	Duration        time.Duration
}

// closeWriter is implemented by connections supporting half-close.
type closeWriter interface {
	CloseWrite() error
}

// RelayTunnel pumps bytes in both directions between client and upstream
// until both sides finish or the tunnel sits idle past idleTimeout. Both
// connections are closed before it returns. established marks the moment
// the 200 response was sent and anchors the TTFB measurement.
func RelayTunnel(client, upstream net.Conn, established time.Time, idleTimeout time.Duration) *TunnelResult {
	result := &TunnelResult{}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var firstByte atomic.Int64 // 0 until the first byte flows in either direction

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(dst, src net.Conn, written *int64) {
		defer wg.Done()
		n, err := copyBuffer(dst, &activityReader{
			src:          src,
			lastActivity: &lastActivity,
			firstByte:    &firstByte,
		})
		atomic.StoreInt64(written, n)
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy ended: %v", err)
		}
		// Half-close the write side so the peer sees EOF while its own
		// sends can still drain.
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}

	go pump(upstream, client, &result.BytesToUpstream)
	go pump(client, upstream, &result.BytesToClient)

	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if first := firstByte.Load(); first > 0 {
				result.TTFB = time.Unix(0, first).Sub(established)
			}
			result.Duration = time.Since(established)
			_ = client.Close()
			_ = upstream.Close()
			return result
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle >= idleTimeout {
				logger.Debug("Tunnel idle for %s, closing", idle)
				_ = client.Close()
				_ = upstream.Close()
			}
		}
	}
}

// activityReader tracks the time of the most recent read and, optionally,
// the instant of the very first byte.
type activityReader struct {
	src          io.Reader
	lastActivity *atomic.Int64
	firstByte    *atomic.Int64
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.src.Read(p)
	if n > 0 {
		now := time.Now().UnixNano()
		a.lastActivity.Store(now)
		if a.firstByte != nil {
			a.firstByte.CompareAndSwap(0, now)
		}
	}
	return n, err
}
