package proxy

import (
	"bufio"
	"bytes"
	"net"
	"time"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// ForwardResult reports byte totals and timings for one forwarded exchange.
// TTFB and Duration are both anchored at the moment the request was fully
// written to upstream.
type ForwardResult struct {
	BytesToUpstream int64
	BytesToClient   int64
	TTFB            time.Duration
	Duration        time.Duration
	StatusLine      string
}

// ForwardHTTP relays one plain HTTP exchange: it writes the rewritten
// request head to upstream, streams the Content-Length delimited body from
// the client, then relays the upstream response verbatim until the upstream
// closes. The rewritten head forces Connection: close, so upstream close
// marks the end of the response.
func ForwardHTTP(req *ParsedRequest, clientBR *bufio.Reader, clientConn, upstream net.Conn, idleTimeout time.Duration) (*ForwardResult, error) {
	result := &ForwardResult{}

	head := RewriteRequest(req)
	if err := upstream.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
		return result, NewConnectionError(ErrCodeDialFailed, err)
	}
	n, err := upstream.Write(head)
	result.BytesToUpstream += int64(n)
	if err != nil {
		return result, NewConnectionError(ErrCodeUpstreamClosed, err)
	}

	contentLength, err := req.ContentLength()
	if err != nil {
		return result, err
	}
	if contentLength > 0 {
		if err := clientConn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return result, NewParseError(ErrCodeIncompleteRequest, err)
		}
		if err := upstream.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
			return result, NewConnectionError(ErrCodeUpstreamClosed, err)
		}
		written, err := copyBufferN(upstream, clientBR, contentLength)
		result.BytesToUpstream += written
		if err != nil {
			return result, NewParseError(ErrCodeIncompleteRequest, err)
		}
	}
	sent := time.Now()
	defer func() { result.Duration = time.Since(sent) }()

	// Relay the response until upstream closes. The first chunk carries
	// the status line. Every read and write is bounded by idleTimeout so
	// a stalled peer on either side cannot pin the session.
	buf := getBuffer()
	defer putBuffer(buf)

	var statusCaptured bool
	for {
		if err := upstream.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			break
		}
		n, readErr := upstream.Read(*buf)
		if n > 0 {
			if !statusCaptured {
				result.TTFB = time.Since(sent)
				result.StatusLine = firstLine((*buf)[:n])
				statusCaptured = true
			}
			if err := clientConn.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
				return result, nil
			}
			written, writeErr := clientConn.Write((*buf)[:n])
			result.BytesToClient += int64(written)
			if writeErr != nil {
				logger.Debug("Client write failed during response relay: %v", writeErr)
				return result, nil
			}
		}
		if readErr != nil {
			break
		}
	}

	if result.BytesToClient == 0 {
		return result, NewConnectionError(ErrCodeUpstreamClosed, nil)
	}
	return result, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, "\r"))
}
