package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
	"github.com/fluxgate/fluxgate/fluxgate-srv/stats"
)

// session carries the state of one accepted client connection through
// parsing, policy, rate limiting, and relaying.
type session struct {
	id       string
	server   *Server
	conn     net.Conn
	br       *bufio.Reader
	clientIP string
	started  time.Time
}

// handleConnection drives one client connection from accept to close.
// Exactly one stats event is emitted per connection, matching its terminal
// state.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler: %v", r)
			_ = conn.Close()
		}
	}()

	sess := &session{
		id:       uuid.New().String(),
		server:   s,
		conn:     conn,
		br:       bufio.NewReader(conn),
		clientIP: clientIPFromAddr(conn.RemoteAddr()),
		started:  time.Now(),
	}
	sess.run()
}

func (sess *session) run() {
	s := sess.server

	if err := sess.conn.SetReadDeadline(time.Now().Add(s.headerTimeout)); err != nil {
		_ = sess.conn.Close()
		return
	}

	req, err := ParseRequest(sess.br)
	if err != nil {
		sess.finishParseError(err)
		return
	}
	// The parse deadline no longer applies; relaying sets its own.
	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		_ = sess.conn.Close()
		return
	}

	logger.Debug("[%s] %s %s %s from %s", sess.id, req.Method, req.Target, req.Proto, sess.clientIP)

	if decision := s.policy.Evaluate(req.Host); decision.Blocked {
		sess.finishBlocked(req, decision.Pattern)
		return
	}

	if result := s.limiter.Admit(sess.clientIP); !result.Allowed {
		sess.finishRateLimited(req, result.Count)
		return
	}

	ctx := context.Background()
	upstream, dialErr := s.dialer.Dial(ctx, req.Host, req.Port)
	if dialErr != nil {
		sess.finishDialError(req, dialErr)
		return
	}

	if req.IsConnect {
		sess.runTunnel(req, upstream)
	} else {
		sess.runForward(req, upstream)
	}
}

func (sess *session) runTunnel(req *ParsedRequest, upstream net.Conn) {
	s := sess.server

	if _, err := fmt.Fprintf(sess.conn, "%s 200 Connection Established\r\n\r\n", req.Proto); err != nil {
		logger.Debug("[%s] Failed to confirm tunnel: %v", sess.id, err)
		_ = sess.conn.Close()
		_ = upstream.Close()
		sess.record(req, &stats.RequestRecord{Outcome: stats.OutcomeRelayError})
		s.accumulator.ObserveRequest(req.Host, 0, 0, true)
		return
	}
	established := time.Now()

	// Bytes the client sent ahead of the 200 are sitting in the bufio
	// reader; the tunnel must drain them first.
	client := newBufferedConn(sess.conn, sess.br)
	result := RelayTunnel(client, upstream, established, s.idleTimeout)

	logger.Debug("[%s] Tunnel to %s:%d closed: %d bytes up, %d bytes down",
		sess.id, req.Host, req.Port, result.BytesToUpstream, result.BytesToClient)

	sess.record(req, &stats.RequestRecord{
		Outcome:       stats.OutcomeTunneled,
		StatusLine:    fmt.Sprintf("%s 200 Connection Established", req.Proto),
		BytesSent:     result.BytesToUpstream,
		BytesReceived: result.BytesToClient,
		Duration:      result.Duration,
		TTFB:          result.TTFB,
	})
	s.accumulator.ObserveRequest(req.Host, result.BytesToUpstream, result.BytesToClient, false)
}

func (sess *session) runForward(req *ParsedRequest, upstream net.Conn) {
	s := sess.server
	defer func() {
		_ = upstream.Close()
		_ = sess.conn.Close()
	}()

	result, err := ForwardHTTP(req, sess.br, sess.conn, upstream, s.idleTimeout)
	if err != nil {
		code := ErrorCode(err)
		logger.Warn("[%s] Forward to %s:%d failed: %v", sess.id, req.Host, req.Port, err)
		statusLine := result.StatusLine
		if result.BytesToClient == 0 {
			sess.writeError(502, "Bad Gateway", code)
			statusLine = "HTTP/1.1 502 Bad Gateway"
		}
		sess.record(req, &stats.RequestRecord{
			Outcome:       stats.OutcomeRelayError,
			StatusLine:    statusLine,
			ErrorCode:     code,
			BytesSent:     result.BytesToUpstream,
			BytesReceived: result.BytesToClient,
			Duration:      result.Duration,
		})
		s.accumulator.ObserveRequest(req.Host, result.BytesToUpstream, result.BytesToClient, true)
		return
	}

	logger.Debug("[%s] Forwarded %s %s://%s:%d -> %q: %d bytes up, %d bytes down",
		sess.id, req.Method, "http", req.Host, req.Port, result.StatusLine,
		result.BytesToUpstream, result.BytesToClient)

	sess.record(req, &stats.RequestRecord{
		Outcome:       stats.OutcomeForwarded,
		StatusLine:    result.StatusLine,
		BytesSent:     result.BytesToUpstream,
		BytesReceived: result.BytesToClient,
		Duration:      result.Duration,
		TTFB:          result.TTFB,
	})
	s.accumulator.ObserveRequest(req.Host, result.BytesToUpstream, result.BytesToClient, false)
}

func (sess *session) finishParseError(err error) {
	code := ErrorCode(err)
	logger.Debug("[%s] Rejecting request from %s: %v", sess.id, sess.clientIP, err)
	sess.writeError(400, "Bad Request", code)
	_ = sess.conn.Close()

	rec := &stats.RequestRecord{
		SessionID:  sess.id,
		Timestamp:  sess.started,
		ClientIP:   sess.clientIP,
		Outcome:    stats.OutcomeParseError,
		StatusLine: "HTTP/1.1 400 Bad Request",
		ErrorCode:  code,
		Duration:   time.Since(sess.started),
	}
	if err := sess.server.collector.RecordRequest(context.Background(), rec); err != nil {
		logger.Error("[%s] Failed to record request: %v", sess.id, err)
	}
}

func (sess *session) finishBlocked(req *ParsedRequest, pattern string) {
	logger.Info("[%s] Blocked %s %s from %s (pattern %s)", sess.id, req.Method, req.Host, sess.clientIP, pattern)
	sess.writeError(403, "Forbidden", ErrCodeBlocklistMatch)
	_ = sess.conn.Close()

	rec := &stats.BlockedRecord{
		SessionID: sess.id,
		Timestamp: sess.started,
		ClientIP:  sess.clientIP,
		Host:      req.Host,
		Method:    req.Method,
		Pattern:   pattern,
	}
	if err := sess.server.collector.RecordBlockedRequest(context.Background(), rec); err != nil {
		logger.Error("[%s] Failed to record blocked request: %v", sess.id, err)
	}
	sess.server.accumulator.ObserveBlocked()
}

func (sess *session) finishRateLimited(req *ParsedRequest, count int) {
	logger.Info("[%s] Rate limited %s (%d requests in window)", sess.id, sess.clientIP, count)
	sess.writeError(429, "Too Many Requests", ErrCodeRateLimited)
	_ = sess.conn.Close()

	rec := &stats.ViolationRecord{
		SessionID:    sess.id,
		Timestamp:    sess.started,
		ClientIP:     sess.clientIP,
		Host:         req.Host,
		Method:       req.Method,
		RequestCount: count,
	}
	if err := sess.server.collector.RecordRateLimitViolation(context.Background(), rec); err != nil {
		logger.Error("[%s] Failed to record rate limit violation: %v", sess.id, err)
	}
	sess.server.accumulator.ObserveRateLimited()
}

func (sess *session) finishDialError(req *ParsedRequest, err error) {
	code := ErrorCode(err)
	logger.Warn("[%s] Dial %s:%d failed: %v", sess.id, req.Host, req.Port, err)
	sess.writeError(502, "Bad Gateway", code)
	_ = sess.conn.Close()

	sess.record(req, &stats.RequestRecord{
		Outcome:    stats.OutcomeDialError,
		StatusLine: "HTTP/1.1 502 Bad Gateway",
		ErrorCode:  code,
	})
	sess.server.accumulator.ObserveRequest(req.Host, 0, 0, true)
}

// record fills the session-level fields of rec and hands it to the
// collector.
func (sess *session) record(req *ParsedRequest, rec *stats.RequestRecord) {
	rec.SessionID = sess.id
	rec.Timestamp = sess.started
	rec.ClientIP = sess.clientIP
	rec.Host = req.Host
	rec.Port = req.Port
	rec.Method = req.Method
	if req.IsConnect {
		rec.Protocol = "connect"
	} else {
		rec.Protocol = "http"
	}
	rec.RawHeader = string(req.RawHeader)
	// Relay paths measure Duration from the request being fully sent;
	// everything else falls back to session wall time.
	if rec.Duration == 0 {
		rec.Duration = time.Since(sess.started)
	}
	if err := sess.server.collector.RecordRequest(context.Background(), rec); err != nil {
		logger.Error("[%s] Failed to record request: %v", sess.id, err)
	}
}

// writeError sends a minimal error response. The X-Proxy-Error header
// carries the internal error code for diagnostics.
func (sess *session) writeError(status int, reason, code string) {
	body := fmt.Sprintf("%d %s\r\n", status, reason)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n",
		status, reason, len(body))
	if code != "" {
		resp += fmt.Sprintf("X-Proxy-Error: %s\r\n", code)
	}
	resp += "\r\n" + body

	if err := sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return
	}
	if _, err := sess.conn.Write([]byte(resp)); err != nil {
		logger.Debug("[%s] Failed to write %d response: %v", sess.id, status, err)
	}
}

func clientIPFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// bufferedConn lets bytes already buffered by a bufio.Reader reach the
// tunnel relay ahead of fresh reads from the socket.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func newBufferedConn(conn net.Conn, br *bufio.Reader) *bufferedConn {
	return &bufferedConn{Conn: conn, br: br}
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return b.Conn.Close()
}
