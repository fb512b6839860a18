package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startOriginServer runs a raw TCP origin that reads one request head (and
// optional body) and replies with the given response bytes.
func startOriginServer(t *testing.T, response string, captured chan<- string) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		var head strings.Builder
		contentLength := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			head.WriteString(line)
			trimmed := strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
				fmt.Sscanf(strings.TrimSpace(trimmed[len("content-length:"):]), "%d", &contentLength)
			}
			if trimmed == "" {
				break
			}
		}
		if contentLength > 0 {
			body := make([]byte, contentLength)
			if _, err := io.ReadFull(br, body); err != nil {
				return
			}
			head.Write(body)
		}
		if captured != nil {
			captured <- head.String()
		}
		_, _ = conn.Write([]byte(response))
	}()
	return ln.Addr()
}

func dialPair(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestForwardHTTPRelaysResponse(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	captured := make(chan string, 1)
	originAddr := startOriginServer(t, response, captured)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	upstream := dialPair(t, originAddr)

	req := mustParse(t, "GET http://example.com/data HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")

	var clientGot []byte
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		clientGot, _ = io.ReadAll(clientSide)
	}()

	result, err := ForwardHTTP(req, bufio.NewReader(proxySide), proxySide, upstream, 2*time.Second)
	require.NoError(t, err)
	_ = proxySide.Close()
	<-readDone

	assert.Equal(t, response, string(clientGot), "response must be relayed byte for byte")
	assert.Equal(t, int64(len(response)), result.BytesToClient)
	assert.Greater(t, result.BytesToUpstream, int64(0))
	assert.Equal(t, "HTTP/1.1 200 OK", result.StatusLine)
	assert.Greater(t, result.TTFB, time.Duration(0))
	assert.GreaterOrEqual(t, result.Duration, result.TTFB)

	sent := <-captured
	assert.True(t, strings.HasPrefix(sent, "GET /data HTTP/1.1\r\n"), "origin saw %q", sent)
	assert.Contains(t, sent, "Connection: close\r\n")
}

func TestForwardHTTPSendsBody(t *testing.T) {
	response := "HTTP/1.1 201 Created\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	captured := make(chan string, 1)
	originAddr := startOriginServer(t, response, captured)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	upstream := dialPair(t, originAddr)

	raw := "POST http://example.com/upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 7\r\n\r\npayload"
	br := bufio.NewReader(strings.NewReader(raw))
	req, err := ParseRequest(br)
	require.NoError(t, err)

	go func() { _, _ = io.ReadAll(clientSide) }()

	result, err := ForwardHTTP(req, br, proxySide, upstream, 2*time.Second)
	require.NoError(t, err)
	_ = proxySide.Close()

	sent := <-captured
	assert.True(t, strings.HasSuffix(sent, "payload"), "origin saw %q", sent)
	assert.Equal(t, "HTTP/1.1 201 Created", result.StatusLine)
}

func TestForwardHTTPUpstreamClosesWithoutResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close() // close without responding
		}
	}()

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	defer proxySide.Close()
	upstream := dialPair(t, ln.Addr())

	req := mustParse(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	go func() { _, _ = io.ReadAll(clientSide) }()

	result, err := ForwardHTTP(req, bufio.NewReader(strings.NewReader("")), proxySide, upstream, 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUpstreamClosed, ErrorCode(err))
	assert.Equal(t, int64(0), result.BytesToClient)
}

func TestForwardHTTPStalledClientUnblocks(t *testing.T) {
	// An origin that floods far more than the kernel socket buffers hold.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n"))
		chunk := make([]byte, 64*1024)
		for i := 0; i < 1024; i++ {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	// A real TCP pair so unread response bytes back up in the kernel; the
	// client end never reads.
	_, proxySide := tcpPipe(t)
	upstream := dialPair(t, ln.Addr())

	req := mustParse(t, "GET http://example.com/big HTTP/1.1\r\nHost: example.com\r\n\r\n")

	resultCh := make(chan *ForwardResult, 1)
	go func() {
		result, err := ForwardHTTP(req, bufio.NewReader(strings.NewReader("")), proxySide, upstream, time.Second)
		assert.NoError(t, err)
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		assert.Greater(t, result.BytesToClient, int64(0))
	case <-time.After(10 * time.Second):
		t.Fatal("forward did not unblock after the client stopped reading")
	}
}
