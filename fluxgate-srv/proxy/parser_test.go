package proxy

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) (*ParsedRequest, error) {
	t.Helper()
	return ParseRequest(bufio.NewReader(strings.NewReader(raw)))
}

func TestParseAbsoluteURI(t *testing.T) {
	req, err := parse(t, "GET http://Example.COM/path?x=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.False(t, req.IsConnect)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, 80, req.Port)
	assert.Equal(t, "/path?x=1", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
}

func TestParseAbsoluteURIWithPort(t *testing.T) {
	req, err := parse(t, "GET http://example.com:8080/ HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, 8080, req.Port)
	assert.Equal(t, "/", req.Path)
}

func TestParseAbsoluteURIPrecedesHostHeader(t *testing.T) {
	req, err := parse(t, "GET http://real.example.com/ HTTP/1.1\r\nHost: other.example.com\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "real.example.com", req.Host)
}

func TestParseOriginFormUsesHostHeader(t *testing.T) {
	req, err := parse(t, "GET /index.html HTTP/1.1\r\nHost: example.com:81\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, 81, req.Port)
	assert.Equal(t, "/index.html", req.Path)
}

func TestParseOriginFormWithoutHost(t *testing.T) {
	_, err := parse(t, "GET / HTTP/1.1\r\nUser-Agent: test\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err))
}

func TestParseConnect(t *testing.T) {
	req, err := parse(t, "CONNECT Secure.Example.com:443 HTTP/1.1\r\nHost: secure.example.com:443\r\n\r\n")
	require.NoError(t, err)

	assert.True(t, req.IsConnect)
	assert.Equal(t, "secure.example.com", req.Host)
	assert.Equal(t, 443, req.Port)
	assert.Empty(t, req.Path)
}

func TestParseConnectWithoutPort(t *testing.T) {
	_, err := parse(t, "CONNECT example.com HTTP/1.1\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err))
}

func TestParseBadRequestLine(t *testing.T) {
	cases := []string{
		"\r\n\r\n",
		"GET\r\n\r\n",
		"GET / HTTP/1.1 extra\r\n\r\n",
		"GET / FTP/1.0\r\n\r\n",
	}
	for _, raw := range cases {
		_, err := parse(t, raw)
		require.Error(t, err, "input %q", raw)
		assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err), "input %q", raw)
	}
}

func TestParseBadHeaderLine(t *testing.T) {
	_, err := parse(t, "GET http://example.com/ HTTP/1.1\r\nNoColonHere\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err))
}

func TestParseIncompleteRequest(t *testing.T) {
	_, err := parse(t, "GET http://example.com/ HTTP/1.1\r\nUser-Agent: te")
	require.Error(t, err)
	assert.Equal(t, ErrCodeIncompleteRequest, ErrorCode(err))
}

func TestParseEmptyConnection(t *testing.T) {
	_, err := parse(t, "")
	require.Error(t, err)
	assert.Equal(t, ErrCodeIncompleteRequest, ErrorCode(err))
}

func TestParseHeaderTooLarge(t *testing.T) {
	raw := "GET http://example.com/ HTTP/1.1\r\n" +
		"X-Padding: " + strings.Repeat("a", maxHeaderBytes) + "\r\n\r\n"
	_, err := parse(t, raw)
	require.Error(t, err)
	assert.Equal(t, ErrCodeHeaderTooLarge, ErrorCode(err))
}

func TestParsePreservesRawHeader(t *testing.T) {
	raw := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nX-Custom: v\r\n\r\n"
	req, err := parse(t, raw)
	require.NoError(t, err)

	assert.Equal(t, raw, string(req.RawHeader))
}

func TestParseLeavesBodyInReader(t *testing.T) {
	raw := "POST http://example.com/upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 4\r\n\r\nbody"
	br := bufio.NewReader(strings.NewReader(raw))
	req, err := ParseRequest(br)
	require.NoError(t, err)

	cl, err := req.ContentLength()
	require.NoError(t, err)
	assert.Equal(t, int64(4), cl)

	rest := make([]byte, 4)
	n, _ := br.Read(rest)
	assert.Equal(t, "body", string(rest[:n]))
}

func TestHeaderValueCaseInsensitiveFirstWins(t *testing.T) {
	req, err := parse(t, "GET http://example.com/ HTTP/1.1\r\nX-Dup: first\r\nx-dup: second\r\n\r\n")
	require.NoError(t, err)

	v, ok := req.HeaderValue("X-DUP")
	require.True(t, ok)
	assert.Equal(t, "first", v)

	_, ok = req.HeaderValue("Missing")
	assert.False(t, ok)
}

func TestContentLengthInvalid(t *testing.T) {
	_, err := parse(t, "POST http://example.com/ HTTP/1.1\r\nContent-Length: nope\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedRequest, ErrorCode(err))
}

func TestParseIPv6Authority(t *testing.T) {
	req, err := parse(t, "CONNECT [2001:db8::1]:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "2001:db8::1", req.Host)
	assert.Equal(t, 443, req.Port)
}
