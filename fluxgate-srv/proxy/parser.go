package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	// maxHeaderBytes caps the request line plus all header lines.
	maxHeaderBytes = 64 * 1024
)

// HeaderField is one request header, order preserved.
type HeaderField struct {
	Name  string
	Value string
}

// ParsedRequest is the result of reading one request head from a client.
type ParsedRequest struct {
	Method    string
	Target    string // request target exactly as sent
	Proto     string
	IsConnect bool
	Host      string // lower-cased target host, no port
	Port      int
	Path      string // origin-form path for forwarding, empty for CONNECT
	Header    []HeaderField
	RawHeader []byte // request line + headers + terminating CRLF, verbatim
}

// HeaderValue returns the value of the first header named name,
// case-insensitively. The second result reports whether it was present.
func (r *ParsedRequest) HeaderValue(name string) (string, bool) {
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// ContentLength returns the declared request body length, or 0 when absent.
func (r *ParsedRequest) ContentLength() (int64, error) {
	v, ok := r.HeaderValue("Content-Length")
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("invalid Content-Length %q", v))
	}
	return n, nil
}

// ParseRequest reads one request head from br. It returns a parse error
// classified as malformed, incomplete, header timeout, or header too large;
// the caller maps those to a client response.
func ParseRequest(br *bufio.Reader) (*ParsedRequest, error) {
	var raw bytes.Buffer

	line, err := readHeaderLine(br, &raw)
	if err != nil {
		return nil, classifyReadError(err, raw.Len())
	}
	if line == "" {
		return nil, NewParseError(ErrCodeMalformedRequest, errors.New("empty request line"))
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad request line %q", line))
	}
	req := &ParsedRequest{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
	}
	if req.Method == "" || !strings.HasPrefix(req.Proto, "HTTP/") {
		return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad request line %q", line))
	}
	req.IsConnect = req.Method == "CONNECT"

	for {
		line, err := readHeaderLine(br, &raw)
		if err != nil {
			return nil, classifyReadError(err, raw.Len())
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" || strings.ContainsAny(name, " \t") {
			return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad header line %q", line))
		}
		req.Header = append(req.Header, HeaderField{
			Name:  name,
			Value: strings.TrimSpace(value),
		})
	}
	req.RawHeader = append([]byte(nil), raw.Bytes()...)

	if err := resolveTarget(req); err != nil {
		return nil, err
	}
	if _, err := req.ContentLength(); err != nil {
		return nil, err
	}
	return req, nil
}

// resolveTarget fills Host, Port, and Path from the request target. CONNECT
// requires authority form; other methods take an absolute URI first, with
// the Host header as fallback for origin-form targets.
func resolveTarget(req *ParsedRequest) error {
	if req.IsConnect {
		host, port, err := splitHostPort(req.Target, 0)
		if err != nil || port == 0 {
			return NewParseError(ErrCodeMalformedRequest, fmt.Errorf("CONNECT target %q is not host:port", req.Target))
		}
		req.Host = host
		req.Port = port
		return nil
	}

	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil || u.Hostname() == "" {
			return NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad absolute URI %q", req.Target))
		}
		host, port, err := splitHostPort(u.Host, defaultPortForScheme(u.Scheme))
		if err != nil {
			return NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad authority %q", u.Host))
		}
		req.Host = host
		req.Port = port
		req.Path = u.RequestURI()
		return nil
	}

	// Origin-form target. The Host header names the destination.
	hostHeader, ok := req.HeaderValue("Host")
	if !ok || hostHeader == "" {
		return NewParseError(ErrCodeMalformedRequest, errors.New("origin-form request without Host header"))
	}
	host, port, err := splitHostPort(hostHeader, 80)
	if err != nil {
		return NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad Host header %q", hostHeader))
	}
	req.Host = host
	req.Port = port
	if strings.HasPrefix(req.Target, "/") || req.Target == "*" {
		req.Path = req.Target
	} else {
		return NewParseError(ErrCodeMalformedRequest, fmt.Errorf("bad request target %q", req.Target))
	}
	return nil
}

func defaultPortForScheme(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// splitHostPort splits an authority into a lower-cased host and a port,
// applying defaultPort when no port is present. defaultPort 0 means the
// port is mandatory.
func splitHostPort(authority string, defaultPort int) (string, int, error) {
	host := authority
	port := defaultPort
	if h, p, err := net.SplitHostPort(authority); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", p)
		}
		host = h
		port = n
	} else if port == 0 {
		return "", 0, fmt.Errorf("missing port in %q", authority)
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	// Bracketed IPv6 literals come back bare from SplitHostPort.
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", authority)
	}
	return host, port, nil
}

// readHeaderLine reads one CRLF (or LF) terminated line, appending the
// verbatim bytes to raw and enforcing the total header size limit.
func readHeaderLine(br *bufio.Reader, raw *bytes.Buffer) (string, error) {
	line, err := br.ReadString('\n')
	raw.WriteString(line)
	if raw.Len() > maxHeaderBytes {
		return "", NewParseError(ErrCodeHeaderTooLarge, fmt.Errorf("request head exceeds %d bytes", maxHeaderBytes))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// classifyReadError maps a raw read failure to a parse error code. A
// deadline expiry is a header timeout; EOF with no bytes read means the
// client never sent a request, EOF mid-head means it was cut off.
func classifyReadError(err error, bytesRead int) error {
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewParseError(ErrCodeHeaderTimeout, err)
	}
	if errors.Is(err, io.EOF) && bytesRead == 0 {
		return NewParseError(ErrCodeIncompleteRequest, errors.New("connection closed before request"))
	}
	return NewParseError(ErrCodeIncompleteRequest, err)
}
