package proxy

import (
	"bytes"
	"fmt"
	"strings"
)

// hopByHopHeaders are stripped before forwarding to the origin server.
// Connection is handled separately because it gets replaced, not dropped.
var hopByHopHeaders = map[string]struct{}{
	"proxy-connection":    {},
	"proxy-authorization": {},
	"proxy-authenticate":  {},
	"keep-alive":          {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// RewriteRequest renders the forwarded request head. The request line uses
// the origin-form path, hop-by-hop headers are stripped, Connection is
// forced to close so the upstream ends the exchange after one response, and
// a Host header is guaranteed.
func RewriteRequest(req *ParsedRequest) []byte {
	var b bytes.Buffer

	path := req.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, path, req.Proto)

	hostWritten := false
	for _, f := range req.Header {
		name := strings.ToLower(f.Name)
		if _, drop := hopByHopHeaders[name]; drop {
			continue
		}
		if name == "connection" {
			continue
		}
		if name == "host" {
			if hostWritten {
				continue
			}
			hostWritten = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	if !hostWritten {
		fmt.Fprintf(&b, "Host: %s\r\n", hostHeaderValue(req))
	}
	b.WriteString("Connection: close\r\n\r\n")

	return b.Bytes()
}

func hostHeaderValue(req *ParsedRequest) string {
	if req.Port == 80 {
		return req.Host
	}
	return fmt.Sprintf("%s:%d", req.Host, req.Port)
}
