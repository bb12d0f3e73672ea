package httputil

import (
	"net"
	"net/http"
	"strings"
)

// sourceHeaders lists the trusted proxy headers in resolution order.
var sourceHeaders = []string{"Cf-Connecting-Ip", "X-Real-Ip"}

// ClientIP resolves the source address attributed to a request.
//
// Resolution order: cf-connecting-ip, x-real-ip, the first entry of
// x-forwarded-for, then the connection remote address. Port suffixes are
// stripped so the same client always yields the same key.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	for _, header := range sourceHeaders {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return stripPort(v)
		}
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return stripPort(candidate)
		}
	}

	return stripPort(strings.TrimSpace(r.RemoteAddr))
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
