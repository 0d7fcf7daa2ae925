package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/AlexKimmel/shopguard/internal/auth"
)

// ClientIP returns the caller's address. Forwarding headers are only honoured
// when the gateway sits behind a trusted proxy.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Identify names the subject that counters and abuse scores are kept for:
// the authenticated principal if there is one, else the client IP.
func Identify(r *http.Request, trustForwarded bool) (identity string, roles []string) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.ID != "" {
		return "user:" + p.ID, p.Roles
	}
	return "ip:" + ClientIP(r, trustForwarded), nil
}
