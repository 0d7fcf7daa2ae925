// Package proxy forwards admitted requests to the storefront backend.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler returns a handler that proxies every request to upstream, bounded
// by timeout. Upstream failures are answered with a JSON 502 or 504.
func Handler(upstream *url.URL, tr http.RoundTripper, timeout time.Duration) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			code, errCode := http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
			if errors.Is(err, context.DeadlineExceeded) {
				code, errCode = http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
			}
			hlog.FromRequest(r).Warn().Err(err).Str("upstream", upstream.Host).Msg("proxy error")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"` + errCode + `","message":"upstream request failed"}}`))
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if timeout <= 0 {
			proxy.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Unconfigured answers 503 for everything; used when no upstream URL is set.
func Unconfigured(log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("path", r.URL.Path).Msg("no upstream configured")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"NO_UPSTREAM","message":"no upstream configured"}}`))
	})
}
