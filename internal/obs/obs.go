package obs

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/shopguard/internal/gateway"
)

func SetupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("svc", "shopguard").Logger().Level(lvl)

	return logger
}

// Logger attaches a request-scoped logger carrying req_id, method, path and
// the client address, and writes one access line per request. The line also
// records the admission outcome the gatekeeper left in the response headers.
// Every request gets a generated id, echoed in X-Request-ID.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		access := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			logAccess(r, w.Header(), rec, time.Since(start))
		})

		return hlog.NewHandler(logger)(
			hlog.RequestIDHandler("req_id", "X-Request-ID")(
				hlog.MethodHandler("method")(
					hlog.RemoteAddrHandler("remote")(
						hlog.UserAgentHandler("ua")(
							pathHandler(access),
						),
					),
				),
			),
		)
	}
}

func pathHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("path", r.URL.Path)
		})
		next.ServeHTTP(w, r)
	})
}

// logAccess warns on upstream 5xx and on requests admitted or refused while
// the limiter was degraded.
func logAccess(r *http.Request, h http.Header, rec *statusRecorder, dur time.Duration) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}

	log := hlog.FromRequest(r)
	ev := log.Info()
	if status >= 500 || h.Get(gateway.HeaderDisabled) != "" {
		ev = log.Warn()
	}
	if alg := h.Get(gateway.HeaderAlgorithm); alg != "" {
		ev = ev.Str("rl_alg", alg).Str("rl_remaining", h.Get(gateway.HeaderRemaining))
	}
	if h.Get(gateway.HeaderDisabled) != "" {
		ev = ev.Bool("rl_disabled", true)
	}
	ev.Bool("limited", status == http.StatusTooManyRequests).
		Int("status", status).
		Int("size", rec.bytes).
		Dur("dur", dur).
		Msg("req")
}
