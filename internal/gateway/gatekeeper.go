// Package gateway is the admission gatekeeper: for every request it resolves
// the effective rule, evaluates it and either forwards the request or answers
// with a structured rejection.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/policy"
	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

type Policy interface {
	Current() *policy.Snapshot
}

type AbuseTracker interface {
	Score(ctx context.Context, identity string) (int64, error)
	Track(ctx context.Context, identity string, event abuse.EventType) (int64, error)
}

// Recorder receives one call per evaluated request. obs.Metrics implements it.
type Recorder interface {
	ObserveDecision(res policy.Resolution, dec ratelimit.Decision, elapsed time.Duration)
	ObserveDegraded(reason string)
}

type Options struct {
	// FailClosed answers 429 instead of admitting while the store is down.
	FailClosed bool

	// DegradedRetry is the Retry-After sent in fail-closed mode, normally the
	// store's cooldown. Defaults to one second.
	DegradedRetry time.Duration

	TrustForwardedFor bool
	Recorder          Recorder
	Logger            zerolog.Logger
	Now               func() time.Time
}

type Request struct {
	Path     string
	Identity string
	Roles    []string
}

type Outcome struct {
	Exempt     bool
	Degraded   bool
	Resolution policy.Resolution
	Decision   ratelimit.Decision
	Err        error
}

type Gatekeeper struct {
	policy  Policy
	engine  ratelimit.Engine
	tracker AbuseTracker
	opts    Options

	storeWarn rate.Sometimes
	abuseWarn rate.Sometimes
}

func New(p Policy, engine ratelimit.Engine, tracker AbuseTracker, opts Options) *Gatekeeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DegradedRetry <= 0 {
		opts.DegradedRetry = time.Second
	}
	return &Gatekeeper{
		policy:    p,
		engine:    engine,
		tracker:   tracker,
		opts:      opts,
		storeWarn: rate.Sometimes{Interval: 10 * time.Second},
		abuseWarn: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Key builds the counter key. It uses the nominal rule so that derating a
// caller does not hand them a fresh counter.
func Key(res policy.Resolution, identity string) string {
	scope := "*"
	switch res.Source {
	case policy.SourceRole:
		scope = res.Role + "|" + res.Prefix
	case policy.SourcePath:
		scope = res.Prefix
	}
	return "rl:" + res.Nominal.Algorithm.String() + ":" + scope + ":" + identity + ":" +
		strconv.Itoa(res.Nominal.Max) + ":" + strconv.FormatInt(res.Nominal.WindowMS, 10)
}

// Admit runs exempt check, resolution and evaluation for one request. It never
// returns an error: store failures come back as a degraded outcome.
func (g *Gatekeeper) Admit(ctx context.Context, req Request) Outcome {
	snap := g.policy.Current()
	if snap.IsExempt(req.Path) {
		return Outcome{Exempt: true}
	}

	var score int64
	if g.tracker != nil {
		s, err := g.tracker.Score(ctx, req.Identity)
		if err != nil {
			g.abuseWarn.Do(func() {
				g.opts.Logger.Warn().Err(err).Msg("abuse score unavailable, using 0")
			})
		} else {
			score = s
		}
	}

	res := snap.Resolve(req.Path, req.Roles, score)
	out := Outcome{Resolution: res}

	start := g.opts.Now()
	dec, err := g.engine.Evaluate(ctx, Key(res, req.Identity), res.Rule, start)
	if err != nil {
		reason := "error"
		if errors.Is(err, ratelimit.ErrStoreUnavailable) {
			reason = "store_unavailable"
		}
		g.storeWarn.Do(func() {
			g.opts.Logger.Warn().Err(err).Str("reason", reason).Bool("fail_closed", g.opts.FailClosed).
				Msg("rate limiter degraded")
		})
		if g.opts.Recorder != nil {
			g.opts.Recorder.ObserveDegraded(reason)
		}
		out.Degraded, out.Err = true, err
		return out
	}
	out.Decision = dec
	if g.opts.Recorder != nil {
		g.opts.Recorder.ObserveDecision(res, dec, g.opts.Now().Sub(start))
	}

	if !dec.Allowed {
		g.track(ctx, req.Identity, abuse.RateLimitViolation)
		g.opts.Logger.Debug().
			Str("identity", req.Identity).
			Str("path", req.Path).
			Str("algorithm", dec.Algorithm.String()).
			Int("limit", dec.Limit).
			Int64("score", score).
			Msg("rate limited")
	}
	return out
}

func (g *Gatekeeper) track(ctx context.Context, identity string, ev abuse.EventType) {
	if g.tracker == nil {
		return
	}
	if _, err := g.tracker.Track(ctx, identity, ev); err != nil {
		g.abuseWarn.Do(func() {
			g.opts.Logger.Warn().Err(err).Str("event", string(ev)).Msg("abuse tracking failed")
		})
	}
}

// Middleware enforces Admit on every request and feeds upstream failures
// (401/403, 400/422) back into the abuse tracker.
func (g *Gatekeeper) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, roles := Identify(r, g.opts.TrustForwardedFor)
			out := g.Admit(r.Context(), Request{Path: r.URL.Path, Identity: identity, Roles: roles})

			switch {
			case out.Exempt:
				next.ServeHTTP(w, r)
				return
			case out.Degraded:
				if g.opts.FailClosed {
					writeUnavailable(w, g.opts.DegradedRetry)
					return
				}
				w.Header().Set(HeaderDisabled, "true")
			default:
				setDecisionHeaders(w.Header(), out.Decision)
				if !out.Decision.Allowed {
					writeRateLimited(w, out.Decision)
					return
				}
			}

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			switch sw.status {
			case http.StatusUnauthorized, http.StatusForbidden:
				g.track(r.Context(), identity, abuse.AuthFailure)
			case http.StatusBadRequest, http.StatusUnprocessableEntity:
				g.track(r.Context(), identity, abuse.ValidationError)
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
