package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderAlgorithm = "X-RateLimit-Algorithm"
	HeaderDisabled  = "X-RateLimit-Disabled"
	HeaderRetry     = "Retry-After"
)

type errorBody struct {
	OK    bool      `json:"ok"`
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

func setDecisionHeaders(h http.Header, dec ratelimit.Decision) {
	h.Set(HeaderLimit, strconv.Itoa(dec.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(dec.Remaining, 0)))
	h.Set(HeaderReset, strconv.FormatInt(dec.ResetUnixSec, 10))
	h.Set(HeaderAlgorithm, dec.Algorithm.String())
}

func writeRateLimited(w http.ResponseWriter, dec ratelimit.Decision) {
	secs := dec.RetryAfterSeconds()
	w.Header().Set(HeaderRetry, strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorInfo{
		Code:              "RATE_LIMITED",
		Message:           "Too many requests, retry in " + strconv.FormatInt(secs, 10) + "s",
		RetryAfterSeconds: secs,
	})
}

// writeUnavailable is the fail-closed answer: a 429 the client can back off
// from like any other, marked so it is not mistaken for a real limit.
func writeUnavailable(w http.ResponseWriter, retry time.Duration) {
	secs := int64((retry + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set(HeaderDisabled, "true")
	w.Header().Set(HeaderRetry, strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorInfo{
		Code:              "RATE_LIMITER_UNAVAILABLE",
		Message:           "Rate limiter unavailable, retry in " + strconv.FormatInt(secs, 10) + "s",
		RetryAfterSeconds: secs,
	})
}

func writeJSON(w http.ResponseWriter, code int, info errorInfo) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{OK: false, Error: info})
}
