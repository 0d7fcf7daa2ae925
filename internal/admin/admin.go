// Package admin exposes the runtime rate-limit configuration over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/auth"
	"github.com/AlexKimmel/shopguard/internal/policy"
)

type Abuse interface {
	Score(ctx context.Context, identity string) (int64, error)
	Record(ctx context.Context, identity string) (abuse.Record, bool, error)
	Reset(ctx context.Context, identity string) error
}

type API struct {
	manager *policy.Manager
	abuse   Abuse
	log     zerolog.Logger
}

func New(m *policy.Manager, a Abuse, log zerolog.Logger) *API {
	return &API{manager: m, abuse: a, log: log}
}

// Router returns the /admin subtree. Callers must hold role.
func (a *API) Router(role string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(auth.RequireRole(role))

	r.Route("/ratelimit", func(r chi.Router) {
		r.Get("/config", a.getConfig)
		r.Put("/config", a.putConfig)
		r.Get("/resolve", a.resolve)
		r.Get("/abuse/{identity}", a.getAbuse)
		r.Delete("/abuse/{identity}", a.resetAbuse)
	})
	return r
}

type configResponse struct {
	OK        bool            `json:"ok"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Settings  policy.Settings `json:"settings"`
}

type updateRequest struct {
	policy.Settings
	ExpectedVersion uint64 `json:"expectedVersion,omitempty"`
}

func snapshotResponse(s *policy.Snapshot) configResponse {
	return configResponse{
		OK:        true,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Settings:  s.Settings,
	}
}

func (a *API) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, snapshotResponse(a.manager.Current()))
}

func (a *API) putConfig(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid body: "+err.Error(), "")
		return
	}

	snap, err := a.manager.Update(req.Settings, req.ExpectedVersion)
	var ve *policy.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Message, ve.Field)
		return
	case errors.Is(err, policy.ErrVersionConflict):
		writeError(w, http.StatusConflict, "VERSION_CONFLICT", "configuration changed, reload and retry", "")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), "")
		return
	}

	p, _ := auth.PrincipalFrom(r.Context())
	a.log.Info().
		Uint64("version", snap.Version).
		Str("by", p.ID).
		Str("algorithm", snap.Settings.Algorithm.String()).
		Int("global_max", snap.Settings.GlobalMax).
		Int("overrides", len(snap.Settings.Overrides)).
		Int("role_overrides", len(snap.Settings.RoleOverrides)).
		Msg("rate limit configuration updated")
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

type resolveResponse struct {
	OK        bool          `json:"ok"`
	Version   uint64        `json:"version"`
	Exempt    bool          `json:"exempt"`
	Algorithm string        `json:"algorithm,omitempty"`
	Max       int           `json:"max"`
	WindowMS  int64         `json:"windowMs,omitempty"`
	Nominal   int           `json:"nominalMax"`
	Source    policy.Source `json:"source,omitempty"`
	Prefix    string        `json:"pathPrefix,omitempty"`
	Role      string        `json:"role,omitempty"`
	Score     int64         `json:"abuseScore"`
	Derate    policy.Derate `json:"derate,omitempty"`
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if !strings.HasPrefix(path, "/") {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path must start with /", "path")
		return
	}
	var roles []string
	for _, v := range q["role"] {
		for _, role := range strings.Split(v, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}

	snap := a.manager.Current()
	if snap.IsExempt(path) {
		writeJSON(w, http.StatusOK, resolveResponse{OK: true, Version: snap.Version, Exempt: true})
		return
	}

	var score int64
	if id := strings.TrimSpace(q.Get("identity")); id != "" && a.abuse != nil {
		s, err := a.abuse.Score(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "ABUSE_STORE_UNAVAILABLE", err.Error(), "")
			return
		}
		score = s
	}

	res := snap.Resolve(path, roles, score)
	writeJSON(w, http.StatusOK, resolveResponse{
		OK:        true,
		Version:   res.Version,
		Algorithm: res.Rule.Algorithm.String(),
		Max:       res.Rule.Max,
		WindowMS:  res.Rule.WindowMS,
		Nominal:   res.Nominal.Max,
		Source:    res.Source,
		Prefix:    res.Prefix,
		Role:      res.Role,
		Score:     res.Score,
		Derate:    res.Derate,
	})
}

type abuseResponse struct {
	OK       bool         `json:"ok"`
	Identity string       `json:"identity"`
	Found    bool         `json:"found"`
	Record   abuse.Record `json:"record"`
}

func (a *API) getAbuse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identity")
	rec, ok, err := a.abuse.Record(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "ABUSE_STORE_UNAVAILABLE", err.Error(), "")
		return
	}
	if rec.EventCounts == nil {
		rec.EventCounts = map[abuse.EventType]int64{}
	}
	writeJSON(w, http.StatusOK, abuseResponse{OK: true, Identity: id, Found: ok, Record: rec})
}

func (a *API) resetAbuse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identity")
	if err := a.abuse.Reset(r.Context(), id); err != nil {
		writeError(w, http.StatusServiceUnavailable, "ABUSE_STORE_UNAVAILABLE", err.Error(), "")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	a.log.Info().Str("identity", id).Str("by", p.ID).Msg("abuse score reset")
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	OK    bool      `json:"ok"`
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg, field string) {
	writeJSON(w, code, errorBody{Error: errorInfo{Code: errCode, Message: msg, Field: field}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
