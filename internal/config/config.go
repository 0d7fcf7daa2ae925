package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/policy"
	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Redis struct {
	Addr          string `yaml:"addr"` // empty means in-process counters only
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	KeyPrefix     string `yaml:"key_prefix"`
	OpTimeoutMS   int    `yaml:"op_timeout_ms"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	CooldownMS    int    `yaml:"cooldown_ms"`
}

type Override struct {
	Role       string `yaml:"role,omitempty"`
	PathPrefix string `yaml:"path_prefix"`
	Max        int    `yaml:"max"`
	Algorithm  string `yaml:"algorithm,omitempty"`
	WindowMS   int64  `yaml:"window_ms,omitempty"`
}

type Limits struct {
	Algorithm         string     `yaml:"algorithm"`
	Max               int        `yaml:"max"`
	WindowMS          int64      `yaml:"window_ms"`
	Overrides         []Override `yaml:"overrides"`
	RoleOverrides     []Override `yaml:"role_overrides"`
	ExemptPaths       []string   `yaml:"exempt_paths"`
	Degrade           string     `yaml:"degrade"` // "open" or "closed"
	TrustForwardedFor bool       `yaml:"trust_forwarded_for"`
	MemoryMaxEntries  int        `yaml:"memory_max_entries"`
	SweepIntervalMS   int        `yaml:"sweep_interval_ms"`
}

type Abuse struct {
	TTLMS           int            `yaml:"ttl_ms"`
	MediumThreshold int64          `yaml:"medium_threshold"`
	HighThreshold   int64          `yaml:"high_threshold"`
	Weights         map[string]int `yaml:"weights"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Roles    []string          `yaml:"roles"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Admin struct {
	Enabled *bool  `yaml:"enabled"`
	Role    string `yaml:"role"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Upstream      Upstream      `yaml:"upstream"`
	Redis         Redis         `yaml:"redis"`
	Limits        Limits        `yaml:"limits"`
	Abuse         Abuse         `yaml:"abuse"`
	Auth          Auth          `yaml:"auth"`
	Admin         Admin         `yaml:"admin"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (u Upstream) Timeout() time.Duration { return time.Duration(u.TimeoutMS) * time.Millisecond }

func (r Redis) OpTimeout() time.Duration   { return time.Duration(r.OpTimeoutMS) * time.Millisecond }
func (r Redis) DialTimeout() time.Duration { return time.Duration(r.DialTimeoutMS) * time.Millisecond }
func (r Redis) Cooldown() time.Duration    { return time.Duration(r.CooldownMS) * time.Millisecond }

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

// FailClosed reports whether requests are rejected while the counter store
// is unavailable.
func (l Limits) FailClosed() bool { return strings.EqualFold(l.Degrade, "closed") }

func (a Abuse) TTL() time.Duration { return time.Duration(a.TTLMS) * time.Millisecond }

func (a Admin) On() bool { return a.Enabled == nil || *a.Enabled }

// EventWeights converts the configured weights, ignoring unknown event names.
func (a Abuse) EventWeights() map[abuse.EventType]int {
	out := make(map[abuse.EventType]int, len(a.Weights))
	for name, w := range a.Weights {
		ev := abuse.EventType(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := abuse.DefaultWeights[ev]; ok {
			out[ev] = w
		}
	}
	return out
}

// Settings builds the runtime rate-limit configuration from the limits and
// abuse sections. The result still has to pass policy validation.
func (cfg *Root) Settings() (policy.Settings, error) {
	alg, err := ratelimit.ParseAlgorithm(cfg.Limits.Algorithm)
	if err != nil {
		return policy.Settings{}, &policy.ValidationError{Field: "limits.algorithm", Message: err.Error()}
	}

	s := policy.Settings{
		Algorithm:     alg,
		GlobalMax:     cfg.Limits.Max,
		WindowMS:      cfg.Limits.WindowMS,
		Overrides:     []policy.Override{},
		RoleOverrides: []policy.RoleOverride{},
		ExemptPaths:   append([]string{}, cfg.Limits.ExemptPaths...),
		Abuse: policy.Thresholds{
			Medium: cfg.Abuse.MediumThreshold,
			High:   cfg.Abuse.HighThreshold,
		},
	}

	for i, o := range cfg.Limits.Overrides {
		po, err := o.toPolicy(fmt.Sprintf("limits.overrides[%d]", i))
		if err != nil {
			return policy.Settings{}, err
		}
		s.Overrides = append(s.Overrides, po)
	}
	for i, o := range cfg.Limits.RoleOverrides {
		field := fmt.Sprintf("limits.role_overrides[%d]", i)
		if strings.TrimSpace(o.Role) == "" {
			return policy.Settings{}, &policy.ValidationError{Field: field + ".role", Message: "must not be empty"}
		}
		po, err := o.toPolicy(field)
		if err != nil {
			return policy.Settings{}, err
		}
		s.RoleOverrides = append(s.RoleOverrides, policy.RoleOverride{Role: o.Role, Override: po})
	}
	return s, nil
}

func (o Override) toPolicy(field string) (policy.Override, error) {
	po := policy.Override{PathPrefix: o.PathPrefix, Max: o.Max, WindowMS: o.WindowMS}
	if strings.TrimSpace(o.Algorithm) != "" {
		alg, err := ratelimit.ParseAlgorithm(o.Algorithm)
		if err != nil {
			return policy.Override{}, &policy.ValidationError{Field: field + ".algorithm", Message: err.Error()}
		}
		po.Algorithm = alg
	}
	return po, nil
}

// LoadEnvFiles reads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path (an empty path means defaults only),
// applies environment overrides and fills in defaults.
func Load(path string) (*Root, error) {
	var cfg Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Root) setDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Upstream.TimeoutMS <= 0 {
		cfg.Upstream.TimeoutMS = 3000
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "shopguard:"
	}
	if cfg.Redis.OpTimeoutMS <= 0 {
		cfg.Redis.OpTimeoutMS = 50
	}
	if cfg.Redis.DialTimeoutMS <= 0 {
		cfg.Redis.DialTimeoutMS = 250
	}
	if cfg.Redis.CooldownMS <= 0 {
		cfg.Redis.CooldownMS = 1000
	}
	if cfg.Limits.Algorithm == "" {
		cfg.Limits.Algorithm = "fixed"
	}
	if cfg.Limits.Max <= 0 {
		cfg.Limits.Max = 120
	}
	if cfg.Limits.WindowMS <= 0 {
		cfg.Limits.WindowMS = 60000
	}
	if cfg.Limits.Degrade == "" {
		cfg.Limits.Degrade = "open"
	}
	if cfg.Limits.MemoryMaxEntries <= 0 {
		cfg.Limits.MemoryMaxEntries = 1 << 18
	}
	if cfg.Limits.SweepIntervalMS <= 0 {
		cfg.Limits.SweepIntervalMS = 60000
	}
	if cfg.Abuse.TTLMS <= 0 {
		cfg.Abuse.TTLMS = int(abuse.DefaultTTL / time.Millisecond)
	}
	if cfg.Abuse.MediumThreshold == 0 && cfg.Abuse.HighThreshold == 0 {
		cfg.Abuse.MediumThreshold = policy.DefaultThresholds.Medium
		cfg.Abuse.HighThreshold = policy.DefaultThresholds.High
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Admin.Role == "" {
		cfg.Admin.Role = "admin"
	}
}

func (cfg *Root) applyEnv() error {
	setString(&cfg.Server.Addr, "SHOPGUARD_ADDR")
	setString(&cfg.Observability.LogLevel, "LOG_LEVEL")
	setString(&cfg.Upstream.URL, "UPSTREAM_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Limits.Algorithm, "RATE_LIMIT_ALGORITHM")
	setString(&cfg.Limits.Degrade, "RATE_LIMIT_DEGRADE")

	if v := getEnv("REDIS_DB", ""); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := getEnv("RATE_LIMIT_MAX", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_MAX: %w", err)
		}
		cfg.Limits.Max = n
	}
	if v := getEnv("RATE_LIMIT_WINDOW_MS", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: %w", err)
		}
		cfg.Limits.WindowMS = n
	}
	if v := getEnv("RATE_LIMIT_OVERRIDES", ""); v != "" {
		paths, roles, err := ParseOverrides(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_OVERRIDES: %w", err)
		}
		cfg.Limits.Overrides = paths
		if len(roles) > 0 {
			cfg.Limits.RoleOverrides = roles
		}
	}
	if v := getEnv("RATE_LIMIT_ROLE_OVERRIDES", ""); v != "" {
		paths, roles, err := ParseOverrides(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_ROLE_OVERRIDES: %w", err)
		}
		if len(paths) > 0 {
			return fmt.Errorf("invalid RATE_LIMIT_ROLE_OVERRIDES: entry %q has no role", paths[0].PathPrefix)
		}
		cfg.Limits.RoleOverrides = roles
	}
	if v := getEnv("RATE_LIMIT_EXEMPT_PATHS", ""); v != "" {
		var paths []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		cfg.Limits.ExemptPaths = paths
	}
	return nil
}

func setString(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
