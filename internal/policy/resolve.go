package policy

import (
	"slices"
	"strings"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

type Source string

const (
	SourceRole    Source = "role"
	SourcePath    Source = "path"
	SourceDefault Source = "default"
)

type Derate string

const (
	DerateNone   Derate = "none"
	DerateMedium Derate = "medium"
	DerateHigh   Derate = "high"
)

// Resolution is the outcome of rule resolution for one request. Nominal is
// the rule before abuse derating and is what counter keys are built from.
type Resolution struct {
	Rule    ratelimit.Rule
	Nominal ratelimit.Rule
	Source  Source
	Prefix  string
	Role    string
	Score   int64
	Derate  Derate
	Version uint64
}

// Resolve picks the effective rule: the longest matching role override for
// any of roles, else the longest matching path override, else the global
// default; then derates Max by score. Equal-length prefixes go to the entry
// listed first.
func (s *Snapshot) Resolve(path string, roles []string, score int64) Resolution {
	cfg := s.Settings
	res := Resolution{
		Nominal: ratelimit.Rule{Algorithm: cfg.Algorithm, Max: cfg.GlobalMax, WindowMS: cfg.WindowMS},
		Source:  SourceDefault,
		Version: s.Version,
	}

	best := -1
	for _, o := range cfg.RoleOverrides {
		if len(o.PathPrefix) <= best || !strings.HasPrefix(path, o.PathPrefix) || !slices.Contains(roles, o.Role) {
			continue
		}
		best = len(o.PathPrefix)
		res.Nominal = o.rule(cfg)
		res.Source, res.Prefix, res.Role = SourceRole, o.PathPrefix, o.Role
	}

	if res.Source == SourceDefault {
		for _, o := range cfg.Overrides {
			if len(o.PathPrefix) <= best || !strings.HasPrefix(path, o.PathPrefix) {
				continue
			}
			best = len(o.PathPrefix)
			res.Nominal = o.rule(cfg)
			res.Source, res.Prefix = SourcePath, o.PathPrefix
		}
	}

	res.Score = score
	res.Rule, res.Derate = DerateRule(res.Nominal, score, cfg.Abuse)
	return res
}

func (o Override) rule(cfg Settings) ratelimit.Rule {
	r := ratelimit.Rule{Algorithm: o.Algorithm, Max: o.Max, WindowMS: o.WindowMS}
	if r.Algorithm == 0 {
		r.Algorithm = cfg.Algorithm
	}
	if r.WindowMS == 0 {
		r.WindowMS = cfg.WindowMS
	}
	return r
}

// DerateRule scales Max to 10% above the high threshold and 50% above the
// medium one, rounding down. Algorithm and window are left alone.
func DerateRule(r ratelimit.Rule, score int64, t Thresholds) (ratelimit.Rule, Derate) {
	switch {
	case score > t.High:
		r.Max = r.Max * 10 / 100
		return r, DerateHigh
	case score > t.Medium:
		r.Max = r.Max * 50 / 100
		return r, DerateMedium
	default:
		return r, DerateNone
	}
}
