// Package policy holds the runtime rate-limit configuration and resolves the
// effective rule for a request from it.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

// ErrVersionConflict is returned by Update when the caller edited a stale
// snapshot.
var ErrVersionConflict = errors.New("configuration version conflict")

// ValidationError rejects a configuration update as a whole.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Override applies to every request whose path starts with PathPrefix.
// A zero Algorithm or WindowMS inherits the global value.
type Override struct {
	PathPrefix string              `json:"pathPrefix"`
	Max        int                 `json:"max"`
	Algorithm  ratelimit.Algorithm `json:"algorithm,omitempty"`
	WindowMS   int64               `json:"windowMs,omitempty"`
}

// RoleOverride is an Override that only applies to callers holding Role.
type RoleOverride struct {
	Role string `json:"role"`
	Override
}

type Thresholds struct {
	Medium int64 `json:"medium"`
	High   int64 `json:"high"`
}

var DefaultThresholds = Thresholds{Medium: 10, High: 20}

type Settings struct {
	Algorithm     ratelimit.Algorithm `json:"algorithm"`
	GlobalMax     int                 `json:"globalMax"`
	WindowMS      int64               `json:"windowMs"`
	Overrides     []Override          `json:"overrides"`
	RoleOverrides []RoleOverride      `json:"roleOverrides"`
	ExemptPaths   []string            `json:"exemptPaths"`
	Abuse         Thresholds          `json:"abuse"`
}

// Clone deep-copies the slices so a snapshot never aliases caller memory.
func (s Settings) Clone() Settings {
	out := s
	out.Overrides = append([]Override(nil), s.Overrides...)
	out.RoleOverrides = append([]RoleOverride(nil), s.RoleOverrides...)
	out.ExemptPaths = append([]string(nil), s.ExemptPaths...)
	return out
}

func (s Settings) withDefaults() Settings {
	if s.Abuse.Medium == 0 && s.Abuse.High == 0 {
		s.Abuse = DefaultThresholds
	}
	if s.Overrides == nil {
		s.Overrides = []Override{}
	}
	if s.RoleOverrides == nil {
		s.RoleOverrides = []RoleOverride{}
	}
	if s.ExemptPaths == nil {
		s.ExemptPaths = []string{}
	}
	return s
}

// Validate checks the whole object and reports the first problem found.
func (s Settings) Validate() error {
	if !s.Algorithm.Valid() {
		return invalid("algorithm", "unknown algorithm")
	}
	if s.GlobalMax <= 0 {
		return invalid("globalMax", "must be positive, got %d", s.GlobalMax)
	}
	if s.WindowMS <= 0 {
		return invalid("windowMs", "must be positive, got %d", s.WindowMS)
	}
	for i, o := range s.Overrides {
		if err := o.validate(fmt.Sprintf("overrides[%d]", i)); err != nil {
			return err
		}
	}
	for i, o := range s.RoleOverrides {
		field := fmt.Sprintf("roleOverrides[%d]", i)
		if strings.TrimSpace(o.Role) == "" {
			return invalid(field+".role", "must not be empty")
		}
		if err := o.Override.validate(field); err != nil {
			return err
		}
	}
	for i, p := range s.ExemptPaths {
		if !strings.HasPrefix(p, "/") {
			return invalid(fmt.Sprintf("exemptPaths[%d]", i), "must start with /, got %q", p)
		}
	}
	if s.Abuse.Medium < 0 || s.Abuse.High < 0 {
		return invalid("abuse", "thresholds must not be negative")
	}
	if s.Abuse.Medium > s.Abuse.High {
		return invalid("abuse.medium", "must not exceed high (%d > %d)", s.Abuse.Medium, s.Abuse.High)
	}
	return nil
}

func (o Override) validate(field string) error {
	if !strings.HasPrefix(o.PathPrefix, "/") {
		return invalid(field+".pathPrefix", "must start with /, got %q", o.PathPrefix)
	}
	if o.Max <= 0 {
		return invalid(field+".max", "must be positive, got %d", o.Max)
	}
	if o.Algorithm != 0 && !o.Algorithm.Valid() {
		return invalid(field+".algorithm", "unknown algorithm")
	}
	if o.WindowMS < 0 {
		return invalid(field+".windowMs", "must not be negative, got %d", o.WindowMS)
	}
	return nil
}
