package config

import (
	"strconv"
	"strings"

	"github.com/AlexKimmel/shopguard/internal/policy"
)

// ParseOverrides decodes the environment form of overrides:
//
//	/api/upload:30:token_bucket,admin|/api/admin:500:fixed:60000
//
// Entries are separated by ',' or ';'. Each entry is
// pathPrefix:max[:algorithm[:windowMs]], optionally prefixed with "role|".
func ParseOverrides(raw string) (paths, roles []Override, err error) {
	entries := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	for _, item := range entries {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		o, err := parseOverride(item)
		if err != nil {
			return nil, nil, err
		}
		if o.Role != "" {
			roles = append(roles, o)
		} else {
			paths = append(paths, o)
		}
	}
	return paths, roles, nil
}

func parseOverride(item string) (Override, error) {
	var o Override
	rest := item
	if role, tail, ok := strings.Cut(item, "|"); ok {
		o.Role = strings.TrimSpace(role)
		if o.Role == "" {
			return Override{}, bad(item, "empty role")
		}
		rest = tail
	}

	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return Override{}, bad(item, "must follow pathPrefix:max[:algorithm[:windowMs]]")
	}

	o.PathPrefix = strings.TrimSpace(parts[0])
	if !strings.HasPrefix(o.PathPrefix, "/") {
		return Override{}, bad(item, "path prefix must start with /")
	}

	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || n <= 0 {
		return Override{}, bad(item, "max must be a positive integer")
	}
	o.Max = n

	if len(parts) >= 3 {
		o.Algorithm = strings.TrimSpace(parts[2])
	}
	if len(parts) == 4 {
		w, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
		if err != nil || w <= 0 {
			return Override{}, bad(item, "windowMs must be a positive integer")
		}
		o.WindowMS = w
	}
	return o, nil
}

func bad(item, msg string) error {
	return &policy.ValidationError{Field: "override " + strconv.Quote(item), Message: msg}
}
