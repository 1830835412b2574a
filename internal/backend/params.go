package backend

import (
	"sort"
	"strconv"
	"strings"

	benchErrors "github.com/arkilian/iobench/internal/errors"
)

// Params is a workload's parsed parameter string.
type Params map[string]string

// ParseParams parses "key=value" pairs separated by ',' or ';'. An empty
// string or "none" yields empty params.
func ParseParams(s string) (Params, error) {
	p := Params{}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return p, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, benchErrors.Configf(benchErrors.CodeInvalidParams, "malformed param %q in %q (want key=value)", field, s)
		}
		if _, dup := p[key]; dup {
			return nil, benchErrors.Configf(benchErrors.CodeInvalidParams, "param %q given twice in %q", key, s)
		}
		p[key] = strings.TrimSpace(value)
	}
	return p, nil
}

// String returns the value for key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value for key or def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, benchErrors.Configf(benchErrors.CodeInvalidParams, "param %s=%q is not an integer", key, v)
	}
	return n, nil
}

// Float returns the float value for key or def.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, benchErrors.Configf(benchErrors.CodeInvalidParams, "param %s=%q is not a number", key, v)
	}
	return f, nil
}

// Bool returns the boolean value for key or def.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, benchErrors.Configf(benchErrors.CodeInvalidParams, "param %s=%q is not a boolean", key, v)
	}
	return b, nil
}

// Encode renders params in canonical sorted form.
func (p Params) Encode() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, ",")
}
