package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	benchErrors "github.com/arkilian/iobench/internal/errors"
)

// document is a typed view over one decoded object. Every accessor returns
// a CONFIG error naming the full key path on failure.
type document struct {
	path   string
	fields map[string]interface{}
}

func (d document) key(name string) string {
	if d.path == "" {
		return name
	}
	return d.path + "." + name
}

// Has reports whether name is present.
func (d document) Has(name string) bool {
	_, ok := d.fields[name]
	return ok
}

func (d document) lookup(name string) (interface{}, error) {
	v, ok := d.fields[name]
	if !ok || v == nil {
		return nil, benchErrors.Configf(benchErrors.CodeMissingField, "%s is required", d.key(name))
	}
	return v, nil
}

func (d document) wrongType(name, want string, got interface{}) error {
	return benchErrors.Configf(benchErrors.CodeWrongType, "%s must be %s, got %s", d.key(name), want, describe(got))
}

// String returns a string field of at most MaxString bytes.
func (d document) String(name string) (string, error) {
	v, err := d.lookup(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", d.wrongType(name, "a string", v)
	}
	if len(s) > MaxString {
		return "", benchErrors.Configf(benchErrors.CodeStringTooLong,
			"%s is %d bytes, limit is %d", d.key(name), len(s), MaxString)
	}
	return s, nil
}

// Bool returns a boolean field.
func (d document) Bool(name string) (bool, error) {
	v, err := d.lookup(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, d.wrongType(name, "a boolean", v)
	}
	return b, nil
}

// Uint returns a non-negative integer field. Fractional numbers and
// numbers written in float notation are rejected.
func (d document) Uint(name string) (uint64, error) {
	v, err := d.lookup(name)
	if err != nil {
		return 0, err
	}

	negative := func() error {
		return benchErrors.Configf(benchErrors.CodeOutOfRange, "%s must not be negative", d.key(name))
	}

	switch n := v.(type) {
	case json.Number:
		u, perr := strconv.ParseUint(n.String(), 10, 64)
		if perr == nil {
			return u, nil
		}
		if i, ierr := strconv.ParseInt(n.String(), 10, 64); ierr == nil && i < 0 {
			return 0, negative()
		}
		if _, ferr := strconv.ParseFloat(n.String(), 64); ferr == nil {
			return 0, d.wrongType(name, "an integer", v)
		}
		return 0, benchErrors.Configf(benchErrors.CodeOutOfRange, "%s does not fit in 64 bits", d.key(name))
	case int:
		if n < 0 {
			return 0, negative()
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, negative()
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	default:
		return 0, d.wrongType(name, "an integer", v)
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []map[string]interface{}:
		out := make([]interface{}, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}

// Array returns a list field whose length lies in [min, max].
func (d document) Array(name string, min, max int) ([]interface{}, error) {
	v, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	list, ok := asList(v)
	if !ok {
		return nil, d.wrongType(name, "an array", v)
	}
	if len(list) < min || len(list) > max {
		return nil, benchErrors.Configf(benchErrors.CodeOutOfRange,
			"%s has %d entries, must have between %d and %d", d.key(name), len(list), min, max)
	}
	return list, nil
}

// StringArray returns a list of strings, each at most MaxString bytes.
func (d document) StringArray(name string, min, max int) ([]string, error) {
	list, err := d.Array(name, min, max)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, d.wrongType(fmt.Sprintf("%s[%d]", name, i), "a string", item)
		}
		if len(s) > MaxString {
			return nil, benchErrors.Configf(benchErrors.CodeStringTooLong,
				"%s[%d] is %d bytes, limit is %d", d.key(name), i, len(s), MaxString)
		}
		out = append(out, s)
	}
	return out, nil
}

// Index returns element i of an array of objects.
func (d document) Index(name string, i int) (document, error) {
	list, err := d.Array(name, 0, math.MaxInt)
	if err != nil {
		return document{}, err
	}
	elem := fmt.Sprintf("%s[%d]", name, i)
	if i >= len(list) {
		return document{}, benchErrors.Configf(benchErrors.CodeMissingField, "%s is required", d.key(elem))
	}
	m, ok := list[i].(map[string]interface{})
	if !ok {
		return document{}, d.wrongType(elem, "an object", list[i])
	}
	return document{path: d.key(elem), fields: m}, nil
}

func describe(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number, int, int64, uint64, uint, float64, float32:
		return "a number"
	case []interface{}, []map[string]interface{}:
		return "an array"
	case map[string]interface{}, map[interface{}]interface{}:
		return "an object"
	}
	return fmt.Sprintf("%T", v)
}
