// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"encoding/json"
	"strings"
)

// Predicate tests a single decoded value.
type Predicate func(any) bool

// Rule pairs a JSON-pointer path with a predicate. A nil predicate
// only requires the path to exist. The empty path addresses the root
// value itself.
type Rule struct {
	Path string
	Pred Predicate
}

// Check walks the rules in order against the decoded value. It returns
// false as soon as any path is absent or any predicate rejects.
func Check(value any, rules []Rule) bool {
	for _, rule := range rules {
		v, ok := lookup(value, rule.Path)
		if !ok {
			return false
		}
		if rule.Pred != nil && !rule.Pred(v) {
			return false
		}
	}
	return true
}

// lookup resolves a JSON-pointer path against nested maps. Only the
// object-member form is needed at protocol boundaries; array indices
// are not supported.
func lookup(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, key := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// NotEmpty accepts a non-empty string.
func NotEmpty(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// IsBool accepts a boolean.
func IsBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

// IsNumber accepts any numeric value either codec produces.
func IsNumber(v any) bool {
	_, ok := Number(v)
	return ok
}

// Matches accepts a value equal to one of the given literals. Numeric
// literals compare by value across the integer and float types the
// codecs produce; everything else compares by interface equality.
func Matches(literals ...any) Predicate {
	return func(v any) bool {
		for _, lit := range literals {
			if equal(v, lit) {
				return true
			}
		}
		return false
	}
}

// GreaterEq accepts a numeric value >= min.
func GreaterEq(min float64) Predicate {
	return func(v any) bool {
		f, ok := Number(v)
		return ok && f >= min
	}
}

func equal(v, lit any) bool {
	if vf, ok := Number(v); ok {
		if lf, ok := Number(lit); ok {
			return vf == lf
		}
		return false
	}
	return v == lit
}

// Number widens every numeric representation the JSON and MessagePack
// decoders emit for an any-typed target.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
