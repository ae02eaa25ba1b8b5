// Package utils provides small reusable helpers shared across the portal
// packages.
//
// Functional Programming Utilities:
//   - Map, Filter: Generic implementations for slice processing.
//
// Slices:
//   - Contains, Uniq
//
// String Parsing:
//   - SplitToInt64: Splits a separated string into a slice of int64.
package utils

import (
	"strconv"
	"strings"
)

/* some Functional Programming in Go */
// map
type mapFunc[E any, R any] func(E) R

// Map function definition of a functional programming "function"
func Map[S ~[]E, E any, R any](s S, f mapFunc[E, R]) []R {
	result := make([]R, len(s))
	for i, e := range s {
		result[i] = f(e)
	}

	return result
}

// filter
type keepFunc[E any] func(E) bool

// Filter function definition of a functional programming "function"
func Filter[S ~[]E, E any](s S, f keepFunc[E]) S {
	result := S{}
	for _, v := range s {
		if f(v) {
			result = append(result, v)
		}
	}

	return result
}

// Contains reports whether val is in slice
func Contains[E comparable](slice []E, val E) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}

	return false
}

// Uniq drops repeated and zero values, keeping first occurrences in order
func Uniq[E comparable](in []E) []E {
	var zero E
	seen := make(map[E]struct{}, len(in))
	out := make([]E, 0, len(in))
	for _, v := range in {
		if v == zero {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}

// SplitToInt64 will perform a split and parse every part as an int64
func SplitToInt64(input, separator string) ([]int64, error) {
	if strings.TrimSpace(input) == "" {
		return []int64{}, nil
	}
	parts := strings.Split(input, separator)

	result := make([]int64, len(parts))
	for i, part := range parts {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		result[i] = value
	}

	return result, nil
}
