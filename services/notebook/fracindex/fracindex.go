// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fracindex generates string order keys that sort lexicographically,
// so a cell can be inserted between any two neighbors without renumbering
// the rest of the sequence.
//
// Keys are digit strings over the 62-character alphabet 0-9A-Za-z, compared
// bytewise. Between never returns the exact midpoint alone: it appends a
// short random suffix, so two clients inserting between the same neighbors
// without coordination produce distinct keys with overwhelming probability.
package fracindex

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(alphabet)

// entropyDigits is the length of the random suffix appended by Between.
// Two digits bound the collision probability for concurrent inserts between
// the same neighbors at ~1/3800 even when the representable interval
// between them has width one.
const entropyDigits = 2

// ErrInvertedBounds is returned when the low bound does not sort strictly
// before the high bound.
var ErrInvertedBounds = errors.New("fracindex: low bound must sort before high bound")

// Initial returns the order key for the first element of a sequence.
func Initial() string {
	return "a0"
}

// Validate checks that key is non-empty and uses only alphabet characters.
func Validate(key string) error {
	if key == "" {
		return errors.New("fracindex: empty key")
	}
	for _, c := range []byte(key) {
		if digitOf(c) < 0 {
			return fmt.Errorf("fracindex: invalid character %q in key %q", c, key)
		}
	}
	return nil
}

// Between returns a key that sorts strictly between low and high. An empty
// low means the minimum bound; an empty high means the maximum. The result
// is random within the constraint: only the ordering is guaranteed, never
// the exact value.
//
// Returns ErrInvertedBounds when both bounds are set and low >= high.
func Between(low, high string) (string, error) {
	if low != "" {
		if err := Validate(low); err != nil {
			return "", err
		}
	}
	if high != "" {
		if err := Validate(high); err != nil {
			return "", err
		}
	}
	if low != "" && high != "" && low >= high {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvertedBounds, low, high)
	}

	var out []byte
	bounded := high != "" // false once the upper bound is exhausted
	for i := 0; ; i++ {
		lo := 0
		if i < len(low) {
			lo = digitOf(low[i])
		}
		hi := base // exclusive
		if bounded {
			if i < len(high) {
				hi = digitOf(high[i])
			} else {
				hi = 0
			}
		}

		// Forced-zero region: low is exhausted and high continues with '0'
		// digits, so no digit can be placed here. A proper prefix of high
		// that is longer than low sorts strictly between the bounds; if
		// high is exhausted too, no such key exists at all (e.g. between
		// "a" and "a0").
		if bounded && i >= len(low) && hi == 0 {
			if i < len(high) && len(out) > len(low) {
				return string(out), nil
			}
			if i >= len(high) {
				return "", fmt.Errorf("fracindex: no key exists between %q and %q", low, high)
			}
		}

		switch {
		case hi-lo >= 2:
			// A strict midpoint digit exists; pick one at random from the
			// open interval and finish with the entropy suffix.
			out = append(out, alphabet[lo+1+rand.Intn(hi-lo-1)])
			return string(appendEntropy(out)), nil
		case hi-lo == 1:
			// Adjacent digits: descend one level, keeping the low digit.
			// Below this position the upper bound no longer constrains us.
			out = append(out, alphabet[lo])
			bounded = false
		default:
			// Equal digits: copy and keep scanning.
			out = append(out, alphabet[lo])
		}
	}
}

// Before returns a key sorting strictly before the given key.
func Before(key string) (string, error) {
	return Between("", key)
}

// After returns a key sorting strictly after the given key.
func After(key string) (string, error) {
	return Between(key, "")
}

// Sequence returns n keys in strictly ascending order, suitable for laying
// out an initial set of cells.
func Sequence(n int) []string {
	if n <= 0 {
		return nil
	}
	keys := make([]string, 0, n)
	keys = append(keys, Initial())
	for len(keys) < n {
		next, err := After(keys[len(keys)-1])
		if err != nil {
			// After cannot fail on a key Between produced; guard anyway.
			next = keys[len(keys)-1] + "1"
		}
		keys = append(keys, next)
	}
	return keys
}

// IsValidOrder reports whether keys are in strictly ascending order.
func IsValidOrder(keys []string) bool {
	for i := 1; i < len(keys); i++ {
		if strings.Compare(keys[i-1], keys[i]) >= 0 {
			return false
		}
	}
	return true
}

func appendEntropy(out []byte) []byte {
	for i := 0; i < entropyDigits; i++ {
		out = append(out, alphabet[rand.Intn(base)])
	}
	return out
}

func digitOf(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	default:
		return -1
	}
}
