// Package idgen provides the ID generators used across uxsim.
//
// Every entity ID is a UUIDv7 (time-sortable) with a short type prefix so
// that logs and object-storage keys read unambiguously: "run_", "ep_",
// "fnd_", "job_".
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Typed generators for the worker's entities.
var (
	Run     = Prefixed("run_", Default)
	Episode = Prefixed("ep_", Default)
	Finding = Prefixed("fnd_", Default)
	Job     = Prefixed("job_", Default)
)

// New produces an unprefixed ID.
func New() string {
	return Default()
}

// Parse validates a possibly prefixed ID and returns its UUID part.
func Parse(id string) (string, error) {
	raw := id
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		raw = id[i+1:]
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", id, err)
	}
	return u.String(), nil
}
