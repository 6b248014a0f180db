package bacteria

import (
	"errors"
	"fmt"
	"strings"
)

// DuplicatePolicy decides what happens when a record with the same
// bacteria_id is already stored.
type DuplicatePolicy string

const (
	// PolicyUpdate overwrites the present fields and keeps the rest.
	PolicyUpdate DuplicatePolicy = "update"
	// PolicySkip leaves the stored record unchanged.
	PolicySkip DuplicatePolicy = "skip"
	// PolicyForce deletes the stored record and inserts a fresh one.
	PolicyForce DuplicatePolicy = "force"
)

var ErrUnknownPolicy = errors.New("unknown duplicate policy")

// ParsePolicy accepts update, skip or force (case-insensitive).
func ParsePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyUpdate, PolicySkip, PolicyForce:
		return p, nil
	default:
		return "", fmt.Errorf("%w %q (want update|skip|force)", ErrUnknownPolicy, s)
	}
}

func (p DuplicatePolicy) String() string { return string(p) }
