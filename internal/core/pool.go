package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Pool identifies one of the two independently bounded artifact collections.
type Pool int

const (
	// PoolTemp holds working audio. It is bounded by size, age and count and is
	// the only pool the reaper evicts from.
	PoolTemp Pool = iota
	// PoolOutput holds artifacts a caller explicitly asked to persist. It is
	// bounded by size only and never evicted automatically.
	PoolOutput
)

// Pools lists every pool in lock order.
var Pools = []Pool{PoolTemp, PoolOutput}

// String returns the lowercase pool name used in logs, metrics and JSON.
func (p Pool) String() string {
	switch p {
	case PoolTemp:
		return "temp"
	case PoolOutput:
		return "output"
	default:
		return fmt.Sprintf("pool(%d)", int(p))
	}
}

// ParsePool converts a pool name back into a Pool.
func ParsePool(name string) (Pool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "temp", "":
		return PoolTemp, nil
	case "output":
		return PoolOutput, nil
	default:
		return 0, fmt.Errorf("%w: unknown pool %q", ErrInvalidRequest, name)
	}
}

// Limits are the ceilings of one pool. A zero value disables that dimension.
type Limits struct {
	MaxBytes int64
	MaxAge   time.Duration
	MaxCount int
}

// PartialSuffix marks a file that is still being written.
const PartialSuffix = ".part"

var artifactIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID reports whether id can be used as an artifact file name.
func ValidateID(id string) error {
	if !artifactIDPattern.MatchString(id) || strings.HasSuffix(id, PartialSuffix) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return nil
}
