package runtime

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces actor and activity ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator returns random UUIDv4 strings.
type UUIDGenerator struct{}

// NewID returns a new UUID.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// SequenceGenerator returns prefix-1, prefix-2, ... and is meant for tests.
type SequenceGenerator struct {
	Prefix string
	n      atomic.Uint64
}

// NewID returns the next id in the sequence.
func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.n.Add(1))
}
