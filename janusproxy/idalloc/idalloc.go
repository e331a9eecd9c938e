// Package idalloc generates the random, non-zero 64-bit identifiers the
// proxy hands out for sessions and handles. Grounded in the
// teacher's use of crypto/rand for ID generation (internal/janus) combined
// with a collision check against the live StateStore.
package idalloc

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/imtaco/janus-proxy/internal/errors"
)

const maxAttempts = 16

const ErrExhausted errors.Code = "id allocator exhausted retry budget"

// Checker reports whether a candidate ID is already in use. StateStore
// satisfies this for session/handle IDs. (GatewayLink's transaction IDs are
// UUID strings and do not go through this package.)
type Checker interface {
	Has(ctx context.Context, id uint64) (bool, error)
}

// Allocator draws non-zero uint64 IDs, retrying on collision.
type Allocator struct {
	check Checker
}

func New(check Checker) *Allocator {
	return &Allocator{check: check}
}

// Next returns a fresh, collision-free, non-zero ID.
func (a *Allocator) Next(ctx context.Context) (uint64, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := random64()
		if err != nil {
			return 0, errors.Wrap(ErrExhausted, err, "read random bytes")
		}
		if id == 0 {
			continue
		}
		taken, err := a.check.Has(ctx, id)
		if err != nil {
			return 0, err
		}
		if !taken {
			return id, nil
		}
	}
	return 0, errors.New(ErrExhausted, "could not allocate a unique id")
}

func random64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
