// Package ids mints lexicographically sortable identifiers for every row
// the core writes: messages, summaries, workers, and sessions. Two ids
// minted in the same millisecond, in either order, still sort in
// creation order — required for temporal message ordering and for the
// scheduler's "arrival order" guarantee.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Service mints prefixed, monotonic ULIDs. The zero value is not usable;
// construct with NewService.
type Service struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewService constructs an identifier service backed by a monotonic
// entropy source seeded from crypto/rand. ulid.Monotonic guarantees
// strictly increasing entropy for ids minted within the same
// millisecond, which is what gives New its ordering guarantee.
func NewService() *Service {
	return &Service{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New mints an id of the form "<prefix>_<ulid>", e.g. "message_01H...".
// Safe for concurrent use.
func (s *Service) New(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	return prefix + "_" + id.String()
}
