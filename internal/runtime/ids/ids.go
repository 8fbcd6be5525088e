package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEntityID returns a random UUID v4 used to identify a worker-side entity.
// Entity ids are never reused within a worker.
func NewEntityID() string {
	return uuid.NewString()
}

// NewULID returns a time-sortable ULID encoded as a 26-character string. It
// identifies exported observer messages.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
