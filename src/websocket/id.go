package websocket

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idEntropy     = ulid.Monotonic(rand.Reader, 0)
	idEntropyLock sync.Mutex
)

// newID returns a lexicographically sortable, time-prefixed identifier
// used to name Connections and Acceptors for logging and introspection.
func newID() string {
	idEntropyLock.Lock()
	defer idEntropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
