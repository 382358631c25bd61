package pkg

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// GenerateRoomID returns a short numeric room id, 1000-9999. Collisions
// are possible; record creation is what actually guards against them.
func GenerateRoomID() string {
	return fmt.Sprintf("%04d", 1000+rand.Intn(9000)) //nolint:gosec // not a secret
}

// GenerateSessionToken returns the token a client writes into its seat
// record at join time. It never leaves the seat record and is only ever
// compared for equality.
func GenerateSessionToken() string {
	return uuid.NewString()
}

// GenerateChatKey returns a chat entry key that sorts lexicographically
// in send order. The uuid suffix keeps two messages in the same
// millisecond from colliding.
func GenerateChatKey() string {
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
