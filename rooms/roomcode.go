package rooms

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// RoomCodeLength is the number of characters in an invite code.
const RoomCodeLength = 8

// NewRoomCode returns an uppercase alphanumeric invite code. The characters
// come from the random half of a ULID (Crockford base32, no I, L, O or U),
// which keeps codes easy to read out loud.
func NewRoomCode() string {
	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	return id[len(id)-RoomCodeLength:]
}

// NormalizeRoomID trims and uppercases a room id received from a client.
func NormalizeRoomID(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}
