package call

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	roomIDLength   = 8
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateRoomID returns a random room code of 8 characters from A-Z0-9.
func GenerateRoomID() (string, error) {
	limit := big.NewInt(int64(len(roomIDAlphabet)))
	var b strings.Builder
	b.Grow(roomIDLength)
	for i := 0; i < roomIDLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(roomIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeRoomID trims and upper-cases a room code typed by a user.
func NormalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
