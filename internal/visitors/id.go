package visitors

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Identity derives the daily-rotating visitor identifier used for
// approximate distinct counts. The client IP is only an input to the keyed
// hash and is never returned or stored.
type Identity struct {
	key [32]byte
}

// NewIdentity keys the hash with the configured salt.
func NewIdentity(salt string) *Identity {
	return &Identity{key: blake2b.Sum256([]byte(salt))}
}

// VisitorID returns hex(BLAKE2b-256) keyed by the salt over the UTC day,
// project, IP and user agent. The same visitor gets a new id every UTC day.
func (i *Identity) VisitorID(projectID, ipAddress, userAgent string, at time.Time) string {
	h, err := blake2b.New256(i.key[:])
	if err != nil {
		// a 32 byte key is always accepted
		panic(err)
	}

	day := at.UTC().Format("2006-01-02")
	for _, part := range []string{day, projectID, ipAddress, userAgent} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
