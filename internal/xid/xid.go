// Package xid mints the prefixed identifiers used across the storefront:
// hold- for staged reservations, rsv- for confirmed ones, offer- for seller
// listings, qz- for quiz events and audit- for admin audit entries.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns "<prefix>-<unixnano>-<8 random hex bytes>". The timestamp keeps
// ids roughly sortable; the random tail makes collisions within one
// nanosecond a non-concern.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
