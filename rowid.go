package tabkv

import (
	"github.com/google/uuid"
)

// NewRowID returns a UUIDv7 string. The leading 48 bits are a millisecond
// timestamp, so ids sort by creation time.
func NewRowID() string {
	return uuid.Must(uuid.NewV7()).String()
}
