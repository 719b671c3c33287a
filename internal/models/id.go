package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID mints a 26-character ULID: a 10-character Crockford base-32
// millisecond timestamp followed by 16 characters of crypto/rand entropy.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt mints an ID for the given instant.
func NewIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// IDTime extracts the creation instant encoded in an ID.
func IDTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
