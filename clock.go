package sqlbus

import "time"

// Clock abstracts time so that visibility, expiration and due-time checks
// are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
