package sqlbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Headers understood by the transport.
const (
	// PriorityHeader holds the integer priority of a queued message.
	// Lower values are dequeued first. Defaults to 0 when absent.
	PriorityHeader = "sqlbus-priority"

	// DeferredUntilHeader holds an RFC3339 instant before which the
	// message must not become visible to receivers. The transport consumes
	// this header on send; it is not persisted with the message.
	DeferredUntilHeader = "sqlbus-deferred-until"

	// TTLHeader holds a duration string limiting how long the message may
	// wait to be received before it is considered dead.
	TTLHeader = "sqlbus-ttl"

	// MessageIdHeader carries the caller-assigned message id, if any.
	MessageIdHeader = "sqlbus-message-id"
)

// About 100 years. Don't use the full range of time.Duration here: the
// stored expiration must stay inside the database's timestamp range.
const defaultTTL = 100 * 365 * 24 * time.Hour

// HeaderCodec turns a string-keyed header map into an opaque byte blob and
// back. Implementations must be byte-stable across round-trips.
type HeaderCodec interface {
	Marshal(headers map[string]string) ([]byte, error)
	Unmarshal(raw []byte) (map[string]string, error)
}

// JSONHeaderCodec is the default HeaderCodec. encoding/json writes map
// keys in sorted order, so the encoding is byte-stable.
type JSONHeaderCodec struct{}

func (JSONHeaderCodec) Marshal(headers map[string]string) ([]byte, error) {
	return json.Marshal(headers)
}

func (JSONHeaderCodec) Unmarshal(raw []byte) (map[string]string, error) {
	headers := make(map[string]string)
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

func messagePriority(headers map[string]string) (int, error) {
	priorityString, ok := headers[PriorityHeader]
	if !ok {
		return 0, nil
	}
	priority, err := strconv.Atoi(priorityString)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q into a priority: %w", priorityString, err)
	}
	return priority, nil
}

// initialVisibilityDelay derives the visibility delay from the
// deferred-until header, clamped to whole seconds and never negative.
func initialVisibilityDelay(headers map[string]string, now time.Time) (time.Duration, error) {
	deferredUntilString, ok := headers[DeferredUntilHeader]
	if !ok {
		return 0, nil
	}
	deferredUntil, err := time.Parse(time.RFC3339, deferredUntilString)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q into a deferred-until time: %w", deferredUntilString, err)
	}

	delay := deferredUntil.Sub(now).Truncate(time.Second)
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

// persistedHeaders returns the header set to store with a message: the
// deferred-until header has done its job once the visibility delay is
// derived, so it is excluded. The original map is never mutated.
func persistedHeaders(headers map[string]string) map[string]string {
	if _, ok := headers[DeferredUntilHeader]; !ok {
		return headers
	}
	persisted := make(map[string]string, len(headers)-1)
	for key, value := range headers {
		if key == DeferredUntilHeader {
			continue
		}
		persisted[key] = value
	}
	return persisted
}

func messageTTL(headers map[string]string) (time.Duration, error) {
	ttlString, ok := headers[TTLHeader]
	if !ok {
		return defaultTTL, nil
	}
	ttl, err := time.ParseDuration(ttlString)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q into a time-to-be-received duration: %w", ttlString, err)
	}
	return ttl, nil
}
