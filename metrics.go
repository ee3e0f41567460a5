package sqlbus

// Counter counts occurrences of an event for observability.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

// NopCounter is the default Counter and does nothing.
type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(int64) {}
