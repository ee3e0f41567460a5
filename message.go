package sqlbus

// Message is a transport message: an opaque body plus a string-keyed
// header map. The transport never interprets the body; a handful of
// well-known headers control priority, visibility and expiration.
type Message struct {
	Headers map[string]string
	Body    []byte
}
