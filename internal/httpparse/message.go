package httpparse

import (
	"slices"
	"strings"
)

// Message is the request or response being parsed.
//
// Header keys are stored lower-cased. A repeated header overwrites the earlier
// value (last write wins); the position of its first occurrence is kept so the
// headers can be re-serialized in their original order.
type Message struct {
	Method  string
	Target  string
	Version string

	StatusCode int
	Reason     string

	Header map[string]string
	order  []string

	// BodyRead counts body bytes delivered so far.
	BodyRead int64
	// ContentLength is the declared body length, or -1 if none was declared.
	ContentLength int64
	Chunked       bool
}

func newMessage() Message {
	return Message{Header: make(map[string]string), ContentLength: -1}
}

// Get returns the value of the header key, matched case-insensitively.
func (m *Message) Get(key string) (string, bool) {
	v, ok := m.Header[strings.ToLower(key)]
	return v, ok
}

// Set stores a header value. New keys are appended to the header order.
func (m *Message) Set(key, value string) {
	key = strings.ToLower(key)
	if _, ok := m.Header[key]; !ok {
		m.order = append(m.order, key)
	}
	m.Header[key] = value
}

// Del removes a header.
func (m *Message) Del(key string) {
	key = strings.ToLower(key)
	if _, ok := m.Header[key]; !ok {
		return
	}
	delete(m.Header, key)
	m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == key })
}

// Keys returns the header keys in first-seen order.
func (m *Message) Keys() []string {
	return slices.Clone(m.order)
}

// IsConnect reports whether the message is a CONNECT request.
func (m *Message) IsConnect() bool {
	return m.Method == "CONNECT"
}
