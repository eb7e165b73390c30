package pulse

import (
	"strings"

	"github.com/zulfikawr/pulse/internal/http1"
)

// Field is one header name/value pair with its original spelling.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered header store. Lookup and mutation match names
// case-insensitively; emission preserves the order, case and
// duplicates exactly as added.
type Headers struct {
	fields []Field
}

// NewHeaders builds a store from pairs given in order.
func NewHeaders(pairs ...Field) *Headers {
	h := &Headers{}
	h.fields = append(h.fields, pairs...)
	return h
}

// HeadersFromMap builds a store from a map. Iteration order of the map
// is not defined, so use NewHeaders when emission order matters.
func HeadersFromMap(m map[string]string) *Headers {
	h := &Headers{}
	for name, value := range m {
		h.Add(name, value)
	}
	return h
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field matching name with a single one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field matching name.
func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the last value for name, or "" when absent. Responses
// with repeated headers resolve to the final occurrence; use Values
// for all of them.
func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	val := ""
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			val = f.Value
		}
	}
	return val
}

// Has reports whether any field matches name.
func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Fields returns the stored fields in order. The slice is shared;
// treat it as read-only.
func (h *Headers) Fields() []Field {
	if h == nil {
		return nil
	}
	return h.fields
}

// Len returns the number of stored fields.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Clone deep-copies the store.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return &Headers{}
	}
	out := &Headers{fields: make([]Field, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// replaceableHeaders are overwritten rather than duplicated when user
// headers merge over the base set.
var replaceableHeaders = map[string]bool{
	"host":       true,
	"user-agent": true,
}

// merge layers user fields over h: Host and User-Agent replace the
// base value, anything else appends, duplicates preserved.
func (h *Headers) merge(user *Headers) {
	for _, f := range user.Fields() {
		if replaceableHeaders[strings.ToLower(f.Name)] {
			h.Set(f.Name, f.Value)
		} else {
			h.Add(f.Name, f.Value)
		}
	}
}

// wire converts the store for the HTTP/1.1 codec.
func (h *Headers) wire() []http1.Header {
	out := make([]http1.Header, 0, h.Len())
	for _, f := range h.Fields() {
		out = append(out, http1.Header{Name: f.Name, Value: f.Value})
	}
	return out
}

// headersFromWire converts parsed response headers into a store.
func headersFromWire(in []http1.Header) *Headers {
	h := &Headers{fields: make([]Field, 0, len(in))}
	for _, f := range in {
		h.fields = append(h.fields, Field{Name: f.Name, Value: f.Value})
	}
	return h
}
