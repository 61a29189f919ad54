package model

import "strings"

// Header is an insertion-ordered header map with unique, case-insensitive keys.
// Keys are stored with the case in which they were first seen.
type Header struct {
	fields []field
}

type field struct {
	name  string
	value string
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value for name, compared case-insensitively.
func (h *Header) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value, true
	}
	return "", false
}

// Set overwrites the value for name in place, or appends a new field.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].value = value
		return
	}
	h.fields = append(h.fields, field{name: name, value: value})
}

// Del removes name if present.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Len reports the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Each calls fn for every field in insertion order.
func (h *Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Clone returns an independent copy.
func (h *Header) Clone() Header {
	return Header{fields: append([]field(nil), h.fields...)}
}
