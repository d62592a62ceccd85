package chat

import (
	"iter"
	"slices"
	"strings"
)

// Header is a custom request header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered collection of custom headers with case-insensitive names.
// The zero value is ready to use.
type Headers struct {
	list []Header
}

// Add appends a header value.
func (h *Headers) Add(name, value string) { h.list = append(h.list, Header{name, value}) }

// Set replaces all values of the header with a single value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value of the header.
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Del removes all values of the header.
func (h *Headers) Del(name string) {
	h.list = slices.DeleteFunc(h.list, func(hdr Header) bool { return strings.EqualFold(hdr.Name, name) })
}

// Len returns the number of header values.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.list)
}

// All yields headers in insertion order.
func (h *Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if h == nil {
			return
		}
		for _, hdr := range h.list {
			if !yield(hdr.Name, hdr.Value) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	return Headers{list: slices.Clone(h.list)}
}

// HeadersOf builds headers from name/value pairs.
func HeadersOf(hdrs ...Header) Headers { return Headers{list: slices.Clone(hdrs)} }

func (h *Headers) slice() []Header {
	if h == nil {
		return nil
	}
	return slices.Clone(h.list)
}
