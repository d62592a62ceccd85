package chat

import (
	"slices"
	"strings"
	"sync"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

// Registry is an immutable set of content types accepted on receive.
// Entries are either exact media types or type wildcards like "image/*".
type Registry struct {
	exact     map[string]struct{}
	wildcards []string
	all       []string
}

// NewRegistry builds a registry from media types. Parameters are ignored.
func NewRegistry(types ...string) *Registry {
	r := &Registry{exact: make(map[string]struct{}, len(types))}
	for _, t := range types {
		mt := mimeutil.MediaType(t)
		if mt == "" {
			continue
		}
		if mt == "*/*" || mt == "*" {
			r.wildcards = append(r.wildcards, "")
		} else if prefix, ok := strings.CutSuffix(mt, "/*"); ok {
			r.wildcards = append(r.wildcards, prefix+"/")
		} else {
			r.exact[mt] = struct{}{}
		}
		r.all = append(r.all, mt)
	}
	return r
}

// DefaultRegistry returns the registry used when none is configured.
var DefaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(
		"text/*",
		"image/*",
		"audio/*",
		"video/*",
		"application/octet-stream",
		"application/pdf",
		"application/zip",
		"message/external-body",
		fthttp.ContentType,
	)
})

// Supports reports whether the content type is accepted.
func (r *Registry) Supports(ct string) bool {
	if r == nil {
		return true
	}
	mt := mimeutil.MediaType(ct)
	if _, ok := r.exact[mt]; ok {
		return true
	}
	for _, p := range r.wildcards {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

// Types returns the registered media types in registration order.
func (r *Registry) Types() []string { return slices.Clone(r.all) }
