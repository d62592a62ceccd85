package mimeutil_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

func TestMultipart(t *testing.T) {
	t.Parallel()

	in := []mimeutil.Part{
		{ContentType: "text/plain", Body: []byte("hello")},
		{ContentType: "message/imdn+xml", Body: []byte("<imdn/>")},
	}
	ct, body, err := mimeutil.EncodeMultipart(in)
	if err != nil {
		t.Fatalf("mimeutil.EncodeMultipart(in) error = %v, want nil", err)
	}
	if !mimeutil.IsMultipart(ct) {
		t.Errorf("mimeutil.IsMultipart(%q) = false, want true", ct)
	}

	out, err := mimeutil.DecodeMultipart(ct, body)
	if err != nil {
		t.Fatalf("mimeutil.DecodeMultipart(ct, body) error = %v, want nil", err)
	}
	type simple struct{ CT, Body string }
	var got, want []simple
	for _, p := range out {
		got = append(got, simple{p.ContentType, string(p.Body)})
	}
	for _, p := range in {
		want = append(want, simple{p.ContentType, string(p.Body)})
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("parts mismatch (-got +want):\n%v", diff)
	}
}

func TestDecodeMultipart_NoBoundary(t *testing.T) {
	t.Parallel()

	if _, err := mimeutil.DecodeMultipart("multipart/mixed", nil); !errors.Is(err, errorutil.ErrInvalidArgument) {
		t.Errorf("mimeutil.DecodeMultipart() error = %v, want %v", err, errorutil.ErrInvalidArgument)
	}
}

func TestMediaType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Text/Plain; charset=UTF-8": "text/plain",
		"message/imdn+xml":          "message/imdn+xml",
		"broken;;":                  "broken",
	}
	for in, want := range cases {
		if got := mimeutil.MediaType(in); got != want {
			t.Errorf("mimeutil.MediaType(%q) = %q, want %q", in, got, want)
		}
	}
}
