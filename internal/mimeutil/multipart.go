// Package mimeutil contains helpers for MIME media types and multipart bodies.
package mimeutil

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// MultipartMixed is the media type of aggregated bodies.
const MultipartMixed = "multipart/mixed"

// Part is a single body part.
type Part struct {
	ContentType string
	Headers     textproto.MIMEHeader
	Body        []byte
}

// MediaType returns the lowercase type/subtype without parameters.
func MediaType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

// IsMultipart reports whether the content type is a multipart media type.
func IsMultipart(ct string) bool { return strings.HasPrefix(MediaType(ct), "multipart/") }

// EncodeMultipart encodes parts into a multipart/mixed body.
// It returns the content type with the boundary parameter.
func EncodeMultipart(parts []Part) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		hdr := make(textproto.MIMEHeader, len(p.Headers)+1)
		for k, vs := range p.Headers {
			hdr[k] = append([]string(nil), vs...)
		}
		hdr.Set("Content-Type", p.ContentType)
		pw, err := w.CreatePart(hdr)
		if err != nil {
			return "", nil, errtrace.Wrap(err)
		}
		if _, err := pw.Write(p.Body); err != nil {
			return "", nil, errtrace.Wrap(err)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	return mime.FormatMediaType(MultipartMixed, map[string]string{"boundary": w.Boundary()}), buf.Bytes(), nil
}

// DecodeMultipart splits a multipart body into parts.
func DecodeMultipart(ct string, body []byte) ([]Part, error) {
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing multipart boundary"))
	}

	r := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []Part
	for {
		p, err := r.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		ct := p.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain"
		}
		parts = append(parts, Part{ContentType: ct, Headers: p.Header, Body: data})
	}
	return parts, nil
}
