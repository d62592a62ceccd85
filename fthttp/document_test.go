package fthttp_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/fthttp"
)

func TestDocument(t *testing.T) {
	t.Parallel()

	doc := &fthttp.Document{
		Thumbnail: &fthttp.FileInfo{
			Size:        100,
			ContentType: "image/png",
			URL:         "https://ft.example.com/download/thumb",
		},
		File: &fthttp.FileInfo{
			Size:        1024,
			Name:        "voice.wav",
			ContentType: "audio/wav;voice-recording=yes",
			URL:         "https://ft.example.com/download/abc",
			Until:       time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
			FileKey:     []byte{1, 2, 3, 4},
			Duration:    3500 * time.Millisecond,
		},
	}

	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("doc.Marshal() error = %v, want nil", err)
	}
	if !strings.Contains(string(data), fthttp.Namespace) {
		t.Errorf("doc.Marshal() = %s, want namespace %q", data, fthttp.Namespace)
	}

	got, err := fthttp.ParseDocument(data)
	if err != nil {
		t.Fatalf("fthttp.ParseDocument(data) error = %v, want nil", err)
	}
	if diff := cmp.Diff(got, doc); diff != "" {
		t.Errorf("document mismatch (-got +want):\n%v", diff)
	}
}

func TestParseDocument_GSMAExample(t *testing.T) {
	t.Parallel()

	data := `<?xml version="1.0" encoding="UTF-8"?>
<file xmlns="urn:gsma:params:xml:ns:rcs:rcs:fthttp">
<file-info type="file">
<file-size>1234</file-size>
<file-name>picture.jpg</file-name>
<content-type>image/jpeg</content-type>
<data url="https://ftcontentserver.rcs/download?id=001" until="2024-08-12T16:00:00Z"/>
</file-info>
</file>`

	doc, err := fthttp.ParseDocument([]byte(data))
	if err != nil {
		t.Fatalf("fthttp.ParseDocument() error = %v, want nil", err)
	}
	want := &fthttp.FileInfo{
		Size:        1234,
		Name:        "picture.jpg",
		ContentType: "image/jpeg",
		URL:         "https://ftcontentserver.rcs/download?id=001",
		Until:       time.Date(2024, 8, 12, 16, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(doc.File, want); diff != "" {
		t.Errorf("doc.File mismatch (-got +want):\n%v", diff)
	}
}

func TestParseDocument_Invalid(t *testing.T) {
	t.Parallel()

	for _, data := range []string{
		"",
		"<file/>",
		`<file xmlns="urn:gsma:params:xml:ns:rcs:rcs:fthttp"><file-info type="file"><file-size>1</file-size></file-info></file>`,
	} {
		if _, err := fthttp.ParseDocument([]byte(data)); !errors.Is(err, fthttp.ErrInvalidDocument) {
			t.Errorf("fthttp.ParseDocument(%q) error = %v, want %v", data, err, fthttp.ErrInvalidDocument)
		}
	}
}
