package fthttp

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

const (
	// ContentType is the MIME type of a file transfer document.
	ContentType = "application/vnd.gsma.rcs-ft-http+xml"
	// Namespace is the XML namespace of file transfer documents.
	Namespace = "urn:gsma:params:xml:ns:rcs:rcs:fthttp"
	// AudioMessageNamespace is the XML namespace of audio message extensions.
	AudioMessageNamespace = "urn:gsma:params:xml:ns:rcs:rcs:rram"
)

// FileInfo describes a hosted file or its thumbnail.
type FileInfo struct {
	Size        int64
	Name        string
	ContentType string
	URL         string
	Until       time.Time
	// FileKey is set when the hosted bytes are ciphered.
	FileKey []byte
	// Duration is the playing length of voice recordings.
	Duration time.Duration
}

func (fi *FileInfo) LogValue() slog.Value {
	if fi == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("name", fi.Name),
		slog.String("content_type", fi.ContentType),
		slog.Int64("size", fi.Size),
		slog.String("url", fi.URL),
		slog.Bool("ciphered", len(fi.FileKey) > 0),
	)
}

// Document is a file transfer document.
type Document struct {
	File      *FileInfo
	Thumbnail *FileInfo
}

type xmlDocument struct {
	XMLName xml.Name      `xml:"urn:gsma:params:xml:ns:rcs:rcs:fthttp file"`
	Infos   []xmlFileInfo `xml:"file-info"`
}

type xmlFileInfo struct {
	Type          string  `xml:"type,attr"`
	Size          int64   `xml:"file-size"`
	Name          string  `xml:"file-name,omitempty"`
	ContentType   string  `xml:"content-type"`
	Data          xmlData `xml:"data"`
	FileKey       string  `xml:"file-key,omitempty"`
	PlayingLength int64   `xml:"urn:gsma:params:xml:ns:rcs:rcs:rram playing-length,omitempty"`
}

type xmlData struct {
	URL   string `xml:"url,attr"`
	Until string `xml:"until,attr,omitempty"`
}

func toXMLInfo(typ string, fi *FileInfo) xmlFileInfo {
	xi := xmlFileInfo{
		Type:          typ,
		Size:          fi.Size,
		Name:          fi.Name,
		ContentType:   fi.ContentType,
		Data:          xmlData{URL: fi.URL},
		PlayingLength: fi.Duration.Milliseconds(),
	}
	if !fi.Until.IsZero() {
		xi.Data.Until = fi.Until.UTC().Format(time.RFC3339)
	}
	if len(fi.FileKey) > 0 {
		xi.FileKey = base64.StdEncoding.EncodeToString(fi.FileKey)
	}
	return xi
}

func fromXMLInfo(xi *xmlFileInfo) (*FileInfo, error) {
	fi := &FileInfo{
		Size:        xi.Size,
		Name:        strings.TrimSpace(xi.Name),
		ContentType: strings.TrimSpace(xi.ContentType),
		URL:         strings.TrimSpace(xi.Data.URL),
		Duration:    time.Duration(xi.PlayingLength) * time.Millisecond,
	}
	if xi.Data.Until != "" {
		t, err := time.Parse(time.RFC3339, xi.Data.Until)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		fi.Until = t
	}
	if k := strings.TrimSpace(xi.FileKey); k != "" {
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		fi.FileKey = key
	}
	return fi, nil
}

// Marshal encodes the document.
func (d *Document) Marshal() ([]byte, error) {
	if d == nil || d.File == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("document has no file info"))
	}
	if d.File.URL == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("file info has no URL"))
	}

	var doc xmlDocument
	if d.Thumbnail != nil {
		doc.Infos = append(doc.Infos, toXMLInfo("thumbnail", d.Thumbnail))
	}
	doc.Infos = append(doc.Infos, toXMLInfo("file", d.File))

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// ParseDocument decodes a file transfer document.
func ParseDocument(data []byte) (*Document, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidDocument, err))
	}

	var d Document
	for i := range doc.Infos {
		fi, err := fromXMLInfo(&doc.Infos[i])
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidDocument, err))
		}
		switch doc.Infos[i].Type {
		case "thumbnail":
			d.Thumbnail = fi
		case "file", "":
			d.File = fi
		}
	}
	if d.File == nil || d.File.URL == "" {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidDocument, "no file info with data URL"))
	}
	return &d, nil
}
