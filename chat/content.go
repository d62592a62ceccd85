package chat

import (
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

const textPlain = "text/plain"

// Content is a single typed body part of a chat message.
//
// A content is either an inline body or a file. File contents are transferred out of band
// through the file transfer server and referenced from the message by URL.
// Once the owning message enters the sending pipeline the content is frozen and all setters
// return [ErrContentFrozen].
type Content struct {
	mu       sync.RWMutex
	frozen   bool
	ct       string
	body     []byte
	filePath string
	name     string
	size     int64
	isFile   bool
	relMsgID string

	// remote file reference
	fileURL   string
	fileUntil time.Time
	fileKey   []byte
	duration  time.Duration
	// download target requested by the application
	dlPath string
}

// NewContent creates an inline content of the given content type.
// An empty content type means text/plain.
func NewContent(contentType string, body []byte) *Content {
	if contentType == "" {
		contentType = textPlain
	}
	return &Content{ct: contentType, body: body, size: int64(len(body))}
}

// NewTextContent creates a text/plain content.
func NewTextContent(text string) *Content {
	return NewContent(textPlain+";charset=utf-8", []byte(text))
}

// NewFileContent creates a file content backed by the file at path.
// An empty content type is guessed from the file extension.
func NewFileContent(contentType, path string) (*Content, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if fi.IsDir() {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("%q is a directory", path))
	}
	if contentType == "" {
		contentType = guessContentType(path)
	}
	return &Content{
		ct:       contentType,
		filePath: path,
		name:     filepath.Base(path),
		size:     fi.Size(),
		isFile:   true,
	}, nil
}

// NewFileContentFromBytes creates a file content from an in-memory buffer.
func NewFileContentFromBytes(contentType, name string, data []byte) *Content {
	if contentType == "" {
		contentType = guessContentType(name)
	}
	return &Content{ct: contentType, body: data, name: name, size: int64(len(data)), isFile: true}
}

func guessContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func newRemoteFileContent(fi *fthttp.FileInfo) *Content {
	ct := fi.ContentType
	if ct == "" {
		ct = guessContentType(fi.Name)
	}
	c := &Content{ct: ct, name: fi.Name, size: fi.Size, isFile: true}
	c.setFileInfo(fi)
	return c
}

// ContentType returns the full content type including parameters.
func (c *Content) ContentType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ct
}

// MediaType returns the lowercase type/subtype of the content.
func (c *Content) MediaType() string { return mimeutil.MediaType(c.ContentType()) }

// SetContentType replaces the content type.
func (c *Content) SetContentType(ct string) error {
	return errtrace.Wrap(c.mutate(func() { c.ct = ct }))
}

// Body returns a copy of the inline body.
func (c *Content) Body() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.body)
}

// Text returns the inline body as a string.
func (c *Content) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return string(c.body)
}

// SetBody replaces the inline body.
func (c *Content) SetBody(b []byte) error {
	return errtrace.Wrap(c.mutate(func() {
		c.body = slices.Clone(b)
		if c.filePath == "" {
			c.size = int64(len(b))
		}
	}))
}

// SetText replaces the inline body with the text.
func (c *Content) SetText(s string) error { return errtrace.Wrap(c.SetBody([]byte(s))) }

// FilePath returns the local file path. For incoming files it is set once the file is downloaded.
func (c *Content) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// Name returns the file name.
func (c *Content) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName replaces the file name.
func (c *Content) SetName(name string) error {
	return errtrace.Wrap(c.mutate(func() { c.name = name }))
}

// Size returns the body or file size in bytes.
func (c *Content) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// RelatedMessageID returns the id of the message this content refers to.
func (c *Content) RelatedMessageID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relMsgID
}

// SetRelatedMessageID sets the id of the message this content refers to.
func (c *Content) SetRelatedMessageID(id string) error {
	return errtrace.Wrap(c.mutate(func() { c.relMsgID = id }))
}

// IsFileTransfer reports whether the content is transferred through the file transfer server.
func (c *Content) IsFileTransfer() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isFile
}

// FileURL returns the URL of the hosted file, empty until the file is uploaded.
func (c *Content) FileURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fileURL
}

// FileExpires returns the instant when the hosted file link expires.
func (c *Content) FileExpires() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fileUntil
}

// FileKey returns the file cipher key, nil for plain files.
func (c *Content) FileKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.fileKey)
}

// Duration returns the playing length of a voice recording.
func (c *Content) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.duration
}

// SetDuration sets the playing length of a voice recording.
func (c *Content) SetDuration(d time.Duration) error {
	return errtrace.Wrap(c.mutate(func() { c.duration = d }))
}

// IsVoiceRecording reports whether the content type carries the voice-recording=yes parameter.
func (c *Content) IsVoiceRecording() bool {
	_, params, err := mime.ParseMediaType(c.ContentType())
	return err == nil && strings.EqualFold(params["voice-recording"], "yes")
}

// IsFrozen reports whether the content can no longer be modified.
func (c *Content) IsFrozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

func (c *Content) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	attrs := []slog.Attr{
		slog.String("content_type", c.ct),
		slog.Int64("size", c.size),
	}
	if c.isFile {
		attrs = append(attrs, slog.String("name", c.name), slog.String("url", c.fileURL))
	}
	return slog.GroupValue(attrs...)
}

func (c *Content) mutate(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return errtrace.Wrap(ErrContentFrozen)
	}
	fn()
	return nil
}

func (c *Content) freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

func (c *Content) needsUpload() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isFile && c.fileURL == ""
}

func (c *Content) setFileInfo(fi *fthttp.FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileURL = fi.URL
	c.fileUntil = fi.Until
	c.fileKey = slices.Clone(fi.FileKey)
	if fi.Duration > 0 {
		c.duration = fi.Duration
	}
	if c.name == "" {
		c.name = fi.Name
	}
	if c.size == 0 {
		c.size = fi.Size
	}
}

func (c *Content) fileInfo() *fthttp.FileInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &fthttp.FileInfo{
		Size:        c.size,
		Name:        c.name,
		ContentType: c.ct,
		URL:         c.fileURL,
		Until:       c.fileUntil,
		FileKey:     slices.Clone(c.fileKey),
		Duration:    c.duration,
	}
}

func (c *Content) setFilePath(p string) {
	c.mu.Lock()
	c.filePath = p
	c.mu.Unlock()
}

func (c *Content) downloadPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dlPath
}

func (c *Content) setDownloadPath(p string) {
	c.mu.Lock()
	c.dlPath = p
	c.mu.Unlock()
}
