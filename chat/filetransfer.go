package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

// AutoDownloadPolicy decides which incoming files are downloaded on receipt.
type AutoDownloadPolicy struct {
	// MaxSize is the size limit: -1 downloads everything, 0 downloads everything
	// except Excluded types and N downloads files up to N bytes.
	MaxSize int64 `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
	// VoiceRecordingOverride, when set, decides voice recordings regardless of MaxSize.
	VoiceRecordingOverride *bool `json:"voice_recording_override,omitempty" yaml:"voice_recording_override,omitempty" mapstructure:"voice_recording_override"`
	// Excluded are the media types or type wildcards skipped by MaxSize 0.
	// If empty, video/* is excluded.
	Excluded []string `json:"excluded,omitempty" yaml:"excluded,omitempty" mapstructure:"excluded"`
}

func (p *AutoDownloadPolicy) allows(c *Content) bool {
	if p == nil {
		return false
	}
	if c.IsVoiceRecording() && p.VoiceRecordingOverride != nil {
		return *p.VoiceRecordingOverride
	}
	switch {
	case p.MaxSize < 0:
		return true
	case p.MaxSize == 0:
		excl := p.Excluded
		if len(excl) == 0 {
			excl = []string{"video/*"}
		}
		return !NewRegistry(excl...).Supports(c.ContentType())
	default:
		return c.Size() <= p.MaxSize
	}
}

const maxUniqueNames = 1000

// openUnique creates a new file at path or, when it exists, at "name (N).ext".
// Existing files are never overwritten.
func openUnique(path string) (*os.File, string, error) {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := range maxUniqueNames {
		p := path
		if i > 0 {
			p = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", errtrace.Wrap(err)
		}
	}
	return nil, "", errtrace.Wrap(errorutil.NewInvalidArgumentError("no free file name for %q", path))
}

func safeFileName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "" || name == "/" || name == "." {
		return "file"
	}
	return name
}

type uploadItem struct {
	content *Content
	name    string
	ct      string
	path    string
	body    []byte
	size    int64
}

func (m *ChatMessage) startUpload() {
	c := m.core
	room := m.ChatRoom()
	ciphered := c.cipher != nil && room != nil && c.cipher.CiphersFiles(room)

	var items []uploadItem
	for _, ct := range m.Contents() {
		if !ct.needsUpload() {
			continue
		}
		ct.mu.RLock()
		items = append(items, uploadItem{
			content: ct,
			name:    ct.name,
			ct:      mimeutil.MediaType(ct.ct),
			path:    ct.filePath,
			body:    ct.body,
			size:    ct.size,
		})
		ct.mu.RUnlock()
	}

	ctx, cancel := context.WithCancel(c.ctx)
	m.cancels = append(m.cancels, cancel)
	m.uploading = true
	m.suspended = false
	serverURL := c.fileTransferOpts().ServerURL

	m.log.LogAttrs(ctx, slog.LevelDebug, "upload message files",
		slog.Any("message", m),
		slog.Int("files", len(items)),
		slog.Bool("ciphered", ciphered),
	)

	c.uploads.Add(1)
	go func() {
		defer c.uploads.Done()
		docs, err := c.uploadFiles(ctx, m, serverURL, items, ciphered)
		cancel()
		c.post(func() { m.onUploadDone(items, docs, err) })
	}()
}

func (c *Core) uploadFiles(
	ctx context.Context,
	m *ChatMessage,
	serverURL string,
	items []uploadItem,
	ciphered bool,
) ([]*fthttp.Document, error) {
	docs := make([]*fthttp.Document, 0, len(items))
	for _, it := range items {
		doc, err := c.uploadFile(ctx, m, serverURL, it, ciphered)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *Core) uploadFile(ctx context.Context, m *ChatMessage, serverURL string, it uploadItem, ciphered bool) (*fthttp.Document, error) {
	var r io.Reader = bytes.NewReader(it.body)
	size := it.size
	if it.path != "" {
		f, err := os.Open(it.path)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		defer f.Close()
		r = f
	}

	var key []byte
	if ciphered {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		enc, k, err := c.cipher.EncryptFile(ctx, m, it.content, data)
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrEncryption, err))
		}
		r, size, key = bytes.NewReader(enc), int64(len(enc)), k
	}

	doc, err := c.ftClient.Upload(ctx, serverURL, &fthttp.UploadFile{
		Name:        it.name,
		ContentType: it.ct,
		Size:        size,
		Body:        r,
	}, c.progressFunc(m, it.content))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if doc.File == nil {
		return nil, errtrace.Wrap(fthttp.ErrInvalidDocument)
	}
	doc.File.FileKey = key
	if doc.File.Name == "" {
		doc.File.Name = it.name
	}
	if doc.File.ContentType == "" {
		doc.File.ContentType = it.ct
	}
	doc.File.Size = it.size
	return doc, nil
}

func (c *Core) progressFunc(m *ChatMessage, ct *Content) fthttp.ProgressFunc {
	last := -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := int(min(done*100/total, 100))
		if pct == last {
			return
		}
		last = pct
		c.post(func() {
			if st := m.State(); st == MessageStateFileTransferInProgress {
				c.notifyProgress(m, ct, pct)
			}
		})
	}
}

func (m *ChatMessage) onUploadDone(items []uploadItem, docs []*fthttp.Document, err error) {
	c := m.core
	m.uploading = false
	m.cancels = nil
	if m.ChatRoom() == nil || m.suspended {
		return
	}

	switch m.State() {
	case MessageStateFileTransferCancelling:
		m.setFailure(FailureUserCancelled)
		m.fire(msgEvtCancelled)
		c.notifyTransferTerminated(m, context.Canceled)
		c.persist(m)
		return
	case MessageStateFileTransferInProgress:
	default:
		return
	}

	if err != nil {
		reason := failureFromTransferErr(err, true)
		if errors.Is(err, ErrEncryption) {
			reason = FailureEncryptionEngine
		}
		m.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to upload message files",
			slog.Any("message", m),
			slog.String("reason", reason.String()),
			slog.Any("error", err),
		)
		m.ftFailures++
		m.setFailure(reason)
		c.stats.transferFailed()
		m.fire(msgEvtFileErr)
		c.notifyTransferTerminated(m, err)
		c.persist(m)
		return
	}

	for i, it := range items {
		it.content.setFileInfo(docs[i].File)
		c.stats.uploadCompleted()
	}
	m.ftFailures = 0
	if room := m.ChatRoom(); room.cpim && m.ID() == "" {
		m.setID(newMessageID())
	}
	m.fire(msgEvtUploadDone)
	c.notifyTransferTerminated(m, nil)
	c.persist(m)

	m.fire(msgEvtProceed)
	m.process()
}

func (m *ChatMessage) retryUpload() {
	if m.uploading || m.ChatRoom() == nil {
		return
	}
	c := m.core
	if c.ftClient == nil || c.fileTransferOpts().ServerURL == "" {
		return
	}
	m.resumable = false
	m.setFailure(FailureNone)
	m.log.LogAttrs(c.ctx, slog.LevelDebug, "retry message files upload", slog.Any("message", m))
	m.fire(msgEvtUpload)
	m.startUpload()
}

// DownloadFile downloads a file content of an incoming message to path.
// An empty path stores the file in the download directory under its own name.
// Existing files are never overwritten: a numbered name is chosen instead.
func (m *ChatMessage) DownloadFile(ct *Content, path string) error {
	c := m.core
	if c.stopped.Load() {
		return errtrace.Wrap(ErrCoreStopped)
	}
	if m.dir != Incoming || !slices.Contains(m.Contents(), ct) {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("content does not belong to an incoming message"))
	}
	if !ct.IsFileTransfer() || ct.FileURL() == "" {
		return errtrace.Wrap(ErrNotFileTransfer)
	}
	if c.ftClient == nil {
		return errtrace.Wrap(ErrNoFileTransferServer)
	}

	c.lock()
	defer c.unlock()
	if m.ChatRoom() == nil {
		return errtrace.Wrap(ErrRoomDeleted)
	}
	if st := m.State(); st == MessageStateFileTransferCancelling {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidState, "cannot download in state %s", st))
	}
	m.ftFailures = 0
	m.startDownload(ct, path)
	return nil
}

func (m *ChatMessage) startDownload(ct *Content, path string) {
	c := m.core
	if path == "" {
		dir := c.fileTransferOpts().DownloadDir
		if dir == "" {
			dir = os.TempDir()
		}
		path = filepath.Join(dir, safeFileName(ct.Name()))
	}
	ct.setDownloadPath(path)

	if m.State() == MessageStateDisplayed {
		m.pendingDisplay = true
	}
	m.setFailure(FailureNone)
	m.fire(msgEvtDownload)

	ctx, cancel := context.WithCancel(c.ctx)
	m.cancels = append(m.cancels, cancel)
	m.downloads++
	c.remainingDL.Add(1)
	fi := ct.fileInfo()

	m.log.LogAttrs(ctx, slog.LevelDebug, "download message file",
		slog.Any("message", m),
		slog.Any("file", fi),
		slog.String("path", path),
	)

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		p, err := c.downloadFile(ctx, m, ct, fi, path)
		cancel()
		c.remainingDL.Add(-1)
		c.post(func() { m.onDownloadDone(ct, p, err) })
	}()
}

func (c *Core) downloadFile(ctx context.Context, m *ChatMessage, ct *Content, fi *fthttp.FileInfo, path string) (p string, err error) {
	f, p, err := openUnique(path)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(p)
			p = ""
		}
	}()

	progress := c.progressFunc(m, ct)
	if len(fi.FileKey) == 0 {
		_, err = c.ftClient.Download(ctx, fi.URL, f, fi.Size, progress)
		return p, errtrace.Wrap(err)
	}

	if c.cipher == nil {
		return p, errtrace.Wrap(errorutil.NewWrapperError(ErrEncryption, "ciphered file without a file cipher"))
	}
	var buf bytes.Buffer
	if _, err = c.ftClient.Download(ctx, fi.URL, &buf, fi.Size, progress); err != nil {
		return p, errtrace.Wrap(err)
	}
	plain, err := c.cipher.DecryptFile(ctx, m, ct, fi.FileKey, buf.Bytes())
	if err != nil {
		return p, errtrace.Wrap(errorutil.NewWrapperError(ErrEncryption, err))
	}
	_, err = f.Write(plain)
	return p, errtrace.Wrap(err)
}

func (m *ChatMessage) onDownloadDone(ct *Content, path string, err error) {
	c := m.core
	m.downloads--
	if err == nil {
		ct.setFilePath(path)
		c.stats.downloadCompleted()
	} else {
		c.stats.transferFailed()
		if m.dlErr == nil {
			m.dlErr = err
		}
	}
	if m.downloads > 0 {
		return
	}

	m.cancels = nil
	dlErr := m.dlErr
	m.dlErr = nil
	if m.ChatRoom() == nil || m.suspended {
		return
	}

	switch {
	case m.State() == MessageStateFileTransferCancelling && dlErr != nil:
		m.setFailure(FailureUserCancelled)
		m.fire(msgEvtCancelled)
	case dlErr != nil:
		reason := failureFromTransferErr(dlErr, false)
		if errors.Is(dlErr, ErrEncryption) {
			reason = FailureEncryptionEngine
		}
		m.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to download message file",
			slog.Any("message", m),
			slog.String("reason", reason.String()),
			slog.Any("error", dlErr),
		)
		m.ftFailures++
		m.setFailure(reason)
		m.fire(msgEvtFileErr)
	default:
		m.ftFailures = 0
		m.fire(msgEvtDownloadDone)
	}
	c.notifyTransferTerminated(m, dlErr)

	if m.pendingDisplay {
		m.pendingDisplay = false
		m.fire(msgEvtRead)
	}
	c.persist(m)
}

func (m *ChatMessage) retryDownload() {
	if m.downloads > 0 || m.ChatRoom() == nil || m.core.ftClient == nil {
		return
	}
	for _, ct := range m.FileContents() {
		if ct.FilePath() == "" && ct.FileURL() != "" {
			m.startDownload(ct, ct.downloadPath())
		}
	}
}

func (m *ChatMessage) autoDownload(policy *AutoDownloadPolicy) {
	if policy == nil || m.core.ftClient == nil {
		return
	}
	for _, ct := range m.FileContents() {
		if ct.FileURL() != "" && policy.allows(ct) {
			m.startDownload(ct, "")
		}
	}
}

// CancelFileTransfer cancels running uploads or downloads of the message.
// Cancelled uploads end in NotDelivered, cancelled downloads in FileTransferError.
func (m *ChatMessage) CancelFileTransfer() error {
	c := m.core
	c.lock()
	defer c.unlock()

	if st := m.State(); st != MessageStateFileTransferInProgress || (!m.uploading && m.downloads == 0) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidState, "no file transfer in state %s", st))
	}
	m.log.LogAttrs(c.ctx, slog.LevelDebug, "cancel message file transfer", slog.Any("message", m))
	m.fire(msgEvtCancel)
	m.cancelTransfers()
	return nil
}

func (m *ChatMessage) cancelTransfers() {
	for _, cancel := range m.cancels {
		cancel()
	}
}
