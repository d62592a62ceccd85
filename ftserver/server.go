// Package ftserver implements a file transfer HTTP server compatible with the [fthttp] client.
//
// Uploads are accepted as multipart/form-data POST requests and answered with a file transfer
// document pointing to the download URL. Download links expire after the configured TTL.
package ftserver

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/log"
)

const (
	defLinkTTL       = 24 * time.Hour
	defMaxUploadSize = 100 << 20
	defRealm         = "sipchat"
)

// Options are the server options.
type Options struct {
	// BaseURL is the public URL prefix of download links.
	// If empty, it is derived from each upload request.
	BaseURL string
	// Auth is the authentication mode. Default is [AuthNone].
	Auth AuthMode
	// AuthDownloads enables authentication of downloads too.
	AuthDownloads bool
	// Realm is the Digest/Bearer realm.
	Realm string
	// Users maps Digest usernames to passwords.
	Users map[string]string
	// JWTSecret is the HS256 key of bearer tokens.
	JWTSecret []byte
	// JWTIssuer is the expected token issuer, if set.
	JWTIssuer string
	// Storage stores uploaded files. If nil, a [MemoryStorage] is used.
	Storage Storage
	// LinkTTL is the lifetime of download links. If zero, 24 hours is used.
	LinkTTL time.Duration
	// MaxUploadSize limits the uploaded file size. If zero, 100 MiB is used.
	MaxUploadSize int64
	// Log is the logger.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *Options) storage() Storage {
	if o == nil || o.Storage == nil {
		return NewMemoryStorage()
	}
	return o.Storage
}

func (o *Options) linkTTL() time.Duration {
	if o == nil || o.LinkTTL <= 0 {
		return defLinkTTL
	}
	return o.LinkTTL
}

func (o *Options) maxUploadSize() int64 {
	if o == nil || o.MaxUploadSize <= 0 {
		return defMaxUploadSize
	}
	return o.MaxUploadSize
}

func (o *Options) realm() string {
	if o == nil || o.Realm == "" {
		return defRealm
	}
	return o.Realm
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Server is a file transfer HTTP server. It implements [http.Handler].
type Server struct {
	engine    *gin.Engine
	baseURL   string
	auth      AuthMode
	realm     string
	users     map[string]string
	secret    []byte
	issuer    string
	storage   Storage
	linkTTL   time.Duration
	maxUpload int64
	log       *slog.Logger
	nonces    nonceStore
	now       func() time.Time
}

var ginModeOnce sync.Once

// New creates a new server.
func New(opts *Options) *Server {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })

	s := &Server{
		auth:      AuthNone,
		realm:     opts.realm(),
		storage:   opts.storage(),
		linkTTL:   opts.linkTTL(),
		maxUpload: opts.maxUploadSize(),
		log:       opts.log(),
		now:       time.Now,
	}
	if opts != nil {
		s.baseURL = strings.TrimRight(opts.BaseURL, "/")
		s.users = opts.Users
		s.secret = opts.JWTSecret
		s.issuer = opts.JWTIssuer
		if opts.Auth != "" {
			s.auth = opts.Auth
		}
	}

	e := gin.New()
	e.Use(gin.Recovery(), s.logMiddleware())

	auth := s.authMiddleware()
	e.POST("/", auth, s.handleUpload)
	e.POST("/upload", auth, s.handleUpload)
	if opts != nil && opts.AuthDownloads {
		e.GET("/download/:id", auth, s.handleDownload)
	} else {
		e.GET("/download/:id", s.handleDownload)
	}
	s.engine = e
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.engine.ServeHTTP(w, r) }

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.LogAttrs(c, slog.LevelDebug, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	// empty POST answers the authentication preflight
	if c.Request.ContentLength == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.String(http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.String(http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "File" {
			_, _ = io.Copy(io.Discard, part)
			continue
		}

		meta := &FileMeta{
			ID:          uuid.NewString(),
			Name:        part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Until:       s.now().Add(s.linkTTL).UTC().Truncate(time.Second),
		}
		if meta.ContentType == "" {
			meta.ContentType = "application/octet-stream"
		}

		n, err := s.storage.Put(c, meta, io.LimitReader(part, s.maxUpload+1))
		if err != nil {
			s.log.LogAttrs(c, slog.LevelWarn, "failed to store file", slog.Any("error", err))
			c.String(http.StatusInternalServerError, "failed to store file")
			return
		}
		if n > s.maxUpload {
			_ = s.storage.Delete(c, meta.ID)
			c.String(http.StatusRequestEntityTooLarge, "file is too large")
			return
		}

		doc := &fthttp.Document{File: &fthttp.FileInfo{
			Size:        n,
			Name:        meta.Name,
			ContentType: meta.ContentType,
			URL:         s.downloadURL(c, meta.ID),
			Until:       meta.Until,
		}}
		body, err := doc.Marshal()
		if err != nil {
			c.String(http.StatusInternalServerError, "failed to build response")
			return
		}

		s.log.LogAttrs(c, slog.LevelInfo, "file stored",
			slog.String("id", meta.ID),
			slog.String("name", meta.Name),
			slog.Int64("size", n),
			slog.String("username", c.GetString(ctxKeyUsername)),
		)
		c.Data(http.StatusOK, fthttp.ContentType, body)
		return
	}

	c.String(http.StatusBadRequest, "no File part")
}

func (s *Server) downloadURL(c *gin.Context, id string) string {
	base := s.baseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/download/" + id
}

func (s *Server) handleDownload(c *gin.Context) {
	id := c.Param("id")
	meta, rc, err := s.storage.Open(c, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		s.log.LogAttrs(c, slog.LevelWarn, "failed to open file", slog.String("id", id), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if !meta.Until.IsZero() && s.now().After(meta.Until) {
		_ = s.storage.Delete(c, id)
		c.Status(http.StatusGone)
		return
	}

	c.DataFromReader(http.StatusOK, meta.Size, meta.ContentType, rc, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}),
		"Expires":             meta.Until.UTC().Format(http.TimeFormat),
		"X-File-Size":         strconv.FormatInt(meta.Size, 10),
	})
}

func (s *Server) String() string { return fmt.Sprintf("ftserver(auth=%s)", s.auth) }
