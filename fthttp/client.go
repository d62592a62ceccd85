package fthttp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/log"
)

const (
	defChunkSize   = 32 << 10
	maxDocBodySize = 1 << 20
)

// ClientOptions are the options of a [Client].
type ClientOptions struct {
	// HTTPClient is the HTTP client used to make requests.
	// If nil, a client is built from Certificates and RootCAs.
	HTTPClient *http.Client
	// Username and Password are the Digest credentials.
	Username string
	Password string
	// BearerToken is sent in the Authorization header when set.
	// JWT tokens are checked for expiration before any request.
	BearerToken string
	// Certificates are TLS client certificates. Ignored when HTTPClient is set.
	Certificates []tls.Certificate
	// RootCAs are the trusted server roots. Ignored when HTTPClient is set.
	RootCAs *x509.CertPool
	// ChunkSize is the transfer chunk size. Cancellation and progress are checked once per chunk.
	// If zero, 32 KiB is used.
	ChunkSize int
	// UserAgent is sent with every request.
	UserAgent string
	// Log is the logger.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientOptions) httpClient() *http.Client {
	if o != nil && o.HTTPClient != nil {
		return o.HTTPClient
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o != nil {
		tlsCfg.Certificates = o.Certificates
		tlsCfg.RootCAs = o.RootCAs
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func (o *ClientOptions) chunkSize() int {
	if o == nil || o.ChunkSize <= 0 {
		return defChunkSize
	}
	return o.ChunkSize
}

func (o *ClientOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// ProgressFunc reports the number of transferred bytes and the expected total.
// The total is negative when unknown.
type ProgressFunc func(done, total int64)

// UploadFile describes a file to upload.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Client uploads and downloads files to and from a file transfer server.
// It is safe for concurrent use.
type Client struct {
	http      *http.Client
	user      string
	pass      string
	token     string
	chunkSize int
	ua        string
	log       *slog.Logger

	mu  sync.Mutex
	nc  map[string]uint32
	now func() time.Time
}

// NewClient creates a new file transfer client.
func NewClient(opts *ClientOptions) *Client {
	c := &Client{
		http:      opts.httpClient(),
		chunkSize: opts.chunkSize(),
		log:       opts.log(),
		nc:        make(map[string]uint32),
		now:       time.Now,
	}
	if opts != nil {
		c.user, c.pass, c.token, c.ua = opts.Username, opts.Password, opts.BearerToken, opts.UserAgent
	}
	return c
}

// CloseIdleConnections closes idle keep-alive connections.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

// Upload uploads the file to the server and returns the document describing the hosted file.
func (c *Client) Upload(ctx context.Context, serverURL string, f *UploadFile, progress ProgressFunc) (*Document, error) {
	if f == nil || f.Body == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil upload body"))
	}
	if err := c.checkBearer(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	var authz string
	if c.user != "" {
		ch, err := c.preflight(ctx, serverURL)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if ch != nil {
			authz = c.digestAuthz(ch, http.MethodPost, serverURL)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(c.writeForm(ctx, mw, f, progress))
	}()
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, pr)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req, authz)

	c.log.LogAttrs(ctx, slog.LevelDebug, "upload file",
		slog.String("url", serverURL),
		slog.String("name", f.Name),
		slog.Int64("size", f.Size),
	)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errtrace.Wrap(c.doErr(ctx, err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxDocBodySize))
		return nil, errtrace.Wrap(classifyStatus(http.MethodPost, serverURL, res.StatusCode))
	}

	if mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")); mt != "" && mt != ContentType && !strings.HasSuffix(mt, "/xml") {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidResponse, "unexpected content type %q", mt))
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxDocBodySize))
	if err != nil {
		return nil, errtrace.Wrap(c.doErr(ctx, err))
	}
	doc, err := ParseDocument(body)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidResponse, err))
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "file uploaded", slog.Any("file", doc.File))
	return doc, nil
}

func (c *Client) writeForm(ctx context.Context, mw *multipart.Writer, f *UploadFile, progress ProgressFunc) error {
	if err := mw.WriteField("tid", uuid.NewString()); err != nil {
		return errtrace.Wrap(err)
	}

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "File",
		"filename": f.Name,
	}))
	hdr.Set("Content-Type", ct)
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := copyChunks(ctx, fw, f.Body, c.chunkSize, f.Size, progress); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(mw.Close())
}

// Download fetches the file at rawURL into w.
// The size is used for progress reporting when the server does not announce Content-Length.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer, size int64, progress ProgressFunc) (int64, error) {
	if err := c.checkBearer(); err != nil {
		return 0, errtrace.Wrap(err)
	}

	res, err := c.get(ctx, rawURL, "")
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	if res.StatusCode == http.StatusUnauthorized && c.user != "" {
		ch, cerr := ParseDigestChallenge(res.Header.Get("WWW-Authenticate"))
		drain(res)
		if cerr != nil {
			return 0, errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, cerr))
		}
		if res, err = c.get(ctx, rawURL, c.digestAuthz(ch, http.MethodGet, rawURL)); err != nil {
			return 0, errtrace.Wrap(err)
		}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		drain(res)
		return 0, errtrace.Wrap(classifyStatus(http.MethodGet, rawURL, res.StatusCode))
	}

	total := res.ContentLength
	if total < 0 {
		total = size
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "download file", slog.String("url", rawURL), slog.Int64("size", total))

	n, err := copyChunks(ctx, w, res.Body, c.chunkSize, total, progress)
	if err != nil {
		return n, errtrace.Wrap(c.doErr(ctx, err))
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, rawURL, authz string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	c.setHeaders(req, authz)
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errtrace.Wrap(c.doErr(ctx, err))
	}
	return res, nil
}

// preflight sends an empty POST to learn whether the server requires Digest authentication.
func (c *Client) preflight(ctx context.Context, serverURL string) (*DigestChallenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, http.NoBody)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	c.setHeaders(req, "")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errtrace.Wrap(c.doErr(ctx, err))
	}
	drain(res)

	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		ch, err := ParseDigestChallenge(res.Header.Get("WWW-Authenticate"))
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, err))
		}
		return ch, nil
	default:
		return nil, errtrace.Wrap(classifyStatus(http.MethodPost, serverURL, res.StatusCode))
	}
}

func (c *Client) digestAuthz(ch *DigestChallenge, method, rawURL string) string {
	c.mu.Lock()
	c.nc[ch.Nonce]++
	nc := c.nc[ch.Nonce]
	c.mu.Unlock()

	uri := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		uri = u.RequestURI()
	}
	return ch.Authorize(c.user, c.pass, method, uri, nc).String()
}

func (c *Client) setHeaders(req *http.Request, authz string) {
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	switch {
	case authz != "":
		req.Header.Set("Authorization", authz)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// checkBearer rejects expired JWT bearer tokens locally.
// Opaque tokens are passed to the server as is.
func (c *Client) checkBearer() error {
	if c.token == "" {
		return nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return nil //nolint:nilerr
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(c.now()) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, "bearer token expired at %s", claims.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

func (*Client) doErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr //errtrace:skip
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err //errtrace:skip
	}
	var urlErr *url.Error
	if errorutil.IsNetError(err) ||
		errorutil.IsTimeoutErr(err) ||
		errorutil.IsTemporaryErr(err) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &urlErr) {
		return errorutil.NewWrapperError(ErrTransient, err) //errtrace:skip
	}
	return err //errtrace:skip
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxDocBodySize))
	res.Body.Close()
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, chunk int, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, chunk)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, errtrace.Wrap(err)
		}
		rn, rerr := src.Read(buf)
		if rn > 0 {
			wn, werr := dst.Write(buf[:rn])
			n += int64(wn)
			if werr != nil {
				return n, errtrace.Wrap(werr)
			}
			if progress != nil {
				progress(n, total)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, errtrace.Wrap(rerr)
		}
	}
}
