package fthttp_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/goleak"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/ftserver"
	"github.com/ghettovoice/sipchat/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newServer(t *testing.T, opts *ftserver.Options) (*ftserver.Server, string) {
	t.Helper()

	if opts.Log == nil {
		opts.Log = log.Noop()
	}
	srv := ftserver.New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs.URL
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v, want nil", err)
	}
	return b
}

func roundTrip(t *testing.T, c *fthttp.Client, url string, data []byte) {
	t.Helper()

	var lastUp int64
	doc, err := c.Upload(t.Context(), url+"/upload", &fthttp.UploadFile{
		Name:        "file.bin",
		ContentType: "application/octet-stream",
		Size:        int64(len(data)),
		Body:        bytes.NewReader(data),
	}, func(done, _ int64) { lastUp = done })
	if err != nil {
		t.Fatalf("c.Upload() error = %v, want nil", err)
	}
	if lastUp != int64(len(data)) {
		t.Errorf("upload progress = %d, want %d", lastUp, len(data))
	}
	if doc.File.Size != int64(len(data)) || doc.File.Name != "file.bin" {
		t.Errorf("doc.File = %+v, want size %d and name file.bin", doc.File, len(data))
	}

	var buf bytes.Buffer
	n, err := c.Download(t.Context(), doc.File.URL, &buf, doc.File.Size, nil)
	if err != nil {
		t.Fatalf("c.Download(%q) error = %v, want nil", doc.File.URL, err)
	}
	if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("downloaded %d bytes, want byte-identical %d bytes", n, len(data))
	}
}

func TestClient_NoAuth(t *testing.T) {
	t.Parallel()

	_, url := newServer(t, &ftserver.Options{})
	c := fthttp.NewClient(&fthttp.ClientOptions{ChunkSize: 1024, Log: log.Noop()})
	defer c.CloseIdleConnections()

	roundTrip(t, c, url, randBytes(t, 10*1024+17))
}

func TestClient_Digest(t *testing.T) {
	t.Parallel()

	_, url := newServer(t, &ftserver.Options{
		Auth:          ftserver.AuthDigest,
		AuthDownloads: true,
		Users:         map[string]string{"alice": "secret"},
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		c := fthttp.NewClient(&fthttp.ClientOptions{Username: "alice", Password: "secret", Log: log.Noop()})
		defer c.CloseIdleConnections()

		roundTrip(t, c, url, randBytes(t, 4096))
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		c := fthttp.NewClient(&fthttp.ClientOptions{Username: "alice", Password: "wrong", Log: log.Noop()})
		defer c.CloseIdleConnections()

		_, err := c.Upload(t.Context(), url+"/upload", &fthttp.UploadFile{Name: "a", Body: bytes.NewReader([]byte("x"))}, nil)
		if !errors.Is(err, fthttp.ErrAuthFailed) {
			t.Errorf("c.Upload() error = %v, want %v", err, fthttp.ErrAuthFailed)
		}
	})
}

func TestClient_Bearer(t *testing.T) {
	t.Parallel()

	srv, url := newServer(t, &ftserver.Options{
		Auth:      ftserver.AuthBearer,
		JWTSecret: []byte("0123456789abcdef"),
		JWTIssuer: "sipchat-test",
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		token, err := srv.IssueToken("alice", time.Hour)
		if err != nil {
			t.Fatalf("srv.IssueToken() error = %v, want nil", err)
		}
		c := fthttp.NewClient(&fthttp.ClientOptions{BearerToken: token, Log: log.Noop()})
		defer c.CloseIdleConnections()

		roundTrip(t, c, url, randBytes(t, 2048))
	})

	t.Run("expired locally", func(t *testing.T) {
		t.Parallel()

		var hits int
		hs := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits++ }))
		defer hs.Close()

		claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("SignedString() error = %v, want nil", err)
		}
		c := fthttp.NewClient(&fthttp.ClientOptions{BearerToken: token, Log: log.Noop()})
		defer c.CloseIdleConnections()

		_, err = c.Upload(t.Context(), hs.URL, &fthttp.UploadFile{Name: "a", Body: bytes.NewReader([]byte("x"))}, nil)
		if !errors.Is(err, fthttp.ErrAuthFailed) {
			t.Errorf("c.Upload() error = %v, want %v", err, fthttp.ErrAuthFailed)
		}
		if hits != 0 {
			t.Errorf("server hits = %d, want 0", hits)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		t.Parallel()

		c := fthttp.NewClient(&fthttp.ClientOptions{BearerToken: "opaque-token", Log: log.Noop()})
		defer c.CloseIdleConnections()

		_, err := c.Upload(t.Context(), url+"/upload", &fthttp.UploadFile{Name: "a", Body: bytes.NewReader([]byte("x"))}, nil)
		if !errors.Is(err, fthttp.ErrAuthFailed) {
			t.Errorf("c.Upload() error = %v, want %v", err, fthttp.ErrAuthFailed)
		}
	})
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("not a document"))
		}
	}))
	defer hs.Close()

	c := fthttp.NewClient(&fthttp.ClientOptions{Log: log.Noop()})
	defer c.CloseIdleConnections()

	up := func(path string) error {
		_, err := c.Upload(t.Context(), hs.URL+path, &fthttp.UploadFile{Name: "a", Body: bytes.NewReader([]byte("x"))}, nil)
		return err
	}

	if err := up("/unavailable"); !errors.Is(err, fthttp.ErrTransient) {
		t.Errorf("upload to /unavailable error = %v, want %v", err, fthttp.ErrTransient)
	}
	var stErr *fthttp.StatusError
	if err := up("/gone"); !errors.As(err, &stErr) || stErr.Code != http.StatusGone || errors.Is(err, fthttp.ErrTransient) {
		t.Errorf("upload to /gone error = %v, want permanent status error 410", err)
	}
	if err := up("/doc"); !errors.Is(err, fthttp.ErrInvalidResponse) {
		t.Errorf("upload to /doc error = %v, want %v", err, fthttp.ErrInvalidResponse)
	}

	hs.Close()
	if err := up("/"); !errors.Is(err, fthttp.ErrTransient) {
		t.Errorf("upload to closed server error = %v, want %v", err, fthttp.ErrTransient)
	}
}

func TestClient_Cancel(t *testing.T) {
	t.Parallel()

	_, url := newServer(t, &ftserver.Options{})
	c := fthttp.NewClient(&fthttp.ClientOptions{ChunkSize: 16, Log: log.Noop()})
	defer c.CloseIdleConnections()

	ctx, cancel := context.WithCancel(t.Context())
	_, err := c.Upload(ctx, url+"/upload", &fthttp.UploadFile{
		Name: "big",
		Size: 1 << 20,
		Body: bytes.NewReader(make([]byte, 1<<20)),
	}, func(done, _ int64) {
		if done >= 64 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("c.Upload() error = %v, want %v", err, context.Canceled)
	}
}
