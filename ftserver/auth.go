package ftserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ghettovoice/sipchat/fthttp"
)

// AuthMode selects how clients authenticate.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthDigest AuthMode = "digest"
	AuthBearer AuthMode = "bearer"
)

const (
	nonceTTL       = 5 * time.Minute
	ctxKeyUsername = "username"
)

type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func (s *nonceStore) issue(now time.Time) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	nonce := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces == nil {
		s.nonces = make(map[string]time.Time)
	}
	for n, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, n)
		}
	}
	s.nonces[nonce] = now.Add(nonceTTL)
	return nonce
}

func (s *nonceStore) valid(nonce string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.nonces[nonce]
	return ok && !now.After(exp)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	switch s.auth {
	case AuthDigest:
		return s.digestAuth
	case AuthBearer:
		return s.bearerAuth
	default:
		return func(c *gin.Context) { c.Next() }
	}
}

func (s *Server) challenge(c *gin.Context, stale bool) {
	ch := &fthttp.DigestChallenge{
		Realm:     s.realm,
		Nonce:     s.nonces.issue(s.now()),
		Algorithm: "MD5",
		QOP:       []string{"auth"},
		Stale:     stale,
	}
	c.Header("WWW-Authenticate", ch.String())
	c.AbortWithStatus(http.StatusUnauthorized)
}

func (s *Server) digestAuth(c *gin.Context) {
	hdr := c.GetHeader("Authorization")
	if hdr == "" {
		s.challenge(c, false)
		return
	}

	cred, err := fthttp.ParseDigestCredentials(hdr)
	if err != nil {
		s.log.LogAttrs(c, slog.LevelDebug, "invalid digest credentials", slog.Any("error", err))
		s.challenge(c, false)
		return
	}
	if !s.nonces.valid(cred.Nonce, s.now()) {
		s.challenge(c, true)
		return
	}
	pass, ok := s.users[cred.Username]
	if !ok || cred.Realm != s.realm || cred.URI != c.Request.RequestURI || !cred.Verify(pass, c.Request.Method) {
		s.log.LogAttrs(c, slog.LevelDebug, "digest authentication failed", slog.String("username", cred.Username))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	c.Set(ctxKeyUsername, cred.Username)
	c.Next()
}

func (s *Server) bearerAuth(c *gin.Context) {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s"`, s.realm))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, err := s.verifyToken(strings.TrimSpace(token))
	if err != nil {
		s.log.LogAttrs(c, slog.LevelDebug, "invalid bearer token", slog.Any("error", err))
		c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, s.realm))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	c.Set(ctxKeyUsername, claims.Subject)
	c.Next()
}

// IssueToken issues a signed bearer token for the subject.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errtrace.Wrap(fmt.Errorf("issue token: no JWT secret configured"))
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return errtrace.Wrap2(jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret))
}

func (s *Server) verifyToken(token string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return s.secret, nil }, opts...); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &claims, nil
}
