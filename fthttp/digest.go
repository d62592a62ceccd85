package fthttp

import (
	"crypto/md5" //nolint:gosec
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// Digest authentication (RFC 2617), currently only MD5 with or without qop=auth.

var digestParamRe = regexp.MustCompile(`([\w-]+)\s*=\s*(?:"([^"]*)"|([^,\s]+))`)

func parseDigestParams(value string) (map[string]string, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unsupported auth scheme %q", scheme))
	}
	params := make(map[string]string)
	for _, m := range digestParamRe.FindAllStringSubmatch(rest, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		params[strings.ToLower(m[1])] = v
	}
	return params, nil
}

// DigestChallenge is a parsed WWW-Authenticate header.
type DigestChallenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       []string
	Stale     bool
}

// ParseDigestChallenge parses a WWW-Authenticate header value.
func ParseDigestChallenge(value string) (*DigestChallenge, error) {
	params, err := parseDigestParams(value)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ch := &DigestChallenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
		Stale:     strings.EqualFold(params["stale"], "true"),
	}
	if ch.Algorithm == "" {
		ch.Algorithm = "MD5"
	}
	for q := range strings.SplitSeq(params["qop"], ",") {
		if q = strings.TrimSpace(q); q != "" {
			ch.QOP = append(ch.QOP, q)
		}
	}
	if ch.Nonce == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("digest challenge without nonce"))
	}
	if !strings.EqualFold(ch.Algorithm, "MD5") {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unsupported digest algorithm %q", ch.Algorithm))
	}
	return ch, nil
}

func (ch *DigestChallenge) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest realm="%s", nonce="%s", algorithm=%s`, ch.Realm, ch.Nonce, ch.Algorithm)
	if ch.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, ch.Opaque)
	}
	if len(ch.QOP) > 0 {
		fmt.Fprintf(&sb, `, qop="%s"`, strings.Join(ch.QOP, ","))
	}
	if ch.Stale {
		sb.WriteString(", stale=true")
	}
	return sb.String()
}

func (ch *DigestChallenge) supportsAuthQOP() bool {
	for _, q := range ch.QOP {
		if strings.EqualFold(q, "auth") {
			return true
		}
	}
	return false
}

// Authorize builds credentials answering the challenge.
// nc is the nonce count of this request for the challenge nonce.
func (ch *DigestChallenge) Authorize(username, password, method, uri string, nc uint32) *DigestCredentials {
	cred := &DigestCredentials{
		Username:  username,
		Realm:     ch.Realm,
		Nonce:     ch.Nonce,
		URI:       uri,
		Algorithm: ch.Algorithm,
		Opaque:    ch.Opaque,
	}
	if ch.supportsAuthQOP() {
		cred.QOP = "auth"
		cred.NC = fmt.Sprintf("%08x", nc)
		cred.CNonce = newCNonce()
	}
	cred.Response = cred.Calc(password, method)
	return cred
}

func newCNonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// DigestCredentials is a parsed or built Authorization header.
type DigestCredentials struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	Opaque    string
	QOP       string
	NC        string
	CNonce    string
}

// ParseDigestCredentials parses an Authorization header value.
func ParseDigestCredentials(value string) (*DigestCredentials, error) {
	params, err := parseDigestParams(value)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cred := &DigestCredentials{
		Username:  params["username"],
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		URI:       params["uri"],
		Response:  params["response"],
		Algorithm: params["algorithm"],
		Opaque:    params["opaque"],
		QOP:       params["qop"],
		NC:        params["nc"],
		CNonce:    params["cnonce"],
	}
	if cred.Username == "" || cred.Nonce == "" || cred.Response == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("incomplete digest credentials"))
	}
	return cred, nil
}

// Calc calculates the expected response for the password and request method.
func (c *DigestCredentials) Calc(password, method string) string {
	return calcResponse(c.Username, c.Realm, password, method, c.URI, c.Nonce, c.QOP, c.NC, c.CNonce)
}

// Verify reports whether the credentials answer the nonce with the given password.
func (c *DigestCredentials) Verify(password, method string) bool {
	return c.Response == c.Calc(password, method)
}

func (c *DigestCredentials) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		c.Username, c.Realm, c.Nonce, c.URI, c.Response,
	)
	if c.Algorithm != "" {
		fmt.Fprintf(&sb, ", algorithm=%s", c.Algorithm)
	}
	if c.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, c.Opaque)
	}
	if c.QOP != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce="%s"`, c.QOP, c.NC, c.CNonce)
	}
	return sb.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// calculates Authorization response https://www.ietf.org/rfc/rfc2617.txt
func calcResponse(username, realm, password, method, uri, nonce, qop, nc, cnonce string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	if qop == "" {
		return md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}
