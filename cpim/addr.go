package cpim

import (
	"strconv"
	"strings"
	"sync"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// ErrInvalidAddr is returned when an address header value is not a name-addr.
const ErrInvalidAddr errorutil.Error = "invalid CPIM address"

func octet(key string, c byte) abnf.Operator { return abnf.Literal(key, []byte{c}) }

func octetRange(key string, lo, hi byte) abnf.Operator {
	return abnf.Range(key, []byte{lo}, []byte{hi})
}

// nameAddr matches From and To header values (RFC 3862 section 3.3, display names as in RFC 3261):
//
//	name-addr     = [ display-name ] *WSP "<" uri ">" *OCTET
//	display-name  = quoted-string / token *( 1*WSP token )
//	quoted-string = DQUOTE *( qdtext / quoted-pair ) DQUOTE
var nameAddr = sync.OnceValue(func() abnf.Operator {
	wsp := abnf.Alt("WSP", octet("SP", ' '), octet("HTAB", '\t'))
	utf8 := octetRange("UTF8-NONASCII", 0x80, 0xff)

	token := abnf.Repeat1Inf("token", abnf.Alt("token-char",
		octetRange("ALPHA", 'A', 'Z'),
		octetRange("ALPHA", 'a', 'z'),
		octetRange("DIGIT", '0', '9'),
		octet("-", '-'), octet(".", '.'), octet("!", '!'), octet("%", '%'), octet("*", '*'),
		octet("_", '_'), octet("+", '+'), octet("`", '`'), octet("'", '\''), octet("~", '~'),
		utf8,
	))
	tokens := abnf.Concat("tokens",
		token,
		abnf.Repeat0Inf("tokens-tail", abnf.Concat("tokens-sep", abnf.Repeat1Inf("LWS", wsp), token)),
	)

	qdtext := abnf.Alt("qdtext",
		wsp,
		octet("!", '!'),
		octetRange("qdtext", 0x23, 0x5b),
		octetRange("qdtext", 0x5d, 0x7e),
		utf8,
	)
	quotedPair := abnf.Concat("quoted-pair", octet("\\", '\\'), octetRange("CHAR", 0x00, 0x7f))
	quoted := abnf.Concat("quoted-string",
		octet("DQUOTE", '"'),
		abnf.Repeat0Inf("quoted-text", abnf.Alt("quoted-char", qdtext, quotedPair)),
		octet("DQUOTE", '"'),
	)

	uri := abnf.Repeat1Inf("uri", abnf.Alt("uric",
		octetRange("uric", 0x21, 0x3b),
		octet("=", '='),
		octetRange("uric", 0x3f, 0x7e),
		utf8,
	))

	return abnf.Concat("name-addr",
		abnf.Optional("display", abnf.Alt("display-name", quoted, tokens)),
		abnf.Repeat0Inf("LWS", wsp),
		octet("LAQUOT", '<'),
		uri,
		octet("RAQUOT", '>'),
		abnf.Repeat0Inf("params", octetRange("OCTET", 0x00, 0xff)),
	)
})

// Addr is a parsed address header value.
type Addr struct {
	DisplayName string
	URI         string
}

func (a Addr) String() string {
	if a.DisplayName == "" {
		return "<" + a.URI + ">"
	}
	return strconv.Quote(a.DisplayName) + " <" + a.URI + ">"
}

// ParseNameAddr parses an address header value of the form [display-name] "<" URI ">".
// Anything after the closing angle bracket is ignored.
func ParseNameAddr(v string) (Addr, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, "empty input"))
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := nameAddr()([]byte(v), 0, ns); err != nil {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, err))
	}
	n := ns.Best()
	if nl, il := n.Len(), len(v); nl < il {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, "node length %d < input length %d", nl, il))
	}

	un, ok := n.GetNode("uri")
	if !ok {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, "no URI"))
	}
	addr := Addr{URI: un.String()}
	if dn, ok := n.GetNode("display-name"); ok {
		addr.DisplayName = unquote(strings.TrimSpace(dn.String()))
	}
	return addr, nil
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' {
		return s
	}
	qs, err := strconv.Unquote(s)
	if err != nil {
		return s[1 : len(s)-1]
	}
	return qs
}

// ParseAddr returns the URI of an address header value.
// Bare URIs are returned as is, name-addr values are stripped of the display name and brackets.
func ParseAddr(v string) string {
	v = strings.TrimSpace(v)
	if !strings.ContainsAny(v, `<"`) {
		return v
	}
	addr, err := ParseNameAddr(v)
	if err != nil {
		return v
	}
	return addr.URI
}
