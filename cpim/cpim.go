// Package cpim implements the Common Presence and Instant Messaging message format (RFC 3862)
// used to carry sender identity, IMDN metadata and message linkage in chat messages.
package cpim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// ContentType is the MIME type of a CPIM envelope.
const ContentType = "message/cpim"

// Well-known message header names.
const (
	HeaderFrom     = "From"
	HeaderTo       = "To"
	HeaderDateTime = "DateTime"
	HeaderSubject  = "Subject"
	HeaderNS       = "NS"

	HeaderImdnMessageID              = "imdn.Message-ID"
	HeaderImdnDispositionNotfication = "imdn.Disposition-Notification"

	HeaderForwardInfo     = "chat.Forward-Info"
	HeaderReplyToID       = "chat.Reply-To-Message-ID"
	HeaderReplyToSender   = "chat.Reply-To-Sender"
	HeaderReactionToID    = "chat.Reaction-To"
	HeaderContentType     = "Content-Type"
	HeaderContentLength   = "Content-Length"
	HeaderContentID       = "Content-ID"
	HeaderContentDisposit = "Content-Disposition"
)

// Namespaces declared by envelopes produced by this package.
const (
	NSImdn = "imdn <urn:ietf:params:imdn>"
	NSChat = "chat <urn:sipchat:params:cpim-headers>"
)

// ErrInvalidMessage is returned when an envelope cannot be parsed.
const ErrInvalidMessage errorutil.Error = "invalid CPIM message"

// Header is a single CPIM header field.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header fields.
// Names are matched case-insensitively, duplicates are allowed.
type Headers []Header

// Get returns the value of the first header with the given name.
func (hs Headers) Get(name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values yields values of all headers with the given name.
func (hs Headers) Values(name string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, h := range hs {
			if strings.EqualFold(h.Name, name) && !yield(h.Value) {
				return
			}
		}
	}
}

// Add appends a header.
func (hs *Headers) Add(name, value string) { *hs = append(*hs, Header{name, value}) }

// Set replaces all headers with the given name by a single header.
func (hs *Headers) Set(name, value string) {
	hs.Del(name)
	hs.Add(name, value)
}

// Del removes all headers with the given name.
func (hs *Headers) Del(name string) {
	out := (*hs)[:0]
	for _, h := range *hs {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	*hs = out
}

// Message is a parsed CPIM envelope.
type Message struct {
	// Headers are the message headers (From, To, DateTime, NS, imdn.*, ...).
	Headers Headers
	// ContentHeaders are the MIME headers of the encapsulated content.
	ContentHeaders Headers
	// Body is the encapsulated content.
	Body []byte
}

// New creates an envelope around a body of the given content type.
func New(from, to, contentType string, body []byte) *Message {
	msg := &Message{Body: body}
	if from != "" {
		msg.Headers.Add(HeaderFrom, formatAddr(from))
	}
	if to != "" {
		msg.Headers.Add(HeaderTo, formatAddr(to))
	}
	msg.ContentHeaders.Add(HeaderContentType, contentType)
	return msg
}

func formatAddr(addr string) string {
	if strings.ContainsAny(addr, "<>") {
		return addr
	}
	return "<" + addr + ">"
}

// From returns the sender address.
func (m *Message) From() string {
	v, _ := m.Headers.Get(HeaderFrom)
	return ParseAddr(v)
}

// To returns the recipient address.
func (m *Message) To() string {
	v, _ := m.Headers.Get(HeaderTo)
	return ParseAddr(v)
}

// ContentType returns the encapsulated content type.
func (m *Message) ContentType() string {
	v, _ := m.ContentHeaders.Get(HeaderContentType)
	return v
}

// SetDateTime sets the DateTime header.
func (m *Message) SetDateTime(t time.Time) {
	m.Headers.Set(HeaderDateTime, t.Format(time.RFC3339))
}

// DateTime returns the parsed DateTime header.
func (m *Message) DateTime() (time.Time, bool) {
	v, ok := m.Headers.Get(HeaderDateTime)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DeclareNS adds a namespace declaration unless already present.
func (m *Message) DeclareNS(ns string) {
	for v := range m.Headers.Values(HeaderNS) {
		if v == ns {
			return
		}
	}
	m.Headers.Add(HeaderNS, ns)
}

// Render writes the envelope in wire format.
func (m *Message) Render(w io.Writer) error {
	var buf bytes.Buffer
	for _, h := range m.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	for _, h := range m.ContentHeaders {
		if strings.EqualFold(h.Name, HeaderContentLength) {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&buf, "%s: %d\r\n\r\n", HeaderContentLength, len(m.Body))
	buf.Write(m.Body)
	_, err := buf.WriteTo(w)
	return errtrace.Wrap(err)
}

// Bytes renders the envelope into a byte slice.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	_ = m.Render(&buf)
	return buf.Bytes()
}

// Parse parses a CPIM envelope.
// Both CRLF and bare LF line endings are accepted.
func Parse(data []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	hdrs, err := readHeaders(r)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	if len(hdrs) == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "no message headers"))
	}
	cntHdrs, err := readHeaders(r)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	for _, name := range []string{HeaderFrom, HeaderTo} {
		for v := range hdrs.Values(name) {
			if _, err := ParseNameAddr(v); err != nil {
				return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
			}
		}
	}
	if _, ok := cntHdrs.Get(HeaderContentType); !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "missing Content-Type"))
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	if v, ok := cntHdrs.Get(HeaderContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "bad Content-Length %q", v))
		}
		if n < len(body) {
			body = body[:n]
		}
	}
	return &Message{Headers: hdrs, ContentHeaders: cntHdrs, Body: body}, nil
}

func readHeaders(r *bufio.Reader) (Headers, error) {
	var hdrs Headers
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, errtrace.Wrap(io.ErrUnexpectedEOF)
			}
			return nil, errtrace.Wrap(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return hdrs, nil
		}
		// folded continuation line
		if (line[0] == ' ' || line[0] == '\t') && len(hdrs) > 0 {
			hdrs[len(hdrs)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errtrace.Wrap(fmt.Errorf("malformed header line %q", line))
		}
		hdrs.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		if err == io.EOF {
			return nil, errtrace.Wrap(io.ErrUnexpectedEOF)
		}
	}
}
