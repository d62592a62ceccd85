package cpim_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/cpim"
)

func TestParse(t *testing.T) {
	t.Parallel()

	raw := "From: Alice <sip:alice@example.com>\n" +
		"To: <sip:bob@example.com>\n" +
		"DateTime: 2024-03-01T10:00:00Z\n" +
		"NS: imdn <urn:ietf:params:imdn>\n" +
		"imdn.Message-ID: 34jk324j\n" +
		"Subject: a long\n" +
		"  subject\n" +
		"\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"Content-Length: 5\n" +
		"\n" +
		"hello trailing"

	msg, err := cpim.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("cpim.Parse(raw) error = %v, want nil", err)
	}

	if got, want := msg.From(), "sip:alice@example.com"; got != want {
		t.Errorf("msg.From() = %q, want %q", got, want)
	}
	if got, want := msg.To(), "sip:bob@example.com"; got != want {
		t.Errorf("msg.To() = %q, want %q", got, want)
	}
	if got, _ := msg.Headers.Get("IMDN.message-id"); got != "34jk324j" {
		t.Errorf("msg.Headers.Get(imdn.Message-ID) = %q, want %q", got, "34jk324j")
	}
	if got, _ := msg.Headers.Get(cpim.HeaderSubject); got != "a long subject" {
		t.Errorf("folded Subject = %q, want %q", got, "a long subject")
	}
	if got, want := msg.ContentType(), "text/plain; charset=utf-8"; got != want {
		t.Errorf("msg.ContentType() = %q, want %q", got, want)
	}
	if got, want := string(msg.Body), "hello"; got != want {
		t.Errorf("msg.Body = %q, want %q", got, want)
	}
	dt, ok := msg.DateTime()
	if !ok || !dt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("msg.DateTime() = %v, %v", dt, ok)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	t.Parallel()

	msg := cpim.New("sip:alice@example.com", "sip:bob@example.com", "text/plain", []byte("Bli bli bli \n blu"))
	msg.DeclareNS(cpim.NSImdn)
	msg.DeclareNS(cpim.NSImdn)
	msg.Headers.Add(cpim.HeaderImdnMessageID, "abc")
	msg.SetDateTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	got, err := cpim.Parse(msg.Bytes())
	if err != nil {
		t.Fatalf("cpim.Parse(msg.Bytes()) error = %v, want nil", err)
	}
	if diff := cmp.Diff(got.Headers, msg.Headers); diff != "" {
		t.Errorf("headers mismatch (-got +want):\n%v", diff)
	}
	if diff := cmp.Diff(string(got.Body), string(msg.Body)); diff != "" {
		t.Errorf("body mismatch (-got +want):\n%v", diff)
	}
	if n := len(slices.Collect(got.Headers.Values(cpim.HeaderNS))); n != 1 {
		t.Errorf("NS headers count = %d, want 1", n)
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":           "",
		"no content type": "From: <sip:a@b>\r\n\r\nX-Foo: bar\r\n\r\nbody",
		"truncated":       "From: <sip:a@b>\r\n",
		"bad header":      "From <sip:a@b>\r\n\r\nContent-Type: text/plain\r\n\r\n",
		"bad from":        "From: Alice <sip:a@b\r\n\r\nContent-Type: text/plain\r\n\r\n",
		"bad to":          "From: <sip:a@b>\r\nTo: \"Bob <sip:b@b>\r\n\r\nContent-Type: text/plain\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := cpim.Parse([]byte(raw)); !errors.Is(err, cpim.ErrInvalidMessage) {
				t.Errorf("cpim.Parse(%q) error = %v, want %v", raw, err, cpim.ErrInvalidMessage)
			}
		})
	}
}

func TestParseNameAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want cpim.Addr
	}{
		{"bare brackets", "<sip:bob@example.com>", cpim.Addr{URI: "sip:bob@example.com"}},
		{"token display name", "Alice <sip:alice@example.com>", cpim.Addr{DisplayName: "Alice", URI: "sip:alice@example.com"}},
		{"multi token display name", "Alice  Smith\t<sip:alice@example.com>", cpim.Addr{DisplayName: "Alice  Smith", URI: "sip:alice@example.com"}},
		{"quoted display name", `"Alice Smith" <sip:alice@example.com>`, cpim.Addr{DisplayName: "Alice Smith", URI: "sip:alice@example.com"}},
		{"brackets inside quotes", `"Alice <work>" <sip:alice@example.com>`, cpim.Addr{DisplayName: "Alice <work>", URI: "sip:alice@example.com"}},
		{"escaped quote", `"say \"hi\"" <sip:alice@example.com>`, cpim.Addr{DisplayName: `say "hi"`, URI: "sip:alice@example.com"}},
		{"empty quotes", `"" <sip:alice@example.com>`, cpim.Addr{URI: "sip:alice@example.com"}},
		{"trailing params", "<sip:alice@example.com>;tag=1", cpim.Addr{URI: "sip:alice@example.com"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := cpim.ParseNameAddr(c.in)
			if err != nil {
				t.Fatalf("cpim.ParseNameAddr(%q) error = %v, want nil", c.in, err)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("cpim.ParseNameAddr(%q) = %+v, want %+v\ndiff (-got +want):\n%v", c.in, got, c.want, diff)
			}
			if got, want := cpim.ParseAddr(c.in), c.want.URI; got != want {
				t.Errorf("cpim.ParseAddr(%q) = %q, want %q", c.in, got, want)
			}
		})
	}
}

func TestParseNameAddr_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"sip:alice@example.com",
		"Alice <sip:alice@example.com",
		`"Alice <sip:alice@example.com>`,
		"Alice <>",
		"Al;ice <sip:alice@example.com>",
	} {
		if _, err := cpim.ParseNameAddr(in); !errors.Is(err, cpim.ErrInvalidAddr) {
			t.Errorf("cpim.ParseNameAddr(%q) error = %v, want %v", in, err, cpim.ErrInvalidAddr)
		}
	}
}

func TestParseAddr_BareURI(t *testing.T) {
	t.Parallel()

	if got, want := cpim.ParseAddr("  sip:alice@example.com "), "sip:alice@example.com"; got != want {
		t.Errorf("cpim.ParseAddr() = %q, want %q", got, want)
	}
}

func TestMessage_FromQuotedDisplayName(t *testing.T) {
	t.Parallel()

	raw := "From: \"Alice <work>\" <sip:alice@example.com>\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hi"
	msg, err := cpim.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("cpim.Parse() error = %v, want nil", err)
	}
	if got, want := msg.From(), "sip:alice@example.com"; got != want {
		t.Errorf("msg.From() = %q, want %q", got, want)
	}
}
