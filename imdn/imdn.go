// Package imdn implements the Instant Message Disposition Notification document format (RFC 5438).
package imdn

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

const (
	// ContentType is the MIME type of an IMDN document.
	ContentType = "message/imdn+xml"
	// Namespace is the XML namespace of IMDN documents.
	Namespace = "urn:ietf:params:xml:ns:imdn"
)

// ErrInvalidNotification is returned when an IMDN document cannot be decoded.
const ErrInvalidNotification errorutil.Error = "invalid IMDN document"

// Kind is a disposition notification kind.
type Kind int

const (
	KindDelivery Kind = iota + 1
	KindDisplay
)

func (k Kind) String() string {
	switch k {
	case KindDelivery:
		return "delivery-notification"
	case KindDisplay:
		return "display-notification"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is a disposition status.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusDisplayed Status = "displayed"
	StatusFailed    Status = "failed"
	StatusForbidden Status = "forbidden"
	StatusError     Status = "error"
)

// IsPositive reports whether the status acknowledges the message.
func (s Status) IsPositive() bool { return s == StatusDelivered || s == StatusDisplayed }

func (s Status) validFor(k Kind) bool {
	switch s {
	case StatusForbidden, StatusError:
		return true
	case StatusDelivered, StatusFailed:
		return k == KindDelivery
	case StatusDisplayed:
		return k == KindDisplay
	default:
		return false
	}
}

// Notification is a single disposition notification.
type Notification struct {
	MessageID            string
	DateTime             time.Time
	RecipientURI         string
	OriginalRecipientURI string
	Kind                 Kind
	Status               Status
}

// Validate checks that the notification can be encoded.
func (n *Notification) Validate() error {
	if n == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil notification"))
	}
	if n.MessageID == "" {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("empty message-id"))
	}
	if n.Kind != KindDelivery && n.Kind != KindDisplay {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown kind %v", n.Kind))
	}
	if !n.Status.validFor(n.Kind) {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("status %q is not allowed in %v", n.Status, n.Kind))
	}
	return nil
}

func (n *Notification) LogValue() slog.Value {
	if n == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("message_id", n.MessageID),
		slog.String("kind", n.Kind.String()),
		slog.String("status", string(n.Status)),
	)
}

type xmlDoc struct {
	XMLName          xml.Name   `xml:"urn:ietf:params:xml:ns:imdn imdn"`
	MessageID        string     `xml:"message-id"`
	DateTime         string     `xml:"datetime"`
	RecipientURI     string     `xml:"recipient-uri,omitempty"`
	OrigRecipientURI string     `xml:"original-recipient-uri,omitempty"`
	DeliveryNotif    *xmlStatus `xml:"delivery-notification,omitempty"`
	DisplayNotif     *xmlStatus `xml:"display-notification,omitempty"`
	ProcessingNotif  *xmlStatus `xml:"processing-notification,omitempty"`
}

type xmlStatus struct {
	Status struct {
		Inner []xmlEmpty `xml:",any"`
	} `xml:"status"`
}

type xmlEmpty struct {
	XMLName xml.Name
}

func newXMLStatus(s Status) *xmlStatus {
	st := new(xmlStatus)
	st.Status.Inner = []xmlEmpty{{XMLName: xml.Name{Local: string(s)}}}
	return st
}

func (st *xmlStatus) value() Status {
	if st == nil || len(st.Status.Inner) == 0 {
		return ""
	}
	return Status(st.Status.Inner[0].XMLName.Local)
}

// Marshal encodes the notification into an IMDN XML document.
func Marshal(n *Notification) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	doc := xmlDoc{
		MessageID:        n.MessageID,
		DateTime:         n.DateTime.Format(time.RFC3339),
		RecipientURI:     n.RecipientURI,
		OrigRecipientURI: n.OriginalRecipientURI,
	}
	switch n.Kind {
	case KindDelivery:
		doc.DeliveryNotif = newXMLStatus(n.Status)
	case KindDisplay:
		doc.DisplayNotif = newXMLStatus(n.Status)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an IMDN XML document.
func Unmarshal(data []byte) (*Notification, error) {
	var doc xmlDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidNotification, err))
	}

	n := &Notification{
		MessageID:            strings.TrimSpace(doc.MessageID),
		RecipientURI:         strings.TrimSpace(doc.RecipientURI),
		OriginalRecipientURI: strings.TrimSpace(doc.OrigRecipientURI),
	}
	if doc.DateTime != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(doc.DateTime))
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidNotification, err))
		}
		n.DateTime = t
	}
	switch {
	case doc.DeliveryNotif != nil:
		n.Kind, n.Status = KindDelivery, doc.DeliveryNotif.value()
	case doc.DisplayNotif != nil:
		n.Kind, n.Status = KindDisplay, doc.DisplayNotif.value()
	case doc.ProcessingNotif != nil:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidNotification, "processing notifications are not supported"))
	}
	if err := n.Validate(); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidNotification, err))
	}
	return n, nil
}

// DispositionHeader renders the imdn.Disposition-Notification header value
// requesting the given notification kinds.
func DispositionHeader(delivery, display bool) string {
	var parts []string
	if delivery {
		parts = append(parts, "positive-delivery", "negative-delivery")
	}
	if display {
		parts = append(parts, "display")
	}
	return strings.Join(parts, ", ")
}

// ParseDispositionHeader reports which notification kinds are requested by the header value.
func ParseDispositionHeader(v string) (delivery, display bool) {
	for p := range strings.SplitSeq(v, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "positive-delivery", "negative-delivery":
			delivery = true
		case "display":
			display = true
		}
	}
	return delivery, display
}
