package chat

import (
	"context"
	"log/slog"
)

// OutgoingRequest is a MESSAGE request handed to the [Transport].
type OutgoingRequest struct {
	From        string
	To          string
	ContentType string
	Body        []byte
	Headers     Headers
}

func (r *OutgoingRequest) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("from", r.From),
		slog.String("to", r.To),
		slog.String("content_type", r.ContentType),
		slog.Int("body_len", len(r.Body)),
	)
}

// IncomingRequest is a MESSAGE request received by the transport layer.
type IncomingRequest struct {
	// CallID is the transport identifier of the request.
	CallID      string
	From        string
	To          string
	ContentType string
	Body        []byte
	Headers     Headers
}

func (r *IncomingRequest) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", r.CallID),
		slog.String("from", r.From),
		slog.String("to", r.To),
		slog.String("content_type", r.ContentType),
		slog.Int("body_len", len(r.Body)),
	)
}

// Transport sends MESSAGE requests.
//
// SendRequest must not block waiting for the final response: it returns the transport identifier
// (Call-ID) of the sent request and reports responses later through [Core.OnResponse].
// A returned error means the request could not be sent at all.
type Transport interface {
	SendRequest(ctx context.Context, req *OutgoingRequest) (transportID string, err error)
}

// TransportFunc is an adapter to use ordinary functions as [Transport].
type TransportFunc func(ctx context.Context, req *OutgoingRequest) (string, error)

func (f TransportFunc) SendRequest(ctx context.Context, req *OutgoingRequest) (string, error) {
	return f(ctx, req) //errtrace:skip
}
