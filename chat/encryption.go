package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// ResultKind is the kind of an [EncryptionResult].
type ResultKind int

const (
	// ResultNotApplicable means the engine left the contents untouched.
	ResultNotApplicable ResultKind = iota
	// ResultApplicable means the engine replaced the contents.
	ResultApplicable
	// ResultError means the engine failed to process the contents.
	ResultError
	// ResultDeferred means the engine will report the result later through a [Resumption].
	ResultDeferred
)

func (k ResultKind) String() string {
	switch k {
	case ResultNotApplicable:
		return "not_applicable"
	case ResultApplicable:
		return "applicable"
	case ResultError:
		return "error"
	case ResultDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// EncryptionResult is the outcome of an [EncryptionEngine] call.
type EncryptionResult struct {
	Kind ResultKind
	// ContentType overrides the wire content type of a single processed content.
	ContentType string
	// Contents are the processed contents of an applicable result.
	Contents []*Content
	// Err is the engine failure of an error result.
	Err error
}

// Applicable returns a result replacing the message contents.
func Applicable(contentType string, contents ...*Content) EncryptionResult {
	return EncryptionResult{Kind: ResultApplicable, ContentType: contentType, Contents: contents}
}

// NotApplicable returns a result leaving the message contents untouched.
func NotApplicable() EncryptionResult { return EncryptionResult{Kind: ResultNotApplicable} }

// EncryptionFailed returns an error result.
func EncryptionFailed(err error) EncryptionResult {
	if err == nil {
		err = ErrEncryption
	}
	return EncryptionResult{Kind: ResultError, Err: err}
}

// Deferred returns a result telling the pipeline that the engine resumes later.
func Deferred() EncryptionResult { return EncryptionResult{Kind: ResultDeferred} }

func (r EncryptionResult) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", r.Kind.String())}
	if r.ContentType != "" {
		attrs = append(attrs, slog.String("content_type", r.ContentType))
	}
	if r.Err != nil {
		attrs = append(attrs, slog.Any("error", r.Err))
	}
	return slog.GroupValue(attrs...)
}

// EncryptionEngine ciphers outgoing message contents and deciphers incoming ones.
//
// Engines are called from the core loop and must not block. An engine that needs to wait returns
// [Deferred] and later calls [Resumption.Resume] exactly once, from any goroutine.
// The pipeline never calls the engine again for the same message and direction while a
// deferral is outstanding.
type EncryptionEngine interface {
	ProcessOutgoing(ctx context.Context, msg *ChatMessage, contents []*Content, res *Resumption) EncryptionResult
	ProcessIncoming(ctx context.Context, msg *ChatMessage, contents []*Content, res *Resumption) EncryptionResult
}

// FileCipher is implemented by engines that also cipher transferred files.
// EncryptFile and DecryptFile run outside of the core loop.
type FileCipher interface {
	CiphersFiles(room *ChatRoom) bool
	EncryptFile(ctx context.Context, msg *ChatMessage, c *Content, data []byte) (ciphered, key []byte, err error)
	DecryptFile(ctx context.Context, msg *ChatMessage, c *Content, key, data []byte) ([]byte, error)
}

// Resumption is a single-use token that completes a deferred engine call.
type Resumption struct {
	used    atomic.Bool
	deliver func(EncryptionResult)
}

func newResumption(deliver func(EncryptionResult)) *Resumption {
	return &Resumption{deliver: deliver}
}

// Resume posts the final result of a deferred call to the core loop.
// Calls after the first one return [ErrAlreadyResumed].
func (r *Resumption) Resume(res EncryptionResult) error {
	if res.Kind == ResultDeferred {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("cannot resume with a deferred result"))
	}
	if !r.used.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrAlreadyResumed)
	}
	r.deliver(res)
	return nil
}

// Used reports whether the token was already consumed.
func (r *Resumption) Used() bool { return r.used.Load() }
