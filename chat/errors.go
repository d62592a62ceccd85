package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/internal/errorutil"
)

const (
	ErrInvalidState           errorutil.Error = "invalid message state"
	ErrContentFrozen          errorutil.Error = "content is frozen"
	ErrAlreadyResumed         errorutil.Error = "resumption already used"
	ErrRoomDeleted            errorutil.Error = "chat room deleted"
	ErrUnsupportedContentType errorutil.Error = "unsupported content type"
	ErrNoFileTransferServer   errorutil.Error = "file transfer server is not configured"
	ErrNotFileTransfer        errorutil.Error = "content is not a file transfer"
	ErrEncryption             errorutil.Error = "encryption engine failure"
	ErrCoreStopped            errorutil.Error = "core stopped"
)

// FailureReason classifies why a message ended in NotDelivered or FileTransferError.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureTransientNetwork
	FailureAuthenticationUp
	FailureAuthenticationDown
	FailureUnsupportedContentType
	FailureEncryptionEngine
	FailureUserCancelled
	FailureDeliveryRefused
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureTransientNetwork:
		return "transient network error"
	case FailureAuthenticationUp:
		return "authentication failure (up)"
	case FailureAuthenticationDown:
		return "authentication failure (down)"
	case FailureUnsupportedContentType:
		return "unsupported content type"
	case FailureEncryptionEngine:
		return "encryption engine error"
	case FailureUserCancelled:
		return "user cancelled"
	case FailureDeliveryRefused:
		return "delivery refused by recipient"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// Retryable reports whether the failure is retried automatically.
func (r FailureReason) Retryable() bool { return r == FailureTransientNetwork }

func failureFromStatus(code int) FailureReason {
	switch code {
	case 401, 403, 407:
		return FailureAuthenticationUp
	case 415, 488, 606:
		return FailureUnsupportedContentType
	default:
		return FailureTransientNetwork
	}
}

func failureFromTransferErr(err error, up bool) FailureReason {
	switch {
	case errors.Is(err, context.Canceled):
		return FailureUserCancelled
	case errors.Is(err, fthttp.ErrAuthFailed):
		if up {
			return FailureAuthenticationUp
		}
		return FailureAuthenticationDown
	default:
		return FailureTransientNetwork
	}
}
