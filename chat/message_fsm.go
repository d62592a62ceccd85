package chat

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"
)

const (
	msgEvtSend          = "send"
	msgEvtResend        = "resend"
	msgEvtQueue         = "queue"
	msgEvtRecv1xx       = "recv_1xx"
	msgEvtRecv2xx       = "recv_2xx"
	msgEvtFail          = "fail"
	msgEvtUpload        = "upload"
	msgEvtUploadDone    = "upload_done"
	msgEvtProceed       = "proceed"
	msgEvtFileErr       = "file_error"
	msgEvtCancel        = "cancel"
	msgEvtCancelled     = "cancelled"
	msgEvtImdnDelivered = "imdn_delivered"
	msgEvtImdnDisplayed = "imdn_displayed"
	msgEvtImdnFailed    = "imdn_failed"
	msgEvtReceived      = "received"
	msgEvtDownload      = "download"
	msgEvtDownloadDone  = "download_done"
	msgEvtRead          = "read"
)

func (m *ChatMessage) initFSM(start MessageState) {
	m.state.Store(int32(start))
	m.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return m.State(), nil
		},
		func(_ context.Context, s stateless.State) error {
			m.state.Store(int32(s.(MessageState))) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)
	m.fsm.OnUnhandledTrigger(m.onUnhandledTrigger)
	m.fsm.OnTransitioned(m.onTransitioned)

	if m.dir == Outgoing {
		m.configureOutgoing()
	} else {
		m.configureIncoming()
	}
}

func (m *ChatMessage) configureOutgoing() {
	m.fsm.Configure(MessageStateIdle).
		Permit(msgEvtSend, MessageStateInProgress).
		Permit(msgEvtUpload, MessageStateFileTransferInProgress)

	m.fsm.Configure(MessageStateFileTransferInProgress).
		OnEntry(m.actFreeze).
		PermitReentry(msgEvtUpload).
		Permit(msgEvtUploadDone, MessageStateFileTransferDone).
		Permit(msgEvtFileErr, MessageStateFileTransferError).
		Permit(msgEvtCancel, MessageStateFileTransferCancelling)

	m.fsm.Configure(MessageStateFileTransferDone).
		Permit(msgEvtProceed, MessageStateInProgress)

	m.fsm.Configure(MessageStateFileTransferCancelling).
		Permit(msgEvtCancelled, MessageStateNotDelivered)

	m.fsm.Configure(MessageStateFileTransferError).
		OnEntry(m.actFailed).
		Permit(msgEvtSend, MessageStateInProgress).
		Permit(msgEvtUpload, MessageStateFileTransferInProgress)

	m.fsm.Configure(MessageStateInProgress).
		OnEntry(m.actFreeze).
		PermitReentry(msgEvtResend).
		Permit(msgEvtQueue, MessageStatePendingDelivery).
		Permit(msgEvtRecv1xx, MessageStatePendingDelivery).
		Permit(msgEvtRecv2xx, MessageStateDelivered).
		Permit(msgEvtFail, MessageStateNotDelivered)

	m.fsm.Configure(MessageStatePendingDelivery).
		PermitReentry(msgEvtRecv1xx).
		PermitReentry(msgEvtQueue).
		Permit(msgEvtResend, MessageStateInProgress).
		Permit(msgEvtRecv2xx, MessageStateDelivered).
		Permit(msgEvtFail, MessageStateNotDelivered)

	m.fsm.Configure(MessageStateDelivered).
		OnEntryFrom(msgEvtRecv2xx, m.actSent).
		Permit(msgEvtImdnDelivered, MessageStateDeliveredToUser).
		Permit(msgEvtImdnDisplayed, MessageStateDisplayed).
		Permit(msgEvtImdnFailed, MessageStateNotDelivered).
		Ignore(msgEvtRecv1xx).
		Ignore(msgEvtRecv2xx).
		Ignore(msgEvtFail)

	m.fsm.Configure(MessageStateDeliveredToUser).
		Permit(msgEvtImdnDisplayed, MessageStateDisplayed).
		Ignore(msgEvtImdnDelivered).
		Ignore(msgEvtImdnFailed).
		Ignore(msgEvtRecv2xx)

	m.fsm.Configure(MessageStateDisplayed).
		Ignore(msgEvtImdnDelivered).
		Ignore(msgEvtImdnDisplayed).
		Ignore(msgEvtImdnFailed)

	m.fsm.Configure(MessageStateNotDelivered).
		OnEntry(m.actFailed).
		Permit(msgEvtSend, MessageStateInProgress).
		Permit(msgEvtResend, MessageStateInProgress).
		Permit(msgEvtUpload, MessageStateFileTransferInProgress).
		Ignore(msgEvtFail).
		Ignore(msgEvtRecv2xx)
}

func (m *ChatMessage) configureIncoming() {
	m.fsm.Configure(MessageStateIdle).
		Permit(msgEvtReceived, MessageStateDelivered)

	m.fsm.Configure(MessageStateDelivered).
		Permit(msgEvtDownload, MessageStateFileTransferInProgress).
		Permit(msgEvtRead, MessageStateDisplayed)

	m.fsm.Configure(MessageStateFileTransferInProgress).
		InternalTransition(msgEvtDownload, m.actNoop).
		Permit(msgEvtDownloadDone, MessageStateFileTransferDone).
		Permit(msgEvtFileErr, MessageStateFileTransferError).
		Permit(msgEvtCancel, MessageStateFileTransferCancelling)

	m.fsm.Configure(MessageStateFileTransferCancelling).
		Permit(msgEvtCancelled, MessageStateFileTransferError).
		Permit(msgEvtDownloadDone, MessageStateFileTransferDone)

	m.fsm.Configure(MessageStateFileTransferDone).
		Permit(msgEvtRead, MessageStateDisplayed).
		Permit(msgEvtDownload, MessageStateFileTransferInProgress)

	m.fsm.Configure(MessageStateFileTransferError).
		OnEntry(m.actFailed).
		Permit(msgEvtRead, MessageStateDisplayed).
		Permit(msgEvtDownload, MessageStateFileTransferInProgress)

	m.fsm.Configure(MessageStateDisplayed).
		Permit(msgEvtDownload, MessageStateFileTransferInProgress).
		Ignore(msgEvtRead)
}

func (m *ChatMessage) fire(trigger string, args ...any) {
	ctx := m.core.ctx
	if err := m.fsm.FireCtx(ctx, trigger, args...); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to fire message trigger",
			slog.Any("message", m),
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

func (m *ChatMessage) onUnhandledTrigger(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
	m.log.LogAttrs(ctx, slog.LevelDebug, "message trigger ignored",
		slog.String("storage_key", m.storageKey),
		slog.Any("state", state),
		slog.Any("trigger", trigger),
	)
	return nil
}

func (m *ChatMessage) onTransitioned(ctx context.Context, tr stateless.Transition) {
	src, _ := tr.Source.(MessageState)
	dst, _ := tr.Destination.(MessageState)
	if src == dst {
		return
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "message state changed",
		slog.Any("message", m),
		slog.String("from_state", src.String()),
		slog.Any("trigger", tr.Trigger),
	)
	m.core.messageStateChanged(m, dst)
}

func (m *ChatMessage) actFreeze(context.Context, ...any) error {
	m.freezeContents()
	return nil
}

func (m *ChatMessage) actSent(ctx context.Context, _ ...any) error {
	if m.sentNotified {
		return nil
	}
	m.sentNotified = true
	m.core.stats.messageDelivered()
	m.log.LogAttrs(ctx, slog.LevelDebug, "message sent", slog.Any("message", m))
	m.core.notifySent(m)
	return nil
}

func (m *ChatMessage) actFailed(ctx context.Context, _ ...any) error {
	m.log.LogAttrs(ctx, slog.LevelDebug, "message failed",
		slog.Any("message", m),
		slog.String("reason", m.FailureReason().String()),
	)
	return nil
}

func (*ChatMessage) actNoop(context.Context, ...any) error { return nil }
