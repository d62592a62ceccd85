package chat

import (
	"log/slog"
	"maps"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipchat/cpim"
	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
	"github.com/ghettovoice/sipchat/internal/timeutil"
)

// Send sends an outgoing message. It is valid for new messages and for messages that failed
// with NotDelivered or FileTransferError.
// Messages with files are uploaded to the file transfer server first.
func (m *ChatMessage) Send() error {
	c := m.core
	if c.stopped.Load() {
		return errtrace.Wrap(ErrCoreStopped)
	}
	if m.dir != Outgoing {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidState, "incoming message cannot be sent"))
	}

	c.lock()
	defer c.unlock()

	room := m.ChatRoom()
	if room == nil {
		return errtrace.Wrap(ErrRoomDeleted)
	}
	switch st := m.State(); st {
	case MessageStateIdle, MessageStateNotDelivered, MessageStateFileTransferError:
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidState, "cannot send in state %s", st))
	}
	if len(m.Contents()) == 0 {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("message has no contents"))
	}
	needsUpload := m.needsUpload()
	if needsUpload && (c.ftClient == nil || c.fileTransferOpts().ServerURL == "") {
		return errtrace.Wrap(ErrNoFileTransferServer)
	}

	m.ftFailures = 0
	m.setFailure(FailureNone)
	if !m.inHistory && !m.IsReaction() {
		room.appendMessage(m)
	}
	if m.IsReaction() {
		if target := room.FindMessage(m.ReactionTo()); target != nil {
			target.setReaction(m.From(), m.Text())
			c.persist(target)
		}
	}

	c.log.LogAttrs(c.ctx, slog.LevelDebug, "send message", slog.Any("message", m))

	if needsUpload {
		m.fire(msgEvtUpload)
		m.startUpload()
		return nil
	}
	m.fire(msgEvtSend)
	m.process()
	return nil
}

// process runs the message through the encryption pipeline and hands it to the transport.
// The message must be InProgress.
func (m *ChatMessage) process() {
	if m.State() != MessageStateInProgress || m.pendingOut != nil {
		return
	}

	wire, err := m.wireContents()
	if err != nil {
		m.log.LogAttrs(m.core.ctx, slog.LevelWarn, "failed to build message contents",
			slog.Any("message", m),
			slog.Any("error", err),
		)
		m.setFailure(FailureUnsupportedContentType)
		m.fire(msgEvtFail)
		return
	}
	m.wire = wire

	c := m.core
	if c.engine == nil {
		m.applyOutgoing(NotApplicable())
		return
	}

	var res *Resumption
	res = newResumption(func(r EncryptionResult) {
		c.post(func() {
			if m.pendingOut != res {
				return
			}
			m.pendingOut = nil
			if m.ChatRoom() == nil || m.State() != MessageStateInProgress {
				return
			}
			m.applyOutgoing(r)
		})
	})
	result := c.engine.ProcessOutgoing(c.ctx, m, wire, res)
	if result.Kind == ResultDeferred {
		m.pendingOut = res
		m.log.LogAttrs(c.ctx, slog.LevelDebug, "outgoing encryption deferred", slog.Any("message", m))
		return
	}
	m.applyOutgoing(result)
}

// wireContents replaces uploaded files with file transfer documents.
func (m *ChatMessage) wireContents() ([]*Content, error) {
	cs := m.Contents()
	out := make([]*Content, 0, len(cs))
	for _, c := range cs {
		if !c.IsFileTransfer() {
			out = append(out, c)
			continue
		}
		doc := &fthttp.Document{File: c.fileInfo()}
		body, err := doc.Marshal()
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		out = append(out, NewContent(fthttp.ContentType, body))
	}
	return out, nil
}

func (m *ChatMessage) applyOutgoing(result EncryptionResult) {
	c := m.core
	contents := m.wire
	switch result.Kind {
	case ResultError:
		m.log.LogAttrs(c.ctx, slog.LevelWarn, "outgoing encryption failed",
			slog.Any("message", m),
			slog.Any("error", result.Err),
		)
		m.setFailure(FailureEncryptionEngine)
		m.fire(msgEvtFail)
		return
	case ResultApplicable:
		contents = result.Contents
	}

	ct, body, err := buildPayload(contents)
	if err != nil {
		m.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to build message payload",
			slog.Any("message", m),
			slog.Any("error", err),
		)
		m.setFailure(FailureUnsupportedContentType)
		m.fire(msgEvtFail)
		return
	}
	if result.Kind == ResultApplicable && result.ContentType != "" && len(contents) == 1 {
		ct = result.ContentType
	}
	m.transmit(ct, body)
}

func newMessageID() string { return uuid.NewString() }

func buildPayload(contents []*Content) (string, []byte, error) {
	switch len(contents) {
	case 0:
		return "", nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("no contents"))
	case 1:
		return contents[0].ContentType(), contents[0].Body(), nil
	}
	parts := make([]mimeutil.Part, len(contents))
	for i, c := range contents {
		parts[i] = mimeutil.Part{ContentType: c.ContentType(), Body: c.Body()}
	}
	ct, body, err := mimeutil.EncodeMultipart(parts)
	return ct, body, errtrace.Wrap(err)
}

func (m *ChatMessage) transmit(ct string, body []byte) {
	c := m.core
	room := m.ChatRoom()
	if room == nil {
		return
	}
	if !c.reachable {
		m.log.LogAttrs(c.ctx, slog.LevelDebug, "network unreachable, message queued", slog.Any("message", m))
		m.fire(msgEvtQueue)
		return
	}

	if room.cpim {
		if m.ID() == "" || (m.attempts > 0 && !c.opts.ResendKeepsMessageID) {
			m.setID(newMessageID())
		}
		ct, body = m.wrapCPIM(room, ct, body)
	}

	req := &OutgoingRequest{
		From:        room.key.Local,
		To:          room.key.Peer,
		ContentType: ct,
		Body:        body,
		Headers:     m.Headers(),
	}
	m.attempts++
	tid, err := c.transport.SendRequest(c.ctx, req)
	if err != nil {
		m.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to send message",
			slog.Any("message", m),
			slog.Any("error", err),
		)
		m.setFailure(FailureTransientNetwork)
		m.fire(msgEvtFail)
		return
	}

	for _, old := range m.TransportIDs() {
		c.untrackRequest(old)
	}
	m.addTransportID(tid)
	if !room.cpim {
		m.setID(tid)
	}
	c.trackRequest(tid, m)
	c.indexOutgoing(m)
	c.stats.messageSent()
	m.log.LogAttrs(c.ctx, slog.LevelDebug, "message handed to transport",
		slog.Any("message", m),
		slog.String("transport_id", tid),
		slog.Any("request", req),
	)
}

func (m *ChatMessage) wrapCPIM(room *ChatRoom, ct string, body []byte) (string, []byte) {
	env := cpim.New(room.key.Local, room.key.Peer, ct, body)
	env.SetDateTime(m.Time())
	env.DeclareNS(cpim.NSImdn)
	env.Headers.Add(cpim.HeaderImdnMessageID, m.ID())
	if v := imdn.DispositionHeader(room.policy.RecvDelivery, room.policy.RecvDisplay); v != "" {
		env.Headers.Add(cpim.HeaderImdnDispositionNotfication, v)
	}

	m.mu.RLock()
	fwd, replyID, replySender, reactTo := m.forwardInfo, m.replyToID, m.replyToSender, m.reactionTo
	m.mu.RUnlock()
	if fwd != "" || replyID != "" || reactTo != "" {
		env.DeclareNS(cpim.NSChat)
	}
	if fwd != "" {
		env.Headers.Add(cpim.HeaderForwardInfo, fwd)
	}
	if replyID != "" {
		env.Headers.Add(cpim.HeaderReplyToID, replyID)
		env.Headers.Add(cpim.HeaderReplyToSender, replySender)
	}
	if reactTo != "" {
		env.Headers.Add(cpim.HeaderReactionToID, reactTo)
	}
	return cpim.ContentType, env.Bytes()
}

// pendingRequest is a sent request waiting for its final response.
type pendingRequest struct {
	msg   *ChatMessage // nil for notification requests
	timer *timeutil.Timer
}

// trackRequest remembers the request until its final response arrives
// or the transaction timeout elapses.
func (c *Core) trackRequest(tid string, msg *ChatMessage) {
	c.untrackRequest(tid)

	req := &pendingRequest{msg: msg}
	req.timer = c.sched.Schedule(c.now().Add(c.opts.transactionTimeout()), func() {
		if c.requests[tid] != req {
			return
		}
		delete(c.requests, tid)
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "request timed out without final response",
			slog.String("transport_id", tid),
			slog.Any("message", msg),
		)
	})
	c.requests[tid] = req
}

func (c *Core) untrackRequest(tid string) {
	req, ok := c.requests[tid]
	if !ok {
		return
	}
	delete(c.requests, tid)
	c.sched.Stop(req.timer)
}

func (c *Core) indexOutgoing(m *ChatMessage) {
	if id := m.ID(); id != "" {
		c.outByID[id] = m
	}
}

// unindexOutgoing forgets the message once it can no longer change on responses or notifications.
func (c *Core) unindexOutgoing(m *ChatMessage) {
	maps.DeleteFunc(c.outByID, func(_ string, v *ChatMessage) bool { return v == m })
	for _, tid := range m.TransportIDs() {
		if req, ok := c.requests[tid]; ok && req.msg == m {
			c.untrackRequest(tid)
		}
	}
}

// forgetRoom drops the pending requests and indexed messages of a deleted room.
func (c *Core) forgetRoom(key RoomKey) {
	maps.DeleteFunc(c.outByID, func(_ string, m *ChatMessage) bool { return m.key == key })
	for tid, req := range c.requests {
		if req.msg != nil && req.msg.key == key {
			c.untrackRequest(tid)
		}
	}
}

// OnResponse reports the final or provisional response status of a sent request.
// It is safe to call from any goroutine.
func (c *Core) OnResponse(transportID string, status int) {
	c.post(func() { c.handleResponse(transportID, status) })
}

func (c *Core) handleResponse(tid string, status int) {
	req, ok := c.requests[tid]
	if !ok {
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "response to unknown request",
			slog.String("transport_id", tid),
			slog.Int("status", status),
		)
		return
	}
	if status >= 200 {
		c.untrackRequest(tid)
	}
	m := req.msg
	if m == nil {
		return
	}
	if m.ChatRoom() == nil {
		// orphan
		return
	}
	if m.TransportID() != tid {
		return
	}

	switch {
	case status < 200:
		m.fire(msgEvtRecv1xx)
	case status < 300:
		m.fire(msgEvtRecv2xx)
	default:
		m.setFailure(failureFromStatus(status))
		m.fire(msgEvtFail)
	}
}

// resendAll resends queued and transiently failed messages and retries failed transfers
// in room creation and history order. Messages are resent only when reach is true.
func (c *Core) resendAll(reach bool) {
	for _, room := range c.roomOrder {
		for _, m := range room.allMessages() {
			if m.resendGen == c.reachGen {
				continue
			}
			if m.dir == Incoming {
				if m.State() == MessageStateFileTransferError && m.canRetryTransfer() {
					m.resendGen = c.reachGen
					m.retryDownload()
				}
				continue
			}

			switch st := m.State(); {
			case st == MessageStateFileTransferError && m.canRetryTransfer(),
				st == MessageStateFileTransferInProgress && m.resumable:
				m.resendGen = c.reachGen
				m.retryUpload()
			case !reach:
			case st == MessageStatePendingDelivery,
				st == MessageStateInProgress && m.resumable,
				st == MessageStateNotDelivered && m.FailureReason().Retryable():
				m.resendGen = c.reachGen
				m.resend()
			}
		}
	}
}

func (m *ChatMessage) canRetryTransfer() bool {
	return m.ftFailures == 1 && m.FailureReason().Retryable() && !m.uploading && m.downloads == 0
}

func (m *ChatMessage) resend() {
	c := m.core
	m.resumable = false
	if m.needsUpload() {
		m.retryUpload()
		return
	}
	c.stats.messageResent()
	m.log.LogAttrs(c.ctx, slog.LevelDebug, "resend message", slog.Any("message", m))
	m.setFailure(FailureNone)
	m.fire(msgEvtResend)
	m.process()
}

// resume continues the pipeline of a message restored from the store.
func (m *ChatMessage) resume() {
	if !m.resumable || m.ChatRoom() == nil || !m.core.reachable {
		return
	}
	switch m.State() {
	case MessageStateFileTransferInProgress:
		m.retryUpload()
	case MessageStateInProgress, MessageStatePendingDelivery:
		m.resend()
	}
}
