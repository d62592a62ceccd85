package chat

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/cpim"
	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

// OnIncomingRequest hands a received MESSAGE request to the engine.
// It is safe to call from any goroutine; the request is processed on the core loop.
func (c *Core) OnIncomingRequest(req *IncomingRequest) {
	if req == nil || c.stopped.Load() {
		return
	}
	c.post(func() { c.handleIncoming(req) })
}

func (c *Core) handleIncoming(req *IncomingRequest) {
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "incoming request", slog.Any("request", req))

	from, to := normalizeAddr(req.From), normalizeAddr(req.To)
	ct, body := req.ContentType, req.Body

	var env *cpim.Message
	if mimeutil.MediaType(ct) == cpim.ContentType {
		var err error
		if env, err = cpim.Parse(body); err != nil {
			c.notifyReceiveError(nil, nil, errtrace.Wrap(err))
			return
		}
		ct, body = env.ContentType(), env.Body
	}

	if bodies, ok := imdnBodies(ct, body); ok {
		c.handleImdn(from, to, bodies)
		return
	}

	key := RoomKey{Local: to, Peer: from}
	room, ok := c.rooms[key]
	if !ok {
		var err error
		if room, err = c.createRoom(c.ctx, key, &RoomOptions{CPIM: env != nil}); err != nil {
			c.notifyReceiveError(nil, nil, errtrace.Wrap(err))
			return
		}
	}
	room.receive(req, env, ct, body)
}

// imdnBodies returns notification documents carried by a single IMDN body or by a batch.
func imdnBodies(ct string, body []byte) ([][]byte, bool) {
	mt := mimeutil.MediaType(ct)
	if mt == imdn.ContentType {
		return [][]byte{body}, true
	}
	if !mimeutil.IsMultipart(mt) {
		return nil, false
	}
	parts, err := mimeutil.DecodeMultipart(ct, body)
	if err != nil || len(parts) == 0 {
		return nil, false
	}
	bodies := make([][]byte, len(parts))
	for i, p := range parts {
		if mimeutil.MediaType(p.ContentType) != imdn.ContentType {
			return nil, false
		}
		bodies[i] = p.Body
	}
	return bodies, true
}

func (room *ChatRoom) receive(req *IncomingRequest, env *cpim.Message, ct string, body []byte) {
	c := room.core

	sender := normalizeAddr(req.From)
	msgID := req.CallID
	if env != nil {
		if v := env.From(); v != "" {
			sender = v
		}
		if v, ok := env.Headers.Get(cpim.HeaderImdnMessageID); ok {
			msgID = v
		}
	}

	key := dedupKey{msgID: msgID, callID: req.CallID, from: sender}
	if room.isDuplicate(key) {
		room.incDups()
		c.stats.duplicateReceived()
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "duplicate message dropped",
			slog.Any("room", room),
			slog.String("message_id", msgID),
			slog.String("call_id", req.CallID),
		)
		return
	}

	room.inflight[key] = struct{}{}

	m := newChatMessage(room, Incoming)
	m.recvKey = key
	m.id = msgID
	m.from = sender
	m.tids = []string{req.CallID}
	m.headers = req.Headers.Clone()
	m.wantDelivery, m.wantDisplay = true, true
	if env != nil {
		if t, ok := env.DateTime(); ok {
			m.created = t
		}
		m.wantDelivery, m.wantDisplay = false, false
		if v, ok := env.Headers.Get(cpim.HeaderImdnDispositionNotfication); ok {
			m.wantDelivery, m.wantDisplay = imdn.ParseDispositionHeader(v)
		}
		m.forwardInfo, _ = env.Headers.Get(cpim.HeaderForwardInfo)
		if id, ok := env.Headers.Get(cpim.HeaderReplyToID); ok && room.FindMessage(id) != nil {
			m.replyToID = id
			m.replyToSender, _ = env.Headers.Get(cpim.HeaderReplyToSender)
		}
		m.reactionTo, _ = env.Headers.Get(cpim.HeaderReactionToID)
	}
	raw := []*Content{NewContent(ct, body)}

	if c.engine == nil {
		room.materialize(m, raw, NotApplicable())
		return
	}

	var res *Resumption
	res = newResumption(func(r EncryptionResult) {
		c.post(func() {
			if m.pendingIn != res {
				return
			}
			m.pendingIn = nil
			if room.isDeleted() {
				return
			}
			room.materialize(m, raw, r)
		})
	})
	result := c.engine.ProcessIncoming(c.ctx, m, raw, res)
	if result.Kind == ResultDeferred {
		m.pendingIn = res
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "incoming decryption deferred", slog.Any("message", m))
		return
	}
	room.materialize(m, raw, result)
}

// isDuplicate reports whether the message was already materialized within the dedup window
// or is still being processed.
func (room *ChatRoom) isDuplicate(k dedupKey) bool {
	now := room.core.now()
	maps.DeleteFunc(room.dedup, func(_ dedupKey, exp time.Time) bool { return !exp.After(now) })
	if _, ok := room.dedup[k]; ok {
		return true
	}
	_, ok := room.inflight[k]
	return ok
}

// commitDedup remembers a materialized message for the dedup window.
func (room *ChatRoom) commitDedup(k dedupKey) {
	c := room.core
	room.dedup[k] = c.now().Add(c.opts.dedupWindow())
}

// materialize turns processed contents into a message of the history.
// The message is remembered for deduplication only once it is in the history or applied as a reaction.
func (room *ChatRoom) materialize(m *ChatMessage, raw []*Content, result EncryptionResult) {
	c := room.core
	delete(room.inflight, m.recvKey)

	contents := raw
	switch result.Kind {
	case ResultError:
		m.setFailure(FailureEncryptionEngine)
		c.notifyReceiveError(room, m, errtrace.Wrap(errorutil.NewWrapperError(ErrEncryption, result.Err)))
		room.nackIncoming(m)
		return
	case ResultApplicable:
		contents = result.Contents
		if len(contents) == 1 && result.ContentType != "" {
			contents[0].ct = result.ContentType
		}
	}

	contents, err := room.expandContents(contents)
	if err != nil {
		m.setFailure(FailureUnsupportedContentType)
		c.notifyReceiveError(room, m, errtrace.Wrap(err))
		room.nackIncoming(m)
		return
	}
	m.setContents(contents)
	m.freezeContents()

	if to := m.ReactionTo(); to != "" {
		emoji := strings.TrimSpace(m.Text())
		if target := room.FindMessage(to); target != nil {
			target.setReaction(m.From(), emoji)
			c.persist(target)
			c.notifyReaction(target, m.From(), emoji)
		}
		room.commitDedup(m.recvKey)
		if m.wantDelivery && room.policy.SendDelivery {
			c.scheduleImdn(room, m, imdn.KindDelivery, imdn.StatusDelivered)
		}
		return
	}

	m.fire(msgEvtReceived)
	room.appendMessage(m)
	room.commitDedup(m.recvKey)
	unread := room.incUnread()
	c.stats.messageReceived()
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "message received", slog.Any("message", m))

	c.notifyUnread(room, unread)
	if !room.Muted() {
		c.notifyReceived(room, m)
	}
	if m.wantDelivery && room.policy.SendDelivery {
		c.scheduleImdn(room, m, imdn.KindDelivery, imdn.StatusDelivered)
	}
	m.autoDownload(room.autoDL)
}

// nackIncoming reports a processing failure to the sender when delivery notifications are requested.
func (room *ChatRoom) nackIncoming(m *ChatMessage) {
	if m.ID() == "" || !m.wantDelivery || !room.policy.SendDelivery {
		return
	}
	room.core.scheduleImdn(room, m, imdn.KindDelivery, imdn.StatusError)
}

// expandContents splits multipart bodies, drops unsupported types and converts file transfer
// documents into file contents.
func (room *ChatRoom) expandContents(in []*Content) ([]*Content, error) {
	var flat []*Content
	for _, ct := range in {
		if !mimeutil.IsMultipart(ct.ContentType()) {
			flat = append(flat, ct)
			continue
		}
		parts, err := mimeutil.DecodeMultipart(ct.ContentType(), ct.Body())
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedContentType, err))
		}
		for _, p := range parts {
			flat = append(flat, NewContent(p.ContentType, p.Body))
		}
	}

	reg := room.core.registry
	out := make([]*Content, 0, len(flat))
	for _, ct := range flat {
		if !reg.Supports(ct.ContentType()) {
			room.core.log.LogAttrs(room.core.ctx, slog.LevelDebug, "unsupported content dropped",
				slog.Any("room", room),
				slog.String("content_type", ct.ContentType()),
			)
			continue
		}
		if ct.MediaType() != fthttp.ContentType {
			out = append(out, ct)
			continue
		}
		doc, err := fthttp.ParseDocument(ct.Body())
		if err != nil || doc.File == nil {
			room.core.log.LogAttrs(room.core.ctx, slog.LevelWarn, "invalid file transfer document dropped",
				slog.Any("room", room),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, newRemoteFileContent(doc.File))
	}
	if len(out) == 0 {
		types := make([]string, len(flat))
		for i, ct := range flat {
			types[i] = ct.MediaType()
		}
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedContentType, strings.Join(slices.Compact(types), ", ")))
	}
	return out, nil
}
