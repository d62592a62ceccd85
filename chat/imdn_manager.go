package chat

import (
	"log/slog"
	"slices"

	"github.com/ghettovoice/sipchat/cpim"
	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
	"github.com/ghettovoice/sipchat/internal/timeutil"
)

// imdnQueue is the per-room aggregation state of outgoing notifications. It is never persisted.
type imdnQueue struct {
	entries []*imdnEntry
	index   map[*ChatMessage]*imdnEntry
	timer   *timeutil.Timer
}

type imdnEntry struct {
	msg    *ChatMessage
	kind   imdn.Kind
	status imdn.Status
}

// scheduleImdn queues a notification about an incoming message.
// A display notification supersedes a pending delivery one, notifications already sent
// at or beyond the disposition are suppressed.
func (c *Core) scheduleImdn(room *ChatRoom, m *ChatMessage, kind imdn.Kind, status imdn.Status) {
	if m.ackKind >= kind {
		c.stats.ackSuppressed()
		return
	}

	q := &room.imdnq
	if e, ok := q.index[m]; ok {
		if kind <= e.kind {
			c.stats.ackSuppressed()
			return
		}
		e.kind, e.status = kind, status
	} else {
		e := &imdnEntry{msg: m, kind: kind, status: status}
		q.entries = append(q.entries, e)
		q.index[m] = e
	}

	if c.opts.AggregationDelay <= 0 {
		c.markImdnDirty(room)
		return
	}
	if q.timer == nil {
		q.timer = c.sched.Schedule(c.now().Add(c.opts.AggregationDelay), func() {
			room.imdnq.timer = nil
			c.flushImdn(room)
		})
	}
}

func (c *Core) markImdnDirty(room *ChatRoom) {
	if !slices.Contains(c.imdnDirty, room) {
		c.imdnDirty = append(c.imdnDirty, room)
	}
}

// imdnTargets returns the addresses of notification requests: every participant individually
// when there are at most threshold of them, the room address otherwise.
func (c *Core) imdnTargets(room *ChatRoom) []string {
	if n := len(room.participants); n > 0 && n <= c.opts.imdnThreshold() {
		return slices.Clone(room.participants)
	}
	return []string{room.key.Peer}
}

// flushImdn sends all pending notifications of the room as a single batch.
func (c *Core) flushImdn(room *ChatRoom) {
	q := &room.imdnq
	if len(q.entries) == 0 || room.isDeleted() {
		return
	}
	if !c.reachable {
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "network unreachable, notifications kept",
			slog.Any("room", room),
			slog.Int("pending", len(q.entries)),
		)
		return
	}
	if q.timer != nil {
		c.sched.Stop(q.timer)
		q.timer = nil
	}

	now := c.now()
	entries := q.entries
	parts := make([]mimeutil.Part, 0, len(entries))
	for _, e := range entries {
		body, err := imdn.Marshal(&imdn.Notification{
			MessageID:            e.msg.ID(),
			DateTime:             now,
			RecipientURI:         room.key.Local,
			OriginalRecipientURI: e.msg.To(),
			Kind:                 e.kind,
			Status:               e.status,
		})
		if err != nil {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to encode notification",
				slog.Any("message", e.msg),
				slog.Any("error", err),
			)
			continue
		}
		parts = append(parts, mimeutil.Part{ContentType: imdn.ContentType, Body: body})
	}
	if len(parts) == 0 {
		q.entries = nil
		clear(q.index)
		return
	}

	ct, body := parts[0].ContentType, parts[0].Body
	if len(parts) > 1 {
		var err error
		if ct, body, err = mimeutil.EncodeMultipart(parts); err != nil {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to encode notification batch",
				slog.Any("room", room),
				slog.Any("error", err),
			)
			return
		}
	}

	targets := c.imdnTargets(room)
	sent := 0
	for _, to := range targets {
		req := &OutgoingRequest{From: room.key.Local, To: to, ContentType: ct, Body: body}
		if room.cpim {
			env := cpim.New(room.key.Local, to, ct, body)
			env.SetDateTime(now)
			env.DeclareNS(cpim.NSImdn)
			env.Headers.Add(cpim.HeaderImdnMessageID, newMessageID())
			env.ContentHeaders.Add(cpim.HeaderContentDisposit, "notification")
			req.ContentType, req.Body = cpim.ContentType, env.Bytes()
		}
		tid, err := c.transport.SendRequest(c.ctx, req)
		if err != nil {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to send notification batch",
				slog.Any("room", room),
				slog.String("to", to),
				slog.Any("error", err),
			)
			continue
		}
		c.trackRequest(tid, nil)
		sent++
	}
	if sent == 0 {
		return
	}

	q.entries = nil
	clear(q.index)
	for _, e := range entries {
		if e.kind > e.msg.ackKind {
			e.msg.ackKind = e.kind
		}
		c.persist(e.msg)
	}
	c.stats.imdnBatchSent(len(parts), sent)
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "notification batch sent",
		slog.Any("room", room),
		slog.Int("notifications", len(parts)),
		slog.Int("requests", sent),
	)
}

// handleImdn applies received notifications to outgoing messages.
// Notifications are accepted only from the peer or a participant of the message room.
func (c *Core) handleImdn(from, to string, bodies [][]byte) {
	for _, b := range bodies {
		n, err := imdn.Unmarshal(b)
		if err != nil {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to decode notification",
				slog.String("from", from),
				slog.Any("error", err),
			)
			continue
		}
		c.stats.imdnReceived()

		m, ok := c.outByID[n.MessageID]
		if !ok {
			c.log.LogAttrs(c.ctx, slog.LevelDebug, "notification for unknown message", slog.Any("notification", n))
			continue
		}
		room := m.ChatRoom()
		if room == nil {
			continue
		}
		if !room.acceptsImdnFrom(from, to) {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "notification from foreign sender dropped",
				slog.Any("message", m),
				slog.String("from", from),
				slog.String("to", to),
			)
			continue
		}

		c.log.LogAttrs(c.ctx, slog.LevelDebug, "notification received",
			slog.Any("message", m),
			slog.Any("notification", n),
		)
		switch n.Kind {
		case imdn.KindDelivery:
			if !room.policy.RecvDelivery {
				continue
			}
			if n.Status == imdn.StatusDelivered {
				m.fire(msgEvtImdnDelivered)
				continue
			}
		case imdn.KindDisplay:
			if !room.policy.RecvDisplay {
				continue
			}
			if n.Status == imdn.StatusDisplayed {
				m.fire(msgEvtImdnDisplayed)
				continue
			}
		}
		if m.State() == MessageStateDelivered {
			m.setFailure(FailureDeliveryRefused)
			m.fire(msgEvtImdnFailed)
		}
	}
}

func (room *ChatRoom) acceptsImdnFrom(from, to string) bool {
	if to != room.key.Local {
		return false
	}
	if from == room.key.Peer {
		return true
	}
	return slices.Contains(room.participants, from)
}
