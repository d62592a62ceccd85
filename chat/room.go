package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/cpim"
	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// RoomOptions are the options of a new [ChatRoom].
type RoomOptions struct {
	// Backend is the room backend.
	Backend Backend
	// CPIM enables CPIM envelopes. The FlexisipChat backend always uses CPIM.
	CPIM bool
	// Participants are the group participant addresses.
	Participants []string
	// ImNotifPolicy overrides the core notification policy.
	ImNotifPolicy *ImNotifPolicy
	// AutoDownload overrides the core auto-download policy.
	AutoDownload *AutoDownloadPolicy
}

// ChatRoom is a conversation between the local user and a peer or a group.
type ChatRoom struct {
	core         *Core
	key          RoomKey
	backend      Backend
	cpim         bool
	participants []string
	policy       ImNotifPolicy
	autoDL       *AutoDownloadPolicy
	created      time.Time
	deleted      atomic.Bool

	mu        sync.RWMutex
	messages  []*ChatMessage
	transient []*ChatMessage
	unread    int
	muted     bool
	dups      int

	// owned by the core loop
	dedup    map[dedupKey]time.Time
	inflight map[dedupKey]struct{}
	imdnq    imdnQueue
}

type dedupKey struct {
	msgID, callID, from string
}

func normalizeAddr(addr string) string { return cpim.ParseAddr(addr) }

func (c *Core) createRoom(ctx context.Context, key RoomKey, opts *RoomOptions) (*ChatRoom, error) {
	room := &ChatRoom{
		core:    c,
		key:     key,
		cpim:    c.opts.CPIM,
		policy:  c.opts.imNotifPolicy(),
		autoDL:  c.fileTransferOpts().AutoDownload,
		created:  c.now(),
		dedup:    make(map[dedupKey]time.Time),
		inflight: make(map[dedupKey]struct{}),
	}
	if opts != nil {
		room.backend = opts.Backend
		room.cpim = opts.CPIM || opts.Backend == BackendFlexisipChat
		for _, p := range opts.Participants {
			room.participants = append(room.participants, normalizeAddr(p))
		}
		if opts.ImNotifPolicy != nil {
			room.policy = *opts.ImNotifPolicy
		}
		if opts.AutoDownload != nil {
			room.autoDL = opts.AutoDownload
		}
	}
	room.imdnq.index = make(map[*ChatMessage]*imdnEntry)

	snaps, err := c.store.LoadHistory(ctx, key, c.opts.HistoryLimit)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for _, snap := range snaps {
		m, err := room.restoreMessage(snap)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "skip broken history entry",
				slog.Any("room", room),
				slog.Any("error", err),
			)
			continue
		}
		room.messages = append(room.messages, m)
		if m.dir == Incoming && !m.read && !m.IsReaction() {
			room.unread++
		}
		if m.dir == Outgoing {
			if m.awaitsNotifications(room, m.State()) {
				c.indexOutgoing(m)
			}
			room.updateTransient(m, m.State())
			if m.resumable {
				c.post(m.resume)
			}
		}
	}

	c.rooms[key] = room
	c.roomOrder = append(c.roomOrder, room)
	c.log.LogAttrs(ctx, slog.LevelDebug, "chat room created",
		slog.Any("room", room),
		slog.Int("history", len(room.messages)),
	)
	return room, nil
}

// LocalAddress returns the local user address.
func (room *ChatRoom) LocalAddress() string { return room.key.Local }

// PeerAddress returns the peer or conference address.
func (room *ChatRoom) PeerAddress() string { return room.key.Peer }

// Key returns the room key.
func (room *ChatRoom) Key() RoomKey { return room.key }

// Backend returns the room backend.
func (room *ChatRoom) Backend() Backend { return room.backend }

// CPIMEnabled reports whether messages are wrapped in CPIM envelopes.
func (room *ChatRoom) CPIMEnabled() bool { return room.cpim }

// Participants returns the group participants.
func (room *ChatRoom) Participants() []string { return slices.Clone(room.participants) }

// ImNotifPolicy returns the room notification policy.
func (room *ChatRoom) ImNotifPolicy() ImNotifPolicy { return room.policy }

// CreationTime returns the room creation time.
func (room *ChatRoom) CreationTime() time.Time { return room.created }

func (room *ChatRoom) LogValue() slog.Value {
	if room == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("local", room.key.Local),
		slog.String("peer", room.key.Peer),
		slog.String("backend", room.backend.String()),
		slog.Bool("cpim", room.cpim),
	)
}

// CreateMessage creates an outgoing message. The message is not sent until [ChatMessage.Send].
func (room *ChatRoom) CreateMessage(contents ...*Content) *ChatMessage {
	m := newChatMessage(room, Outgoing)
	m.contents = slices.DeleteFunc(slices.Clone(contents), func(c *Content) bool { return c == nil })
	return m
}

// CreateForwardMessage creates a message forwarding the contents of msg.
// Already uploaded files are referenced again without a new upload.
func (room *ChatRoom) CreateForwardMessage(msg *ChatMessage) *ChatMessage {
	contents := msg.Contents()
	for i, c := range contents {
		contents[i] = c.clone()
	}
	m := room.CreateMessage(contents...)
	m.forwardInfo = msg.ForwardInfo()
	if m.forwardInfo == "" {
		m.forwardInfo = msg.From()
	}
	return m
}

// CreateReplyMessage creates a message replying to msg.
// The reply is linked only when msg is part of the room history.
func (room *ChatRoom) CreateReplyMessage(msg *ChatMessage, contents ...*Content) *ChatMessage {
	m := room.CreateMessage(contents...)
	if msg == nil {
		return m
	}
	if target := room.FindMessage(msg.ID()); target != nil {
		m.replyToID = target.ID()
		m.replyToSender = target.From()
	}
	return m
}

// CreateReaction creates a reaction to msg. An empty emoji removes the previous reaction.
// Reactions are carried in CPIM headers, so the room must have CPIM enabled.
func (room *ChatRoom) CreateReaction(msg *ChatMessage, emoji string) (*ChatMessage, error) {
	if msg.ID() == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("message has no id"))
	}
	if !room.cpim {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("reactions require CPIM"))
	}
	m := room.CreateMessage(NewTextContent(emoji))
	m.reactionTo = msg.ID()
	return m, nil
}

// Send creates and sends a message with the contents.
func (room *ChatRoom) Send(contents ...*Content) (*ChatMessage, error) {
	m := room.CreateMessage(contents...)
	if err := m.Send(); err != nil {
		return m, errtrace.Wrap(err)
	}
	return m, nil
}

// Messages returns the whole loaded history in chronological order.
func (room *ChatRoom) Messages() []*ChatMessage { return room.History(0) }

// History returns at most limit most recent messages in chronological order. Zero means all.
func (room *ChatRoom) History(limit int) []*ChatMessage {
	room.mu.RLock()
	defer room.mu.RUnlock()
	msgs := room.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs)
}

// FindMessage returns the message of the history with the protocol id.
func (room *ChatRoom) FindMessage(id string) *ChatMessage {
	if id == "" {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	for _, m := range slices.Backward(room.messages) {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// TransientMessages returns outgoing messages still in the sending pipeline.
func (room *ChatRoom) TransientMessages() []*ChatMessage {
	room.mu.RLock()
	defer room.mu.RUnlock()
	return slices.Clone(room.transient)
}

// UnreadCount returns the number of unread incoming messages.
func (room *ChatRoom) UnreadCount() int {
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.unread
}

// DuplicateCount returns the number of dropped duplicate requests.
func (room *ChatRoom) DuplicateCount() int {
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.dups
}

// Muted reports whether received message notifications are suppressed.
func (room *ChatRoom) Muted() bool {
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.muted
}

// SetMuted toggles received message notifications.
func (room *ChatRoom) SetMuted(muted bool) {
	room.mu.Lock()
	room.muted = muted
	room.mu.Unlock()
}

// MarkAsRead marks every incoming message as read and schedules display notifications.
func (room *ChatRoom) MarkAsRead() error {
	c := room.core
	c.lock()
	defer c.unlock()

	if room.isDeleted() {
		return errtrace.Wrap(ErrRoomDeleted)
	}

	for _, m := range room.allMessages() {
		if m.dir != Incoming || !m.setRead() {
			continue
		}
		if m.wantDisplay && room.policy.SendDisplay {
			c.scheduleImdn(room, m, imdn.KindDisplay, imdn.StatusDisplayed)
		}
		if st := m.State(); st == MessageStateFileTransferInProgress || st == MessageStateFileTransferCancelling {
			m.pendingDisplay = true
		} else {
			m.fire(msgEvtRead)
		}
		c.persist(m)
	}

	room.mu.Lock()
	changed := room.unread != 0
	room.unread = 0
	room.mu.Unlock()
	if changed {
		c.notifyUnread(room, 0)
	}
	return nil
}

func (room *ChatRoom) isDeleted() bool { return room.deleted.Load() }

func (room *ChatRoom) markDeleted() { room.deleted.Store(true) }

func (room *ChatRoom) allMessages() []*ChatMessage {
	room.mu.RLock()
	defer room.mu.RUnlock()
	return slices.Clone(room.messages)
}

// appendMessage adds the message to the history and persists it.
func (room *ChatRoom) appendMessage(m *ChatMessage) {
	room.mu.Lock()
	room.messages = append(room.messages, m)
	room.mu.Unlock()

	m.inHistory = true
	room.core.persist(m)
}

func (room *ChatRoom) updateTransient(m *ChatMessage, state MessageState) {
	if m.dir != Outgoing {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	i := slices.Index(room.transient, m)
	switch state {
	case MessageStateInProgress,
		MessageStatePendingDelivery,
		MessageStateFileTransferInProgress,
		MessageStateFileTransferDone,
		MessageStateFileTransferCancelling:
		if i < 0 {
			room.transient = append(room.transient, m)
		}
	default:
		if i >= 0 {
			room.transient = slices.Delete(room.transient, i, i+1)
		}
	}
}

func (room *ChatRoom) incUnread() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	room.unread++
	return room.unread
}

func (room *ChatRoom) incDups() {
	room.mu.Lock()
	room.dups++
	room.mu.Unlock()
}

func (c *Content) clone() *Content {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Content{
		ct:        c.ct,
		body:      slices.Clone(c.body),
		filePath:  c.filePath,
		name:      c.name,
		size:      c.size,
		isFile:    c.isFile,
		relMsgID:  c.relMsgID,
		fileURL:   c.fileURL,
		fileUntil: c.fileUntil,
		fileKey:   slices.Clone(c.fileKey),
		duration:  c.duration,
	}
}
