package chat

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
)

// ChatMessage is a chat message exchanged in a [ChatRoom].
//
// Getters are safe for concurrent use. State changes happen only on the core loop and are
// reported through [Core.OnMessageStateChanged].
type ChatMessage struct {
	core *Core
	room weak.Pointer[ChatRoom]
	key  RoomKey
	log  *slog.Logger

	dir        Direction
	storageKey string
	state      atomic.Int32
	fsm        *stateless.StateMachine

	mu            sync.RWMutex
	id            string
	from, to      string
	created       time.Time
	contents      []*Content
	headers       Headers
	forwardInfo   string
	replyToID     string
	replyToSender string
	reactionTo    string
	reactions     map[string]string
	failure       FailureReason
	tids          []string
	read          bool

	// owned by the core loop
	attempts       int
	sentNotified   bool
	inHistory      bool
	wantDelivery   bool
	wantDisplay    bool
	ackKind        imdn.Kind
	ftFailures     int
	resendGen      uint64
	pendingOut     *Resumption
	pendingIn      *Resumption
	recvKey        dedupKey
	wire           []*Content
	cancels        []context.CancelFunc
	uploading      bool
	downloads      int
	dlErr          error
	pendingDisplay bool
	suspended      bool
	resumable      bool
}

func newChatMessage(room *ChatRoom, dir Direction) *ChatMessage {
	m := &ChatMessage{
		core:       room.core,
		room:       weak.Make(room),
		key:        room.key,
		log:        room.core.log,
		dir:        dir,
		storageKey: uuid.NewString(),
		created:    room.core.now(),
	}
	if dir == Outgoing {
		m.from, m.to = room.key.Local, room.key.Peer
	} else {
		m.from, m.to = room.key.Peer, room.key.Local
	}
	m.initFSM(MessageStateIdle)
	return m
}

// ID returns the protocol message id (IMDN Message-ID or Call-ID without CPIM).
// It is empty until the message is sent.
func (m *ChatMessage) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// StorageKey returns the stable persistence key of the message.
func (m *ChatMessage) StorageKey() string { return m.storageKey }

// Direction returns the message direction.
func (m *ChatMessage) Direction() Direction { return m.dir }

// IsOutgoing reports whether the message is sent by the local user.
func (m *ChatMessage) IsOutgoing() bool { return m.dir == Outgoing }

// State returns the current message state.
func (m *ChatMessage) State() MessageState { return MessageState(m.state.Load()) }

// Contents returns the message contents in order.
func (m *ChatMessage) Contents() []*Content {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.contents)
}

// AddContent appends a content to a message which was not sent yet.
func (m *ChatMessage) AddContent(c *Content) error {
	if m.dir != Outgoing || m.State() != MessageStateIdle {
		return errtrace.Wrap(ErrContentFrozen)
	}
	m.mu.Lock()
	m.contents = append(m.contents, c)
	m.mu.Unlock()
	return nil
}

// Text returns the concatenation of all text contents.
func (m *ChatMessage) Text() string {
	var sb strings.Builder
	for _, c := range m.Contents() {
		if !c.IsFileTransfer() && strings.HasPrefix(c.MediaType(), "text/") {
			sb.WriteString(c.Text())
		}
	}
	return sb.String()
}

// FileContents returns the file contents of the message.
func (m *ChatMessage) FileContents() []*Content {
	return slices.DeleteFunc(m.Contents(), func(c *Content) bool { return !c.IsFileTransfer() })
}

// HasFileTransfer reports whether the message carries file contents.
func (m *ChatMessage) HasFileTransfer() bool { return len(m.FileContents()) > 0 }

// ContentType returns the message content type: the single content type or multipart/mixed.
func (m *ChatMessage) ContentType() string {
	cs := m.Contents()
	switch len(cs) {
	case 0:
		return ""
	case 1:
		if cs[0].IsFileTransfer() {
			return mimeutil.MediaType(cs[0].ContentType())
		}
		return cs[0].ContentType()
	default:
		return mimeutil.MultipartMixed
	}
}

// From returns the sender address.
func (m *ChatMessage) From() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.from
}

// To returns the recipient address.
func (m *ChatMessage) To() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.to
}

// Time returns the creation time of outgoing messages or the sending time of incoming ones.
func (m *ChatMessage) Time() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created
}

// Header returns a custom header value.
func (m *ChatMessage) Header(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headers.Get(name)
}

// Headers returns a copy of the custom headers.
func (m *ChatMessage) Headers() Headers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headers.Clone()
}

// SetHeader sets a custom header of a message which was not sent yet.
func (m *ChatMessage) SetHeader(name, value string) error {
	if m.dir != Outgoing || m.State() != MessageStateIdle {
		return errtrace.Wrap(ErrInvalidState)
	}
	m.mu.Lock()
	m.headers.Set(name, value)
	m.mu.Unlock()
	return nil
}

// RemoveHeader removes a custom header of a message which was not sent yet.
func (m *ChatMessage) RemoveHeader(name string) error {
	if m.dir != Outgoing || m.State() != MessageStateIdle {
		return errtrace.Wrap(ErrInvalidState)
	}
	m.mu.Lock()
	m.headers.Del(name)
	m.mu.Unlock()
	return nil
}

// IsForward reports whether the message forwards another one.
func (m *ChatMessage) IsForward() bool { return m.ForwardInfo() != "" }

// ForwardInfo returns the original sender of a forwarded message.
func (m *ChatMessage) ForwardInfo() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forwardInfo
}

// IsReply reports whether the message replies to another one.
func (m *ChatMessage) IsReply() bool { return m.ReplyToID() != "" }

// ReplyToID returns the id of the message this one replies to.
func (m *ChatMessage) ReplyToID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replyToID
}

// ReplyToSender returns the sender of the message this one replies to.
func (m *ChatMessage) ReplyToSender() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replyToSender
}

// ReplyToMessage resolves the message this one replies to in the room history.
func (m *ChatMessage) ReplyToMessage() *ChatMessage {
	id := m.ReplyToID()
	room := m.ChatRoom()
	if id == "" || room == nil {
		return nil
	}
	return room.FindMessage(id)
}

// awaitsNotifications reports whether a response or notification can still move the outgoing message.
func (m *ChatMessage) awaitsNotifications(room *ChatRoom, state MessageState) bool {
	switch state {
	case MessageStateIdle, MessageStateDisplayed, MessageStateNotDelivered, MessageStateFileTransferError:
		return false
	case MessageStateDelivered:
		return room.policy.RecvDelivery || room.policy.RecvDisplay
	case MessageStateDeliveredToUser:
		return room.policy.RecvDisplay
	default:
		return true
	}
}

// IsReaction reports whether the message is a reaction to another one.
func (m *ChatMessage) IsReaction() bool { return m.ReactionTo() != "" }

// ReactionTo returns the id of the message this reaction targets.
func (m *ChatMessage) ReactionTo() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reactionTo
}

// Reactions returns the reactions received for the message keyed by sender address.
func (m *ChatMessage) Reactions() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.reactions)
}

// IsRead reports whether an incoming message was marked as read.
func (m *ChatMessage) IsRead() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read
}

// FailureReason returns why the message failed, [FailureNone] otherwise.
func (m *ChatMessage) FailureReason() FailureReason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

// TransportIDs returns the transport identifiers of every sending attempt, the last one is the current.
func (m *ChatMessage) TransportIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tids)
}

// TransportID returns the transport identifier of the latest sending attempt.
func (m *ChatMessage) TransportID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.tids) == 0 {
		return ""
	}
	return m.tids[len(m.tids)-1]
}

// ChatRoom returns the room of the message, nil once the room is gone.
func (m *ChatMessage) ChatRoom() *ChatRoom {
	room := m.room.Value()
	if room == nil || room.isDeleted() {
		return nil
	}
	return room
}

func (m *ChatMessage) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slog.GroupValue(
		slog.String("storage_key", m.storageKey),
		slog.String("id", m.id),
		slog.String("direction", m.dir.String()),
		slog.String("state", m.State().String()),
		slog.String("from", m.from),
		slog.String("to", m.to),
		slog.Int("contents", len(m.contents)),
	)
}

func (m *ChatMessage) setID(id string) {
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()
}

func (m *ChatMessage) setFailure(r FailureReason) {
	m.mu.Lock()
	m.failure = r
	m.mu.Unlock()
}

func (m *ChatMessage) setContents(cs []*Content) {
	m.mu.Lock()
	m.contents = cs
	m.mu.Unlock()
}

func (m *ChatMessage) addTransportID(tid string) {
	m.mu.Lock()
	m.tids = append(m.tids, tid)
	m.mu.Unlock()
}

func (m *ChatMessage) setRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.read {
		return false
	}
	m.read = true
	return true
}

func (m *ChatMessage) setReaction(sender, emoji string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emoji == "" {
		delete(m.reactions, sender)
		return
	}
	if m.reactions == nil {
		m.reactions = make(map[string]string)
	}
	m.reactions[sender] = emoji
}

func (m *ChatMessage) needsUpload() bool {
	return slices.ContainsFunc(m.Contents(), (*Content).needsUpload)
}

func (m *ChatMessage) freezeContents() {
	for _, c := range m.Contents() {
		c.freeze()
	}
}
