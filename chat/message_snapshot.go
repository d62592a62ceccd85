package chat

import (
	"maps"
	"slices"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// MessageSnapshot is the persistent form of a [ChatMessage].
type MessageSnapshot struct {
	StorageKey    string            `json:"storage_key"`
	ID            string            `json:"id,omitempty"`
	Direction     Direction         `json:"direction"`
	State         MessageState      `json:"state"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Time          time.Time         `json:"time"`
	Contents      []ContentSnapshot `json:"contents"`
	Headers       []Header          `json:"headers,omitempty"`
	ForwardInfo   string            `json:"forward_info,omitempty"`
	ReplyToID     string            `json:"reply_to_id,omitempty"`
	ReplyToSender string            `json:"reply_to_sender,omitempty"`
	ReactionTo    string            `json:"reaction_to,omitempty"`
	Reactions     map[string]string `json:"reactions,omitempty"`
	FailureReason FailureReason     `json:"failure_reason,omitempty"`
	TransportIDs  []string          `json:"transport_ids,omitempty"`
	Read          bool              `json:"read,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	SentNotified  bool              `json:"sent_notified,omitempty"`
	FTFailures    int               `json:"ft_failures,omitempty"`
	WantDelivery  bool              `json:"want_delivery,omitempty"`
	WantDisplay   bool              `json:"want_display,omitempty"`
	AckSent       imdn.Kind         `json:"ack_sent,omitempty"`
}

// ContentSnapshot is the persistent form of a [Content].
type ContentSnapshot struct {
	ContentType      string        `json:"content_type"`
	Body             []byte        `json:"body,omitempty"`
	FilePath         string        `json:"file_path,omitempty"`
	Name             string        `json:"name,omitempty"`
	Size             int64         `json:"size,omitempty"`
	FileTransfer     bool          `json:"file_transfer,omitempty"`
	RelatedMessageID string        `json:"related_message_id,omitempty"`
	FileURL          string        `json:"file_url,omitempty"`
	FileUntil        time.Time     `json:"file_until,omitzero"`
	FileKey          []byte        `json:"file_key,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	DownloadPath     string        `json:"download_path,omitempty"`
}

func (s *MessageSnapshot) clone() *MessageSnapshot {
	cp := *s
	cp.Contents = slices.Clone(s.Contents)
	cp.Headers = slices.Clone(s.Headers)
	cp.Reactions = maps.Clone(s.Reactions)
	cp.TransportIDs = slices.Clone(s.TransportIDs)
	return &cp
}

// Snapshot returns the persistent form of the message.
func (m *ChatMessage) Snapshot() *MessageSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &MessageSnapshot{
		StorageKey:    m.storageKey,
		ID:            m.id,
		Direction:     m.dir,
		State:         m.State(),
		From:          m.from,
		To:            m.to,
		Time:          m.created,
		Headers:       m.headers.slice(),
		ForwardInfo:   m.forwardInfo,
		ReplyToID:     m.replyToID,
		ReplyToSender: m.replyToSender,
		ReactionTo:    m.reactionTo,
		Reactions:     maps.Clone(m.reactions),
		FailureReason: m.failure,
		TransportIDs:  slices.Clone(m.tids),
		Read:          m.read,
		Attempts:      m.attempts,
		SentNotified:  m.sentNotified,
		FTFailures:    m.ftFailures,
		WantDelivery:  m.wantDelivery,
		WantDisplay:   m.wantDisplay,
		AckSent:       m.ackKind,
	}
	snap.Contents = make([]ContentSnapshot, len(m.contents))
	for i, c := range m.contents {
		snap.Contents[i] = c.snapshot()
	}
	return snap
}

func (c *Content) snapshot() ContentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ContentSnapshot{
		ContentType:      c.ct,
		Body:             slices.Clone(c.body),
		FilePath:         c.filePath,
		Name:             c.name,
		Size:             c.size,
		FileTransfer:     c.isFile,
		RelatedMessageID: c.relMsgID,
		FileURL:          c.fileURL,
		FileUntil:        c.fileUntil,
		FileKey:          slices.Clone(c.fileKey),
		Duration:         c.duration,
		DownloadPath:     c.dlPath,
	}
}

func restoreContent(s *ContentSnapshot) *Content {
	return &Content{
		ct:        s.ContentType,
		body:      slices.Clone(s.Body),
		filePath:  s.FilePath,
		name:      s.Name,
		size:      s.Size,
		isFile:    s.FileTransfer,
		relMsgID:  s.RelatedMessageID,
		fileURL:   s.FileURL,
		fileUntil: s.FileUntil,
		fileKey:   slices.Clone(s.FileKey),
		duration:  s.Duration,
		dlPath:    s.DownloadPath,
	}
}

// restoreMessage rebuilds a message of the room from its snapshot.
// Messages interrupted in the middle of the sending pipeline are marked resumable.
func (room *ChatRoom) restoreMessage(snap *MessageSnapshot) (*ChatMessage, error) {
	if snap == nil || snap.StorageKey == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("message storage key is empty"))
	}
	if len(snap.Contents) == 0 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("message %s has no contents", snap.StorageKey))
	}

	m := newChatMessage(room, snap.Direction)
	m.storageKey = snap.StorageKey
	m.id = snap.ID
	m.from, m.to = snap.From, snap.To
	m.created = snap.Time
	m.headers = HeadersOf(snap.Headers...)
	m.forwardInfo = snap.ForwardInfo
	m.replyToID, m.replyToSender = snap.ReplyToID, snap.ReplyToSender
	m.reactionTo = snap.ReactionTo
	m.reactions = maps.Clone(snap.Reactions)
	m.failure = snap.FailureReason
	m.tids = slices.Clone(snap.TransportIDs)
	m.read = snap.Read
	m.attempts = snap.Attempts
	m.sentNotified = snap.SentNotified
	m.ftFailures = snap.FTFailures
	m.wantDelivery, m.wantDisplay = snap.WantDelivery, snap.WantDisplay
	m.ackKind = snap.AckSent
	m.inHistory = true
	m.contents = make([]*Content, len(snap.Contents))
	for i := range snap.Contents {
		m.contents[i] = restoreContent(&snap.Contents[i])
	}

	state := snap.State
	switch {
	case m.dir == Outgoing && (state == MessageStateFileTransferDone || state == MessageStateFileTransferCancelling):
		// the pipeline was interrupted between two steps
		state = MessageStateFileTransferInProgress
		m.resumable = true
	case m.dir == Outgoing && (state == MessageStateFileTransferInProgress ||
		state == MessageStateInProgress ||
		state == MessageStatePendingDelivery):
		m.resumable = true
	case m.dir == Incoming && (state == MessageStateFileTransferInProgress || state == MessageStateFileTransferCancelling):
		// interrupted downloads are retried once
		state = MessageStateFileTransferError
		m.failure = FailureTransientNetwork
		m.ftFailures = 1
	}
	m.initFSM(state)
	if state != MessageStateIdle {
		m.freezeContents()
	}
	return m, nil
}
