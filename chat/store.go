package chat

import (
	"context"
	"slices"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// ErrMessageNotFound is returned by stores when a message is missing.
const ErrMessageNotFound errorutil.Error = "message not found"

// RoomKey identifies a chat room by its local and peer addresses.
type RoomKey struct {
	Local string `json:"local"`
	Peer  string `json:"peer"`
}

func (k RoomKey) String() string { return k.Local + " ~ " + k.Peer }

// Store persists chat history.
//
// AppendMessage inserts or replaces the message identified by its storage key.
// LoadHistory returns at most limit most recent messages in chronological order; limit <= 0 means all.
type Store interface {
	AppendMessage(ctx context.Context, room RoomKey, msg *MessageSnapshot) error
	LoadHistory(ctx context.Context, room RoomKey, limit int) ([]*MessageSnapshot, error)
	UpdateState(ctx context.Context, room RoomKey, storageKey string, state MessageState) error
}

// RoomDeleter is implemented by stores able to drop a whole room history.
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, room RoomKey) error
}

// MemoryStore is an in-memory [Store]. The zero value is ready to use.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[RoomKey][]*MessageSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) AppendMessage(_ context.Context, room RoomKey, msg *MessageSnapshot) error {
	if msg == nil || msg.StorageKey == "" {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("message storage key is empty"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms == nil {
		s.rooms = make(map[RoomKey][]*MessageSnapshot)
	}
	msgs := s.rooms[room]
	cp := msg.clone()
	if i := slices.IndexFunc(msgs, func(m *MessageSnapshot) bool { return m.StorageKey == msg.StorageKey }); i >= 0 {
		msgs[i] = cp
		return nil
	}
	s.rooms[room] = append(msgs, cp)
	return nil
}

func (s *MemoryStore) LoadHistory(_ context.Context, room RoomKey, limit int) ([]*MessageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[room]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*MessageSnapshot, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, room RoomKey, storageKey string, state MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rooms[room] {
		if m.StorageKey == storageKey {
			m.State = state
			return nil
		}
	}
	return errtrace.Wrap(ErrMessageNotFound)
}

func (s *MemoryStore) DeleteRoom(_ context.Context, room RoomKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
	return nil
}

// Len returns the number of stored messages of the room.
func (s *MemoryStore) Len(room RoomKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}
