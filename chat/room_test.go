package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/imdn"
	"github.com/ghettovoice/sipchat/internal/loopback"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
	"github.com/ghettovoice/sipchat/internal/testutil/chatmock"
)

func TestCore_ChatRoom(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)

	r1 := alice.room(t, bobAddr, nil)
	r2, err := alice.core.ChatRoom(t.Context(), "Alice <"+aliceAddr+">", "<"+bobAddr+">", &chat.RoomOptions{CPIM: true})
	if err != nil {
		t.Fatalf("core.ChatRoom() error = %v, want nil", err)
	}
	if r1 != r2 {
		t.Error("core.ChatRoom() returned a new room for the same addresses")
	}
	if r2.CPIMEnabled() {
		t.Error("r2.CPIMEnabled() = true, want false: options apply to new rooms only")
	}

	group := alice.room(t, confAddr, &chat.RoomOptions{Backend: chat.BackendFlexisipChat, Participants: []string{bobAddr, carolAddr}})
	if !group.CPIMEnabled() {
		t.Error("group.CPIMEnabled() = false, want true")
	}
	if diff := cmp.Diff(group.Participants(), []string{bobAddr, carolAddr}); diff != "" {
		t.Errorf("group.Participants() mismatch (-got +want):\n%v", diff)
	}
	if got := alice.core.ChatRooms(); len(got) != 2 || got[0] != r1 || got[1] != group {
		t.Errorf("core.ChatRooms() = %v, want [%v %v]", got, r1, group)
	}

	if _, err := alice.core.ChatRoom(t.Context(), aliceAddr, "", nil); err == nil {
		t.Error("core.ChatRoom() with empty peer error = nil, want error")
	}
}

func TestCore_Stopped(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	room := alice.room(t, bobAddr, nil)

	if err := alice.core.Stop(t.Context()); err != nil {
		t.Fatalf("core.Stop() error = %v, want nil", err)
	}
	if !alice.core.Stopped() {
		t.Error("core.Stopped() = false, want true")
	}
	if _, err := alice.core.ChatRoom(t.Context(), aliceAddr, carolAddr, nil); !errors.Is(err, chat.ErrCoreStopped) {
		t.Errorf("core.ChatRoom() error = %v, want %v", err, chat.ErrCoreStopped)
	}
	if _, err := room.Send(chat.NewTextContent("late")); !errors.Is(err, chat.ErrCoreStopped) {
		t.Errorf("room.Send() error = %v, want %v", err, chat.ErrCoreStopped)
	}
}

func TestChatRoom_ReceiveUnsupported(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	net.Endpoint(aliceAddr)
	bob := newPeer(t, net, bobAddr, nil)

	var errs []error
	t.Cleanup(bob.core.OnReceiveError(func(_ *chat.ChatRoom, _ *chat.ChatMessage, err error) {
		errs = append(errs, err)
	}))

	bob.core.OnIncomingRequest(&chat.IncomingRequest{
		CallID:      "call-unsupported",
		From:        aliceAddr,
		To:          bobAddr,
		ContentType: "application/x-unknown",
		Body:        []byte{1, 2, 3},
	})
	settle(bob)

	if len(errs) != 1 || !errors.Is(errs[0], chat.ErrUnsupportedContentType) {
		t.Fatalf("receive errors = %v, want [%v]", errs, chat.ErrUnsupportedContentType)
	}
	room := bob.room(t, aliceAddr, nil)
	if got := room.Messages(); len(got) != 0 {
		t.Errorf("room.Messages() = %v, want empty", got)
	}
	if got := room.UnreadCount(); got != 0 {
		t.Errorf("room.UnreadCount() = %d, want 0", got)
	}

	batches := sentNotifications(t, bob.ep.Sent())
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("sent notifications = %v, want a single one", batches)
	}
	n := batches[0][0]
	if n.MessageID != "call-unsupported" || n.Kind != imdn.KindDelivery || n.Status != imdn.StatusError {
		t.Errorf("notification = %+v, want delivery error about call-unsupported", n)
	}
	if got, want := bob.core.Stats().Messages.ReceiveErrors, uint64(1); got != want {
		t.Errorf("stats receive errors = %d, want %d", got, want)
	}
}

func TestChatRoom_ReceiveMultipart(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	net.Endpoint(aliceAddr)
	bob := newPeer(t, net, bobAddr, &chat.CoreOptions{Registry: chat.NewRegistry("text/*")})

	ct, body, err := mimeutil.EncodeMultipart([]mimeutil.Part{
		{ContentType: "text/plain", Body: []byte("caption")},
		{ContentType: "image/png", Body: []byte{0x89, 'P', 'N', 'G'}},
		{ContentType: "text/html", Body: []byte("<b>caption</b>")},
	})
	if err != nil {
		t.Fatalf("mimeutil.EncodeMultipart() error = %v, want nil", err)
	}
	bob.core.OnIncomingRequest(&chat.IncomingRequest{
		CallID:      "call-multi",
		From:        aliceAddr,
		To:          bobAddr,
		ContentType: ct,
		Body:        body,
	})
	settle(bob)

	msgs := bob.room(t, aliceAddr, nil).Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(room.Messages()) = %d, want 1", len(msgs))
	}
	var types []string
	for _, c := range msgs[0].Contents() {
		types = append(types, c.MediaType())
	}
	if diff := cmp.Diff(types, []string{"text/plain", "text/html"}); diff != "" {
		t.Errorf("content types mismatch (-got +want):\n%v", diff)
	}
	if got, want := msgs[0].ContentType(), mimeutil.MultipartMixed; got != want {
		t.Errorf("msg.ContentType() = %q, want %q", got, want)
	}
}

func TestChatRoom_Muted(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	bob := newPeer(t, net, bobAddr, nil)

	var received, unreadChanges int
	t.Cleanup(bob.core.OnMessageReceived(func(*chat.ChatRoom, *chat.ChatMessage) { received++ }))
	t.Cleanup(bob.core.OnUnreadCountChanged(func(*chat.ChatRoom, int) { unreadChanges++ }))

	bob.room(t, aliceAddr, nil).SetMuted(true)
	msg, err := alice.room(t, bobAddr, nil).Send(chat.NewTextContent("psst"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	waitState(t, msg, chat.MessageStateDeliveredToUser, alice, bob)

	if received != 0 {
		t.Errorf("received callback called %d times for a muted room, want 0", received)
	}
	if unreadChanges != 1 {
		t.Errorf("unread callback called %d times, want 1", unreadChanges)
	}
	if got, want := bob.room(t, aliceAddr, nil).UnreadCount(), 1; got != want {
		t.Errorf("room.UnreadCount() = %d, want %d", got, want)
	}
}

func TestCore_DeleteChatRoom(t *testing.T) {
	t.Parallel()

	store := chat.NewMemoryStore()
	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, &chat.CoreOptions{Store: store})
	net.Endpoint(bobAddr)
	rec := recordStates(t, alice.core)

	room := alice.room(t, bobAddr, nil)
	alice.ep.Hold()
	msg, err := room.Send(chat.NewTextContent("into the void"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	settle(alice)
	if got, want := store.Len(room.Key()), 1; got != want {
		t.Errorf("store.Len() = %d, want %d", got, want)
	}

	if err := alice.core.DeleteChatRoom(t.Context(), room); err != nil {
		t.Fatalf("core.DeleteChatRoom() error = %v, want nil", err)
	}
	before := rec.total()
	alice.ep.Release()
	settle(alice)

	if got := rec.total(); got != before {
		t.Errorf("state changes after deletion = %d, want 0", got-before)
	}
	if got, want := msg.State(), chat.MessageStateInProgress; got != want {
		t.Errorf("msg.State() = %v, want %v", got, want)
	}
	if msg.ChatRoom() != nil {
		t.Error("msg.ChatRoom() != nil, want nil")
	}
	if _, ok := alice.core.FindChatRoom(aliceAddr, bobAddr); ok {
		t.Error("core.FindChatRoom() = true, want false")
	}
	if got := store.Len(room.Key()); got != 0 {
		t.Errorf("store.Len() = %d, want 0", got)
	}
	if err := room.MarkAsRead(); !errors.Is(err, chat.ErrRoomDeleted) {
		t.Errorf("room.MarkAsRead() error = %v, want %v", err, chat.ErrRoomDeleted)
	}
	if err := alice.core.DeleteChatRoom(t.Context(), room); !errors.Is(err, chat.ErrRoomDeleted) {
		t.Errorf("second core.DeleteChatRoom() error = %v, want %v", err, chat.ErrRoomDeleted)
	}
	if _, err := room.Send(chat.NewTextContent("again")); !errors.Is(err, chat.ErrRoomDeleted) {
		t.Errorf("room.Send() error = %v, want %v", err, chat.ErrRoomDeleted)
	}
}

func TestCore_StoreCalls(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := chatmock.NewMockStore(ctrl)
	net := loopback.NewNetwork()
	net.Endpoint(bobAddr)
	alice := newPeer(t, net, aliceAddr, &chat.CoreOptions{Store: store})

	key := chat.RoomKey{Local: aliceAddr, Peer: bobAddr}
	store.EXPECT().LoadHistory(gomock.Any(), key, 0).Return(nil, nil)
	store.EXPECT().AppendMessage(gomock.Any(), key, gomock.Any()).Return(nil).MinTimes(1)

	var states []chat.MessageState
	store.EXPECT().UpdateState(gomock.Any(), key, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ chat.RoomKey, _ string, st chat.MessageState) error {
			states = append(states, st)
			return nil
		}).
		AnyTimes()

	msg, err := alice.room(t, bobAddr, nil).Send(chat.NewTextContent("persist me"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	waitState(t, msg, chat.MessageStateDelivered, alice)

	want := []chat.MessageState{
		chat.MessageStateInProgress,
		chat.MessageStatePendingDelivery,
		chat.MessageStateDelivered,
	}
	if diff := cmp.Diff(states, want); diff != "" {
		t.Errorf("persisted states mismatch (-got +want):\n%v", diff)
	}
}

func TestCore_HistoryRestore(t *testing.T) {
	t.Parallel()

	store := chat.NewMemoryStore()
	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)

	bob := newPeer(t, net, bobAddr, &chat.CoreOptions{Store: store})

	room := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true})
	var sent []*chat.ChatMessage
	for _, text := range []string{"first", "second"} {
		msg, err := room.Send(chat.NewTextContent(text))
		if err != nil {
			t.Fatalf("room.Send() error = %v, want nil", err)
		}
		sent = append(sent, msg)
	}
	waitState(t, sent[1], chat.MessageStateDeliveredToUser, alice, bob)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	if err := bob.core.Stop(ctx); err != nil {
		t.Fatalf("bob.core.Stop() error = %v, want nil", err)
	}

	// same address, new engine over the same store
	bob2 := newPeer(t, net, bobAddr, &chat.CoreOptions{Store: store})
	restored := bob2.room(t, aliceAddr, &chat.RoomOptions{CPIM: true})
	msgs := restored.Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(restored.Messages()) = %d, want %d", got, want)
	}
	for i, msg := range msgs {
		if got, want := msg.ID(), sent[i].ID(); got != want {
			t.Errorf("msgs[%d].ID() = %q, want %q", i, got, want)
		}
		if got, want := msg.Text(), sent[i].Text(); got != want {
			t.Errorf("msgs[%d].Text() = %q, want %q", i, got, want)
		}
		if got, want := msg.State(), chat.MessageStateDelivered; got != want {
			t.Errorf("msgs[%d].State() = %v, want %v", i, got, want)
		}
	}
	if got, want := restored.UnreadCount(), 2; got != want {
		t.Errorf("restored.UnreadCount() = %d, want %d", got, want)
	}

	if err := restored.MarkAsRead(); err != nil {
		t.Fatalf("restored.MarkAsRead() error = %v, want nil", err)
	}
	waitState(t, sent[0], chat.MessageStateDisplayed, alice, bob2)
	waitState(t, sent[1], chat.MessageStateDisplayed, alice, bob2)
}
