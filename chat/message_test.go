package chat_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/cpim"
	"github.com/ghettovoice/sipchat/internal/loopback"
)

func TestChatMessage_TextRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		cpimOn bool
		text   string
	}{
		{"plain", false, "hello"},
		{"cpim", true, "hello"},
		{"plain multiline", false, "Bli bli bli \n blu"},
		{"cpim multiline", true, "Bli bli bli \n blu"},
	}
	for _, c := range cases {
		cpimOn := c.cpimOn
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			net := loopback.NewNetwork()
			alice := newPeer(t, net, aliceAddr, nil)
			bob := newPeer(t, net, bobAddr, nil)
			rec := recordStates(t, alice.core)

			var received []*chat.ChatMessage
			t.Cleanup(bob.core.OnMessageReceived(func(_ *chat.ChatRoom, msg *chat.ChatMessage) {
				received = append(received, msg)
			}))
			var sent int
			t.Cleanup(alice.core.OnMessageSent(func(*chat.ChatMessage) { sent++ }))

			room := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: cpimOn})
			msg, err := room.Send(chat.NewTextContent(c.text))
			if err != nil {
				t.Fatalf("room.Send() error = %v, want nil", err)
			}
			if msg.ID() == "" {
				t.Error("msg.ID() = \"\", want non-empty after send")
			}

			waitState(t, msg, chat.MessageStateDeliveredToUser, alice, bob)
			if len(received) != 1 {
				t.Fatalf("received %d messages, want 1", len(received))
			}
			in := received[0]
			if got, want := in.Text(), c.text; got != want {
				t.Errorf("in.Text() = %q, want %q", got, want)
			}
			if cnts := in.Contents(); len(cnts) != 1 {
				t.Errorf("len(in.Contents()) = %d, want 1", len(cnts))
			} else if got, want := cnts[0].MediaType(), "text/plain"; got != want {
				t.Errorf("in.Contents()[0].MediaType() = %q, want %q", got, want)
			}
			if got, want := in.ID(), msg.ID(); got != want {
				t.Errorf("in.ID() = %q, want %q", got, want)
			}
			if got, want := in.From(), aliceAddr; got != want {
				t.Errorf("in.From() = %q, want %q", got, want)
			}
			if got, want := in.State(), chat.MessageStateDelivered; got != want {
				t.Errorf("in.State() = %v, want %v", got, want)
			}

			bobRoom, ok := bob.core.FindChatRoom(bobAddr, aliceAddr)
			if !ok {
				t.Fatal("bob.core.FindChatRoom() = false, want true")
			}
			if got, want := bobRoom.CPIMEnabled(), cpimOn; got != want {
				t.Errorf("bobRoom.CPIMEnabled() = %v, want %v", got, want)
			}
			if got, want := bobRoom.UnreadCount(), 1; got != want {
				t.Errorf("bobRoom.UnreadCount() = %d, want %d", got, want)
			}
			if err := bobRoom.MarkAsRead(); err != nil {
				t.Fatalf("bobRoom.MarkAsRead() error = %v, want nil", err)
			}
			if got, want := bobRoom.UnreadCount(), 0; got != want {
				t.Errorf("bobRoom.UnreadCount() = %d, want %d", got, want)
			}
			waitState(t, msg, chat.MessageStateDisplayed, alice, bob)

			want := []chat.MessageState{
				chat.MessageStateInProgress,
				chat.MessageStatePendingDelivery,
				chat.MessageStateDelivered,
				chat.MessageStateDeliveredToUser,
				chat.MessageStateDisplayed,
			}
			if diff := cmp.Diff(rec.of(msg), want); diff != "" {
				t.Errorf("message states mismatch (-got +want):\n%v", diff)
			}
			if got, want := in.State(), chat.MessageStateDisplayed; got != want {
				t.Errorf("in.State() = %v, want %v", got, want)
			}
			if !in.IsRead() {
				t.Error("in.IsRead() = false, want true")
			}
			if sent != 1 {
				t.Errorf("message sent callback called %d times, want 1", sent)
			}
			if got := room.TransientMessages(); len(got) != 0 {
				t.Errorf("room.TransientMessages() = %v, want empty", got)
			}
		})
	}
}

func TestChatMessage_SendFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		sendErr error
		want    chat.FailureReason
	}{
		{"unsupported media", 415, nil, chat.FailureUnsupportedContentType},
		{"not acceptable here", 488, nil, chat.FailureUnsupportedContentType},
		{"forbidden", 403, nil, chat.FailureAuthenticationUp},
		{"proxy auth", 407, nil, chat.FailureAuthenticationUp},
		{"server error", 503, nil, chat.FailureTransientNetwork},
		{"no route", 200, errors.New("connection refused"), chat.FailureTransientNetwork},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			net := loopback.NewNetwork()
			alice := newPeer(t, net, aliceAddr, nil)
			net.Endpoint(bobAddr)
			alice.ep.SetResponse(c.status, true)
			alice.ep.SetSendError(c.sendErr)

			var failed int
			t.Cleanup(alice.core.OnMessageStateChanged(func(_ *chat.ChatMessage, st chat.MessageState) {
				if st == chat.MessageStateNotDelivered {
					failed++
				}
			}))

			msg, err := alice.room(t, bobAddr, nil).Send(chat.NewTextContent("hi"))
			if err != nil {
				t.Fatalf("room.Send() error = %v, want nil", err)
			}
			waitState(t, msg, chat.MessageStateNotDelivered, alice)
			if got := msg.FailureReason(); got != c.want {
				t.Errorf("msg.FailureReason() = %v, want %v", got, c.want)
			}
			if failed != 1 {
				t.Errorf("NotDelivered reported %d times, want 1", failed)
			}
		})
	}
}

func TestChatMessage_ContentFrozen(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	net.Endpoint(bobAddr)

	ct := chat.NewTextContent("draft")
	if err := ct.SetText("final"); err != nil {
		t.Fatalf("ct.SetText() error = %v, want nil", err)
	}
	msg := alice.room(t, bobAddr, nil).CreateMessage(ct)
	if err := msg.SetHeader("X-Priority", "urgent"); err != nil {
		t.Fatalf("msg.SetHeader() error = %v, want nil", err)
	}
	if err := msg.Send(); err != nil {
		t.Fatalf("msg.Send() error = %v, want nil", err)
	}

	if !ct.IsFrozen() {
		t.Error("ct.IsFrozen() = false, want true")
	}
	if err := ct.SetText("changed"); !errors.Is(err, chat.ErrContentFrozen) {
		t.Errorf("ct.SetText() error = %v, want %v", err, chat.ErrContentFrozen)
	}
	if err := msg.AddContent(chat.NewTextContent("more")); !errors.Is(err, chat.ErrContentFrozen) {
		t.Errorf("msg.AddContent() error = %v, want %v", err, chat.ErrContentFrozen)
	}
	if err := msg.SetHeader("X-Priority", "low"); !errors.Is(err, chat.ErrInvalidState) {
		t.Errorf("msg.SetHeader() error = %v, want %v", err, chat.ErrInvalidState)
	}
	if err := msg.Send(); !errors.Is(err, chat.ErrInvalidState) {
		t.Errorf("second msg.Send() error = %v, want %v", err, chat.ErrInvalidState)
	}
	if got, want := ct.Text(), "final"; got != want {
		t.Errorf("ct.Text() = %q, want %q", got, want)
	}

	sent := alice.ep.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	if v, _ := sent[0].Headers.Get("X-Priority"); v != "urgent" {
		t.Errorf("request X-Priority = %q, want %q", v, "urgent")
	}
}

func TestChatMessage_SendValidation(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	room := alice.room(t, bobAddr, nil)

	if err := room.CreateMessage().Send(); err == nil {
		t.Error("empty message Send() error = nil, want error")
	}

	file := chat.NewFileContentFromBytes("image/png", "pic.png", []byte{0x89, 'P', 'N', 'G'})
	msg := room.CreateMessage(file)
	if err := msg.Send(); !errors.Is(err, chat.ErrNoFileTransferServer) {
		t.Errorf("file message Send() error = %v, want %v", err, chat.ErrNoFileTransferServer)
	}
	if got, want := msg.State(), chat.MessageStateIdle; got != want {
		t.Errorf("msg.State() = %v, want %v", got, want)
	}

	if _, err := room.CreateReaction(room.CreateMessage(chat.NewTextContent("x")), "+1"); err == nil {
		t.Error("room.CreateReaction() for unsent message error = nil, want error")
	}
}

func TestChatMessage_OfflineQueue(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	bob := newPeer(t, net, bobAddr, nil)
	room := alice.room(t, bobAddr, nil)

	alice.core.SetNetworkReachable(false)
	first, err := room.Send(chat.NewTextContent("one"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	second, err := room.Send(chat.NewTextContent("two"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	settle(alice, bob)

	for _, msg := range []*chat.ChatMessage{first, second} {
		if got, want := msg.State(), chat.MessageStatePendingDelivery; got != want {
			t.Errorf("msg.State() = %v, want %v", got, want)
		}
	}
	if got := alice.ep.Sent(); len(got) != 0 {
		t.Fatalf("sent %d requests while offline, want 0", len(got))
	}

	alice.core.SetNetworkReachable(true)
	waitState(t, second, chat.MessageStateDeliveredToUser, alice, bob)
	if got, want := first.State(), chat.MessageStateDeliveredToUser; got != want {
		t.Errorf("first.State() = %v, want %v", got, want)
	}

	var texts []string
	for _, req := range alice.ep.Sent() {
		if req.ContentType == "text/plain;charset=utf-8" {
			texts = append(texts, string(req.Body))
		}
	}
	if diff := cmp.Diff(texts, []string{"one", "two"}); diff != "" {
		t.Errorf("sent messages mismatch (-got +want):\n%v", diff)
	}

	alice.core.SetNetworkReachable(false)
	alice.core.SetNetworkReachable(true)
	settle(alice, bob)
	if got, want := len(bob.room(t, aliceAddr, nil).Messages()), 2; got != want {
		t.Errorf("bob received %d messages, want %d", got, want)
	}
}

func TestChatMessage_ResendOnReachability(t *testing.T) {
	t.Parallel()

	for _, keepID := range []bool{false, true} {
		name := "new id"
		if keepID {
			name = "keep id"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			net := loopback.NewNetwork()
			alice := newPeer(t, net, aliceAddr, &chat.CoreOptions{ResendKeepsMessageID: keepID})
			bob := newPeer(t, net, bobAddr, nil)
			room := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true})

			alice.ep.SetSendError(errors.New("network is down"))
			msg, err := room.Send(chat.NewTextContent("retry me"))
			if err != nil {
				t.Fatalf("room.Send() error = %v, want nil", err)
			}
			waitState(t, msg, chat.MessageStateNotDelivered, alice)
			firstID := msg.ID()

			alice.ep.SetSendError(nil)
			alice.core.SetNetworkReachable(false)
			alice.core.SetNetworkReachable(true)
			waitState(t, msg, chat.MessageStateDeliveredToUser, alice, bob)

			if got := msg.ID() == firstID; got != keepID {
				t.Errorf("message id kept = %v, want %v (first %q, now %q)", got, keepID, firstID, msg.ID())
			}
			if got, want := len(alice.ep.Sent()), 1; got != want {
				t.Errorf("sent %d requests, want %d", got, want)
			}
			if got, want := alice.core.Stats().Messages.Resent, uint64(1); got != want {
				t.Errorf("stats resent = %d, want %d", got, want)
			}

			alice.core.SetNetworkReachable(false)
			alice.core.SetNetworkReachable(true)
			settle(alice, bob)
			if got, want := len(alice.ep.Sent()), 1; got != want {
				t.Errorf("sent %d requests after delivery, want %d", got, want)
			}
		})
	}
}

func TestChatMessage_MonotonicAcks(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	net.Endpoint(bobAddr)
	rec := recordStates(t, alice.core)

	msg, err := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true}).Send(chat.NewTextContent("hi"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	waitState(t, msg, chat.MessageStateDelivered, alice)

	deliverImdn(t, alice, bobAddr, msg.ID(), imdnDisplayed)
	deliverImdn(t, alice, bobAddr, msg.ID(), imdnDelivered)
	deliverImdn(t, alice, bobAddr, msg.ID(), imdnDeliveryError)
	settle(alice)

	want := []chat.MessageState{
		chat.MessageStateInProgress,
		chat.MessageStatePendingDelivery,
		chat.MessageStateDelivered,
		chat.MessageStateDisplayed,
	}
	if diff := cmp.Diff(rec.of(msg), want); diff != "" {
		t.Errorf("message states mismatch (-got +want):\n%v", diff)
	}
}

func TestChatMessage_ImdnBeforeFinalResponse(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	net.Endpoint(bobAddr)
	alice.ep.SetResponse(0, true)

	msg, err := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true}).Send(chat.NewTextContent("hi"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	waitState(t, msg, chat.MessageStatePendingDelivery, alice)

	deliverImdn(t, alice, bobAddr, msg.ID(), imdnDelivered)
	settle(alice)
	if got, want := msg.State(), chat.MessageStatePendingDelivery; got != want {
		t.Errorf("msg.State() = %v, want %v", got, want)
	}

	alice.core.OnResponse(msg.TransportID(), 200)
	waitState(t, msg, chat.MessageStateDelivered, alice)
}

func TestChatMessage_DeliveryRefused(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	net.Endpoint(bobAddr)

	msg, err := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true}).Send(chat.NewTextContent("hi"))
	if err != nil {
		t.Fatalf("room.Send() error = %v, want nil", err)
	}
	waitState(t, msg, chat.MessageStateDelivered, alice)

	deliverImdn(t, alice, bobAddr, msg.ID(), imdnDeliveryError)
	waitState(t, msg, chat.MessageStateNotDelivered, alice)
	if got, want := msg.FailureReason(), chat.FailureDeliveryRefused; got != want {
		t.Errorf("msg.FailureReason() = %v, want %v", got, want)
	}
}

func TestChatMessage_Linkage(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	bob := newPeer(t, net, bobAddr, nil)
	aliceRoom := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true})

	type reaction struct{ sender, emoji string }
	var reactions []reaction
	t.Cleanup(alice.core.OnReactionReceived(func(_ *chat.ChatMessage, sender, emoji string) {
		reactions = append(reactions, reaction{sender, emoji})
	}))

	orig, err := aliceRoom.Send(chat.NewTextContent("lunch?"))
	if err != nil {
		t.Fatalf("aliceRoom.Send() error = %v, want nil", err)
	}
	waitState(t, orig, chat.MessageStateDeliveredToUser, alice, bob)

	bobRoom := bob.room(t, aliceAddr, nil)
	in := bobRoom.FindMessage(orig.ID())
	if in == nil {
		t.Fatalf("bobRoom.FindMessage(%q) = nil, want message", orig.ID())
	}

	reply := bobRoom.CreateReplyMessage(in, chat.NewTextContent("sure"))
	if err := reply.Send(); err != nil {
		t.Fatalf("reply.Send() error = %v, want nil", err)
	}
	react, err := bobRoom.CreateReaction(in, "👍")
	if err != nil {
		t.Fatalf("bobRoom.CreateReaction() error = %v, want nil", err)
	}
	if err := react.Send(); err != nil {
		t.Fatalf("react.Send() error = %v, want nil", err)
	}
	waitState(t, reply, chat.MessageStateDeliveredToUser, alice, bob)
	waitFor(t, "reaction", func() bool { return len(orig.Reactions()) == 1 }, alice, bob)

	if diff := cmp.Diff(orig.Reactions(), map[string]string{bobAddr: "👍"}); diff != "" {
		t.Errorf("orig.Reactions() mismatch (-got +want):\n%v", diff)
	}
	if diff := cmp.Diff(reactions, []reaction{{bobAddr, "👍"}}, cmp.AllowUnexported(reaction{})); diff != "" {
		t.Errorf("reaction callbacks mismatch (-got +want):\n%v", diff)
	}

	msgs := aliceRoom.Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(aliceRoom.Messages()) = %d, want %d", got, want)
	}
	gotReply := msgs[1]
	if !gotReply.IsReply() {
		t.Fatal("gotReply.IsReply() = false, want true")
	}
	if got, want := gotReply.ReplyToID(), orig.ID(); got != want {
		t.Errorf("gotReply.ReplyToID() = %q, want %q", got, want)
	}
	if got, want := gotReply.ReplyToSender(), aliceAddr; got != want {
		t.Errorf("gotReply.ReplyToSender() = %q, want %q", got, want)
	}
	if got := gotReply.ReplyToMessage(); got != orig {
		t.Errorf("gotReply.ReplyToMessage() = %v, want %v", got, orig)
	}

	fwd := aliceRoom.CreateForwardMessage(gotReply)
	if err := fwd.Send(); err != nil {
		t.Fatalf("fwd.Send() error = %v, want nil", err)
	}
	waitState(t, fwd, chat.MessageStateDeliveredToUser, alice, bob)
	last := bobRoom.Messages()[len(bobRoom.Messages())-1]
	if got, want := last.ForwardInfo(), bobAddr; got != want {
		t.Errorf("last.ForwardInfo() = %q, want %q", got, want)
	}
	if got, want := last.Text(), "sure"; got != want {
		t.Errorf("last.Text() = %q, want %q", got, want)
	}

	sent := alice.ep.Sent()
	env, err := cpim.Parse(sent[len(sent)-1].Body)
	if err != nil {
		t.Fatalf("cpim.Parse() error = %v, want nil", err)
	}
	if v, _ := env.Headers.Get(cpim.HeaderForwardInfo); v != bobAddr {
		t.Errorf("forward info header = %q, want %q", v, bobAddr)
	}
}

func TestChatRoom_CreateReplyMessage(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	alice := newPeer(t, net, aliceAddr, nil)
	net.Endpoint(bobAddr)
	net.Endpoint(carolAddr)
	bobRoom := alice.room(t, bobAddr, &chat.RoomOptions{CPIM: true})
	carolRoom := alice.room(t, carolAddr, &chat.RoomOptions{CPIM: true})

	orig, err := bobRoom.Send(chat.NewTextContent("lunch?"))
	if err != nil {
		t.Fatalf("bobRoom.Send() error = %v, want nil", err)
	}
	waitState(t, orig, chat.MessageStateDelivered, alice)

	reply := bobRoom.CreateReplyMessage(orig, chat.NewTextContent("or dinner"))
	if !reply.IsReply() {
		t.Error("reply.IsReply() = false, want true")
	}
	if got, want := reply.ReplyToID(), orig.ID(); got != want {
		t.Errorf("reply.ReplyToID() = %q, want %q", got, want)
	}

	foreign := carolRoom.CreateReplyMessage(orig, chat.NewTextContent("sure"))
	if foreign.IsReply() {
		t.Errorf("foreign.IsReply() = true, want false")
	}
	if got := foreign.ReplyToSender(); got != "" {
		t.Errorf("foreign.ReplyToSender() = %q, want empty", got)
	}
}

func TestChatMessage_ReceivedReplyToUnknownMessage(t *testing.T) {
	t.Parallel()

	net := loopback.NewNetwork()
	net.Endpoint(aliceAddr)
	bob := newPeer(t, net, bobAddr, nil)

	deliver := func(callID, replyTo string) {
		env := cpim.New(aliceAddr, bobAddr, "text/plain", []byte("re: "+replyTo))
		env.DeclareNS(cpim.NSImdn)
		env.DeclareNS(cpim.NSChat)
		env.Headers.Add(cpim.HeaderImdnMessageID, callID)
		env.Headers.Add(cpim.HeaderReplyToID, replyTo)
		env.Headers.Add(cpim.HeaderReplyToSender, aliceAddr)
		bob.core.OnIncomingRequest(&chat.IncomingRequest{
			CallID:      callID,
			From:        aliceAddr,
			To:          bobAddr,
			ContentType: cpim.ContentType,
			Body:        env.Bytes(),
		})
		settle(bob)
	}

	deliver("msg-1", "missing")
	deliver("msg-2", "msg-1")

	msgs := bob.room(t, aliceAddr, nil).Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(room.Messages()) = %d, want %d", got, want)
	}
	if msgs[0].IsReply() {
		t.Errorf("reply to unknown message: IsReply() = true, want false")
	}
	if got := msgs[0].ReplyToSender(); got != "" {
		t.Errorf("reply to unknown message: ReplyToSender() = %q, want empty", got)
	}
	if !msgs[1].IsReply() {
		t.Fatal("reply to known message: IsReply() = false, want true")
	}
	if got := msgs[1].ReplyToMessage(); got != msgs[0] {
		t.Errorf("reply to known message: ReplyToMessage() = %v, want %v", got, msgs[0])
	}
	if got, want := msgs[1].ReplyToSender(), aliceAddr; got != want {
		t.Errorf("reply to known message: ReplyToSender() = %q, want %q", got, want)
	}
}
