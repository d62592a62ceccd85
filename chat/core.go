package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/fthttp"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/timeutil"
	"github.com/ghettovoice/sipchat/internal/types"
	"github.com/ghettovoice/sipchat/log"
)

const (
	defImdnThreshold      = 1
	defDedupWindow        = 5 * time.Minute
	defIterateInterval    = 20 * time.Millisecond
	defTransactionTimeout = 64 * 500 * time.Millisecond // 64*T1
)

// ImNotifPolicy toggles sending and honoring of delivery and display notifications.
type ImNotifPolicy struct {
	SendDelivery bool `json:"send_delivery" yaml:"send_delivery" mapstructure:"send_delivery"`
	SendDisplay  bool `json:"send_display" yaml:"send_display" mapstructure:"send_display"`
	RecvDelivery bool `json:"recv_delivery" yaml:"recv_delivery" mapstructure:"recv_delivery"`
	RecvDisplay  bool `json:"recv_display" yaml:"recv_display" mapstructure:"recv_display"`
}

// DefaultImNotifPolicy returns a policy with every notification enabled.
func DefaultImNotifPolicy() *ImNotifPolicy {
	return &ImNotifPolicy{SendDelivery: true, SendDisplay: true, RecvDelivery: true, RecvDisplay: true}
}

// FileTransferOptions configure the file transfer modifier.
type FileTransferOptions struct {
	// ServerURL is the upload URL of the file transfer server.
	// Messages with file contents cannot be sent when it is empty.
	ServerURL string
	// Client is the HTTP client used for transfers.
	// If nil, a client is built from ClientOptions.
	Client *fthttp.Client
	// ClientOptions are used to build the client when Client is nil.
	ClientOptions *fthttp.ClientOptions
	// DownloadDir is the directory where incoming files are stored when no path is given.
	// If empty, the OS temporary directory is used.
	DownloadDir string
	// AutoDownload is the auto-download policy. Nil disables auto-download.
	AutoDownload *AutoDownloadPolicy
}

// CoreOptions are the options of a [Core].
type CoreOptions struct {
	// Transport sends MESSAGE requests. Required.
	Transport Transport
	// Store persists chat history.
	// If nil, an in-memory store is used.
	Store Store
	// Encryption is the optional encryption engine.
	Encryption EncryptionEngine
	// FileTransfer configures file transfers.
	FileTransfer *FileTransferOptions
	// AggregationDelay is how long acknowledgements are collected before a batch is sent.
	// If zero, the batch is sent on the next [Core.Iterate].
	AggregationDelay time.Duration
	// ImdnToEverybodyThreshold is the maximum number of participants acknowledged individually.
	// If zero, 1 is used.
	ImdnToEverybodyThreshold int
	// ImNotifPolicy is the default notification policy of rooms.
	// If nil, every notification is enabled.
	ImNotifPolicy *ImNotifPolicy
	// DedupWindow is how long received message identities are remembered.
	// If zero, 5 minutes is used.
	DedupWindow time.Duration
	// TransactionTimeout is how long a sent request waits for a final response
	// before it is forgotten.
	// If zero, 32 seconds is used.
	TransactionTimeout time.Duration
	// ResendKeepsMessageID keeps the message id on automatic resends instead of generating a new one.
	ResendKeepsMessageID bool
	// CPIM enables CPIM envelopes in rooms created without explicit options.
	CPIM bool
	// Registry lists the content types accepted on receive.
	// If nil, the [DefaultRegistry] is used.
	Registry *Registry
	// HistoryLimit is the number of messages loaded per room. Zero means all.
	HistoryLimit int
	// IterateInterval is the [Core.Run] tick interval.
	// If zero, 20ms is used.
	IterateInterval time.Duration
	// Clock returns the current time.
	// If nil, [time.Now] is used.
	Clock timeutil.Clock
	// Log is the logger.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *CoreOptions) store() Store {
	if o == nil || o.Store == nil {
		return NewMemoryStore()
	}
	return o.Store
}

func (o *CoreOptions) imdnThreshold() int {
	if o == nil || o.ImdnToEverybodyThreshold <= 0 {
		return defImdnThreshold
	}
	return o.ImdnToEverybodyThreshold
}

func (o *CoreOptions) imNotifPolicy() ImNotifPolicy {
	if o == nil || o.ImNotifPolicy == nil {
		return *DefaultImNotifPolicy()
	}
	return *o.ImNotifPolicy
}

func (o *CoreOptions) dedupWindow() time.Duration {
	if o == nil || o.DedupWindow <= 0 {
		return defDedupWindow
	}
	return o.DedupWindow
}

func (o *CoreOptions) transactionTimeout() time.Duration {
	if o == nil || o.TransactionTimeout <= 0 {
		return defTransactionTimeout
	}
	return o.TransactionTimeout
}

func (o *CoreOptions) registry() *Registry {
	if o == nil || o.Registry == nil {
		return DefaultRegistry()
	}
	return o.Registry
}

func (o *CoreOptions) iterateInterval() time.Duration {
	if o == nil || o.IterateInterval <= 0 {
		return defIterateInterval
	}
	return o.IterateInterval
}

func (o *CoreOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *CoreOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *CoreOptions) ftClient() *fthttp.Client {
	if o == nil || o.FileTransfer == nil {
		return nil
	}
	if o.FileTransfer.Client != nil {
		return o.FileTransfer.Client
	}
	if o.FileTransfer.ServerURL == "" && o.FileTransfer.ClientOptions == nil {
		return nil
	}
	opts := o.FileTransfer.ClientOptions
	if opts == nil {
		opts = &fthttp.ClientOptions{Log: o.log()}
	}
	return fthttp.NewClient(opts)
}

// Core is the chat engine. It owns chat rooms and runs the cooperative loop.
type Core struct {
	opts      CoreOptions
	transport Transport
	store     Store
	engine    EncryptionEngine
	cipher    FileCipher
	ftClient  *fthttp.Client
	registry  *Registry
	now       timeutil.Clock
	log       *slog.Logger
	stats     StatsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []func()
	queue     types.Queue[func()]
	wake      chan struct{}
	sched     timeutil.Scheduler
	rooms     map[RoomKey]*ChatRoom
	roomOrder []*ChatRoom
	requests  map[string]*pendingRequest
	outByID   map[string]*ChatMessage
	imdnDirty []*ChatRoom
	reachable bool
	reachGen  uint64

	uploads     sync.WaitGroup
	workers     sync.WaitGroup
	remainingDL atomic.Int64
	stopped     atomic.Bool

	onStateChanged  types.CallbackManager[func(msg *ChatMessage, state MessageState)]
	onSent          types.CallbackManager[func(msg *ChatMessage)]
	onReceived      types.CallbackManager[func(room *ChatRoom, msg *ChatMessage)]
	onRecvErr       types.CallbackManager[func(room *ChatRoom, msg *ChatMessage, err error)]
	onFTProgress    types.CallbackManager[func(msg *ChatMessage, c *Content, percent int)]
	onFTTerminated  types.CallbackManager[func(msg *ChatMessage, err error)]
	onUnreadChanged types.CallbackManager[func(room *ChatRoom, unread int)]
	onReaction      types.CallbackManager[func(msg *ChatMessage, sender, emoji string)]
}

// NewCore creates a new chat engine.
func NewCore(opts *CoreOptions) (*Core, error) {
	if opts == nil || opts.Transport == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("transport is required"))
	}

	c := &Core{
		opts:      *opts,
		store:     opts.store(),
		engine:    opts.Encryption,
		ftClient:  opts.ftClient(),
		registry:  opts.registry(),
		now:       opts.clock(),
		log:       opts.log(),
		wake:      make(chan struct{}, 1),
		rooms:     make(map[RoomKey]*ChatRoom),
		requests:  make(map[string]*pendingRequest),
		outByID:   make(map[string]*ChatMessage),
		reachable: true,
	}
	c.transport = c.stats.Transport(opts.Transport)
	if fc, ok := opts.Encryption.(FileCipher); ok {
		c.cipher = fc
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Core) lock() { c.mu.Lock() }

// unlock releases the loop lock and then runs the collected application callbacks.
func (c *Core) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// notify defers an application callback until the loop lock is released.
func (c *Core) notify(fn func()) { c.pending = append(c.pending, fn) }

// post schedules fn on the core loop. It is safe to call from any goroutine.
func (c *Core) post(fn func()) {
	c.queue.Push(fn)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Iterate runs one loop iteration: it drains the completion queue, fires due timers
// and flushes zero-delay notification batches.
func (c *Core) Iterate() {
	c.lock()
	defer c.unlock()

	for {
		batch := c.queue.Drain()
		if len(batch) == 0 {
			break
		}
		for _, fn := range batch {
			fn()
		}
	}
	c.sched.Fire(c.now())

	dirty := c.imdnDirty
	c.imdnDirty = nil
	for _, room := range dirty {
		c.flushImdn(room)
	}
}

// Run drives [Core.Iterate] until the context is done.
func (c *Core) Run(ctx context.Context) error {
	tick := time.NewTicker(c.opts.iterateInterval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case <-tick.C:
		case <-c.wake:
		}
		c.Iterate()
	}
}

// Stop stops the engine. In-flight uploads are awaited until ctx is done, then they are
// cancelled and their messages are persisted so that the next start resumes them.
// Downloads are cancelled immediately.
func (c *Core) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.uploads.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.suspendUploads()
		<-done
	}

	c.Iterate()
	c.suspendAll()
	c.cancel()
	c.workers.Wait()
	c.queue.Drain()
	if c.ftClient != nil {
		c.ftClient.CloseIdleConnections()
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "chat core stopped")
	return errtrace.Wrap(err)
}

func (c *Core) suspendUploads() {
	c.lock()
	defer c.unlock()
	for _, room := range c.roomOrder {
		for _, m := range room.allMessages() {
			if !m.uploading {
				continue
			}
			m.suspended = true
			c.persist(m)
			m.cancelTransfers()
		}
	}
}

func (c *Core) suspendAll() {
	c.lock()
	defer c.unlock()
	for _, room := range c.roomOrder {
		for _, m := range room.allMessages() {
			if m.uploading || m.downloads > 0 {
				m.suspended = true
				c.persist(m)
				m.cancelTransfers()
			}
		}
	}
}

// Stopped reports whether [Core.Stop] was called.
func (c *Core) Stopped() bool { return c.stopped.Load() }

// ChatRoom returns the room of the local and peer addresses, creating it when missing.
// A new room loads its history from the store. Options are applied only to new rooms.
func (c *Core) ChatRoom(ctx context.Context, local, peer string, opts *RoomOptions) (*ChatRoom, error) {
	if c.stopped.Load() {
		return nil, errtrace.Wrap(ErrCoreStopped)
	}
	key := RoomKey{Local: normalizeAddr(local), Peer: normalizeAddr(peer)}
	if key.Local == "" || key.Peer == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("room addresses are required"))
	}

	c.lock()
	defer c.unlock()
	if room, ok := c.rooms[key]; ok {
		return room, nil
	}
	room, err := c.createRoom(ctx, key, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return room, nil
}

// FindChatRoom returns an existing room.
func (c *Core) FindChatRoom(local, peer string) (*ChatRoom, bool) {
	c.lock()
	defer c.unlock()
	room, ok := c.rooms[RoomKey{Local: normalizeAddr(local), Peer: normalizeAddr(peer)}]
	return room, ok
}

// ChatRooms returns all rooms in creation order.
func (c *Core) ChatRooms() []*ChatRoom {
	c.lock()
	defer c.unlock()
	return slices.Clone(c.roomOrder)
}

// DeleteChatRoom deletes the room and its history. In-flight messages of the room are orphaned:
// their transfers are cancelled and their later events are silently dropped.
func (c *Core) DeleteChatRoom(ctx context.Context, room *ChatRoom) error {
	c.lock()
	defer c.unlock()

	if c.rooms[room.key] != room {
		return errtrace.Wrap(ErrRoomDeleted)
	}
	room.markDeleted()
	delete(c.rooms, room.key)
	c.roomOrder = slices.DeleteFunc(c.roomOrder, func(r *ChatRoom) bool { return r == room })
	c.imdnDirty = slices.DeleteFunc(c.imdnDirty, func(r *ChatRoom) bool { return r == room })
	if room.imdnq.timer != nil {
		c.sched.Stop(room.imdnq.timer)
		room.imdnq.timer = nil
	}
	for _, m := range room.allMessages() {
		m.cancelTransfers()
	}
	c.forgetRoom(room.key)

	c.log.LogAttrs(ctx, slog.LevelDebug, "chat room deleted", slog.Any("room", room))

	if d, ok := c.store.(RoomDeleter); ok {
		if err := d.DeleteRoom(ctx, room.key); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

// SetNetworkReachable updates the network reachability. On every false to true transition
// pending and transiently failed messages are resent once and failed transfers are retried once.
func (c *Core) SetNetworkReachable(reachable bool) {
	c.lock()
	defer c.unlock()

	prev := c.reachable
	c.reachable = reachable
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "network reachability changed", slog.Bool("reachable", reachable))
	if prev || !reachable {
		return
	}

	c.reachGen++
	c.resendAll(true)
	for _, room := range c.roomOrder {
		if len(room.imdnq.entries) > 0 {
			c.markImdnDirty(room)
		}
	}
}

// NetworkReachable reports the current network reachability.
func (c *Core) NetworkReachable() bool {
	c.lock()
	defer c.unlock()
	return c.reachable
}

// RegistrationRefreshed retries failed file transfers once.
func (c *Core) RegistrationRefreshed() {
	c.lock()
	defer c.unlock()

	c.reachGen++
	c.resendAll(false)
}

// RemainingDownloads returns the number of running downloads.
func (c *Core) RemainingDownloads() int { return int(c.remainingDL.Load()) }

// Stats returns the engine statistics.
func (c *Core) Stats() StatsReport { return c.stats.Report() }

// OnMessageStateChanged registers a callback called on every message state change.
func (c *Core) OnMessageStateChanged(fn func(msg *ChatMessage, state MessageState)) (cancel func()) {
	return c.onStateChanged.Add(fn)
}

// OnMessageSent registers a callback called once per message when it is accepted by the transport.
func (c *Core) OnMessageSent(fn func(msg *ChatMessage)) (cancel func()) {
	return c.onSent.Add(fn)
}

// OnMessageReceived registers a callback called for every new incoming message of unmuted rooms.
func (c *Core) OnMessageReceived(fn func(room *ChatRoom, msg *ChatMessage)) (cancel func()) {
	return c.onReceived.Add(fn)
}

// OnReceiveError registers a callback called when an incoming message cannot be materialized.
// The message may be nil when the request could not be decoded.
func (c *Core) OnReceiveError(fn func(room *ChatRoom, msg *ChatMessage, err error)) (cancel func()) {
	return c.onRecvErr.Add(fn)
}

// OnFileTransferProgress registers a callback called with the transfer percentage.
func (c *Core) OnFileTransferProgress(fn func(msg *ChatMessage, content *Content, percent int)) (cancel func()) {
	return c.onFTProgress.Add(fn)
}

// OnFileTransferTerminated registers a callback called when all transfers of a message end.
func (c *Core) OnFileTransferTerminated(fn func(msg *ChatMessage, err error)) (cancel func()) {
	return c.onFTTerminated.Add(fn)
}

// OnUnreadCountChanged registers a callback called when the unread counter of a room changes.
func (c *Core) OnUnreadCountChanged(fn func(room *ChatRoom, unread int)) (cancel func()) {
	return c.onUnreadChanged.Add(fn)
}

// OnReactionReceived registers a callback called when a reaction to a message is received.
// An empty emoji removes the sender reaction.
func (c *Core) OnReactionReceived(fn func(msg *ChatMessage, sender, emoji string)) (cancel func()) {
	return c.onReaction.Add(fn)
}

func (c *Core) messageStateChanged(m *ChatMessage, state MessageState) {
	room := m.ChatRoom()
	if room == nil {
		return
	}
	if m.inHistory {
		if err := c.store.UpdateState(c.ctx, m.key, m.storageKey, state); err != nil {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to persist message state",
				slog.Any("message", m),
				slog.Any("error", err),
			)
		}
	}
	room.updateTransient(m, state)
	if m.dir == Outgoing && !m.awaitsNotifications(room, state) {
		c.unindexOutgoing(m)
	}
	c.notify(func() {
		for fn := range c.onStateChanged.All() {
			fn(m, state)
		}
	})
}

func (c *Core) notifySent(m *ChatMessage) {
	if m.ChatRoom() == nil {
		return
	}
	c.notify(func() {
		for fn := range c.onSent.All() {
			fn(m)
		}
	})
}

func (c *Core) notifyReceived(room *ChatRoom, m *ChatMessage) {
	c.notify(func() {
		for fn := range c.onReceived.All() {
			fn(room, m)
		}
	})
}

func (c *Core) notifyReceiveError(room *ChatRoom, m *ChatMessage, err error) {
	c.stats.receiveFailed()
	c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to receive message",
		slog.Any("room", room),
		slog.Any("message", m),
		slog.Any("error", err),
	)
	c.notify(func() {
		for fn := range c.onRecvErr.All() {
			fn(room, m, err)
		}
	})
}

func (c *Core) notifyProgress(m *ChatMessage, ct *Content, percent int) {
	if m.ChatRoom() == nil {
		return
	}
	c.notify(func() {
		for fn := range c.onFTProgress.All() {
			fn(m, ct, percent)
		}
	})
}

func (c *Core) notifyTransferTerminated(m *ChatMessage, err error) {
	if m.ChatRoom() == nil {
		return
	}
	c.notify(func() {
		for fn := range c.onFTTerminated.All() {
			fn(m, err)
		}
	})
}

func (c *Core) notifyUnread(room *ChatRoom, unread int) {
	c.notify(func() {
		for fn := range c.onUnreadChanged.All() {
			fn(room, unread)
		}
	})
}

func (c *Core) notifyReaction(m *ChatMessage, sender, emoji string) {
	c.notify(func() {
		for fn := range c.onReaction.All() {
			fn(m, sender, emoji)
		}
	})
}

func (c *Core) persist(m *ChatMessage) {
	if !m.inHistory || m.ChatRoom() == nil {
		return
	}
	if err := c.store.AppendMessage(c.ctx, m.key, m.Snapshot()); err != nil {
		c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to persist message",
			slog.Any("message", m),
			slog.Any("error", err),
		)
	}
}

func (c *Core) fileTransferOpts() *FileTransferOptions {
	if c.opts.FileTransfer == nil {
		return &FileTransferOptions{}
	}
	return c.opts.FileTransfer
}
