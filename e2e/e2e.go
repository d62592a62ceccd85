// Package e2e implements an end-to-end encryption engine for chat messages.
//
// Message contents are sealed with NaCl box between the local key pair and the peer public key.
// Transferred files are sealed with NaCl secretbox under a random per-file key carried in the
// file transfer document. The engine runs either synchronously or deferred, completing every call
// from a background goroutine through the resumption token.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/textproto"
	"sync"

	"braces.dev/errtrace"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/internal/mimeutil"
	"github.com/ghettovoice/sipchat/log"
)

//go:generate errtrace -w .

// ContentType is the content type of sealed message bodies.
const ContentType = "application/x-sipchat-e2e"

const (
	ErrUnknownPeer   errorutil.Error = "unknown peer key"
	ErrDecryptFailed errorutil.Error = "decryption failed"
)

const (
	nonceSize = 24
	keySize   = 32
)

// Key is a Curve25519 key.
type Key = [keySize]byte

// GenerateKey generates a new key pair.
func GenerateKey() (pub, priv *Key, err error) {
	pub, priv, err = box.GenerateKey(rand.Reader)
	return pub, priv, errtrace.Wrap(err)
}

// Options are the options of an [Engine].
type Options struct {
	// Peers are the known peer public keys by address.
	Peers map[string]*Key
	// Deferred makes every call complete asynchronously.
	Deferred bool
	// Log is the logger.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Engine is a [chat.EncryptionEngine] and a [chat.FileCipher].
type Engine struct {
	priv     *Key
	pub      *Key
	deferred bool
	log      *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Key

	wg sync.WaitGroup
}

// New creates an engine for the local key pair.
func New(pub, priv *Key, opts *Options) *Engine {
	e := &Engine{
		priv:  priv,
		pub:   pub,
		log:   opts.log(),
		peers: make(map[string]*Key),
	}
	if opts != nil {
		e.deferred = opts.Deferred
		for addr, k := range opts.Peers {
			e.peers[addr] = k
		}
	}
	return e
}

// PublicKey returns the local public key.
func (e *Engine) PublicKey() *Key { return e.pub }

// AddPeer registers the public key of a peer address.
func (e *Engine) AddPeer(addr string, pub *Key) {
	e.mu.Lock()
	e.peers[addr] = pub
	e.mu.Unlock()
}

func (e *Engine) peer(addr string) (*Key, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.peers[addr]
	return k, ok
}

// Wait blocks until all deferred calls complete.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(res *chat.Resumption, fn func() chat.EncryptionResult) chat.EncryptionResult {
	if !e.deferred {
		return fn()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := res.Resume(fn()); err != nil {
			e.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to resume message processing", slog.Any("error", err))
		}
	}()
	return chat.Deferred()
}

func (e *Engine) ProcessOutgoing(ctx context.Context, msg *chat.ChatMessage, contents []*chat.Content, res *chat.Resumption) chat.EncryptionResult {
	peerKey, ok := e.peer(msg.To())
	if !ok {
		return chat.NotApplicable()
	}

	ct, body, err := innerPayload(contents)
	if err != nil {
		return chat.EncryptionFailed(err)
	}
	return e.run(res, func() chat.EncryptionResult {
		sealed, err := e.seal(peerKey, ct, body)
		if err != nil {
			return chat.EncryptionFailed(err)
		}
		e.log.LogAttrs(ctx, slog.LevelDebug, "message sealed", slog.String("to", msg.To()), slog.Int("size", len(sealed)))
		return chat.Applicable(ContentType, chat.NewContent(ContentType, sealed))
	})
}

func (e *Engine) ProcessIncoming(ctx context.Context, msg *chat.ChatMessage, contents []*chat.Content, res *chat.Resumption) chat.EncryptionResult {
	if len(contents) != 1 || contents[0].MediaType() != ContentType {
		return chat.NotApplicable()
	}
	peerKey, ok := e.peer(msg.From())
	if !ok {
		return chat.EncryptionFailed(errorutil.NewWrapperError(ErrUnknownPeer, msg.From()))
	}

	sealed := contents[0].Body()
	return e.run(res, func() chat.EncryptionResult {
		ct, body, err := e.open(peerKey, sealed)
		if err != nil {
			return chat.EncryptionFailed(err)
		}
		e.log.LogAttrs(ctx, slog.LevelDebug, "message opened", slog.String("from", msg.From()), slog.String("content_type", ct))
		return chat.Applicable(ct, chat.NewContent(ct, body))
	})
}

func innerPayload(contents []*chat.Content) (string, []byte, error) {
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

func (e *Engine) seal(peerKey *Key, ct string, body []byte) ([]byte, error) {
	var inner bytes.Buffer
	inner.WriteString("Content-Type: " + ct + "\r\n\r\n")
	inner.Write(body)

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return box.Seal(nonce[:], inner.Bytes(), &nonce, peerKey, e.priv), nil
}

func (e *Engine) open(peerKey *Key, sealed []byte) (string, []byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return "", nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDecryptFailed, "message too short"))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	inner, ok := box.Open(nil, sealed[nonceSize:], &nonce, peerKey, e.priv)
	if !ok {
		return "", nil, errtrace.Wrap(ErrDecryptFailed)
	}

	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(inner)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil {
		return "", nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDecryptFailed, err))
	}
	body, err := io.ReadAll(r.R)
	if err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	return hdr.Get("Content-Type"), body, nil
}

// CiphersFiles reports whether files sent to the room are ciphered: the peer key must be known.
func (e *Engine) CiphersFiles(room *chat.ChatRoom) bool {
	_, ok := e.peer(room.PeerAddress())
	return ok
}

// EncryptFile seals the file under a new random key.
func (*Engine) EncryptFile(_ context.Context, _ *chat.ChatMessage, _ *chat.Content, data []byte) (ciphered, key []byte, err error) {
	var (
		k     [keySize]byte
		nonce [nonceSize]byte
	)
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	return secretbox.Seal(nonce[:], data, &nonce, &k), k[:], nil
}

// DecryptFile opens a file sealed by [Engine.EncryptFile].
func (*Engine) DecryptFile(_ context.Context, _ *chat.ChatMessage, _ *chat.Content, key, data []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid file key size %d", len(key)))
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDecryptFailed, "file too short"))
	}
	var (
		k     [keySize]byte
		nonce [nonceSize]byte
	)
	copy(k[:], key)
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &k)
	if !ok {
		return nil, errtrace.Wrap(ErrDecryptFailed)
	}
	return plain, nil
}
