// Package sqlite implements the chat history store on top of SQLite.
//
// Each message is kept as a JSON snapshot keyed by its room and storage key.
// The message state lives in its own column so that state updates do not rewrite the snapshot.
package sqlite

//go:generate errtrace -w .

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"braces.dev/errtrace"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ghettovoice/sipchat/chat"
	"github.com/ghettovoice/sipchat/internal/errorutil"
	"github.com/ghettovoice/sipchat/log"
)

// ErrClosed is returned by a closed store.
const ErrClosed errorutil.Error = "store closed"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_local  TEXT NOT NULL,
	room_peer   TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	state       TEXT NOT NULL,
	snapshot    BLOB NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (room_local, room_peer, storage_key)
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_local, room_peer, seq);
`,
}

// Options configure a [Store].
type Options struct {
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Store is a [chat.Store] backed by a SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	closeOnce sync.Once
}

var (
	_ chat.Store       = (*Store)(nil)
	_ chat.RoomDeleter = (*Store)(nil)
)

// Open opens or creates the database at path and applies the schema migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(path string, opts *Options) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", filepath.ToSlash(path))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("open sqlite database: %w", err))
	}
	// one connection keeps writes serialized and an in-memory database alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errtrace.Wrap(fmt.Errorf("ping sqlite database: %w", err))
	}

	s := &Store{db: db, log: opts.log()}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, errtrace.Wrap(err)
	}
	s.log.LogAttrs(context.Background(), slog.LevelDebug, "chat store opened", slog.String("path", path))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return errtrace.Wrap(err)
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errtrace.Wrap(fmt.Errorf("read schema version: %w", err))
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("begin migration transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errtrace.Wrap(fmt.Errorf("apply migration %d: %w", i+1, err))
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errtrace.Wrap(fmt.Errorf("set schema version %d: %w", i+1, err))
		}
	}
	return errtrace.Wrap(tx.Commit())
}

func (s *Store) AppendMessage(ctx context.Context, room chat.RoomKey, msg *chat.MessageSnapshot) error {
	if msg == nil || msg.StorageKey == "" {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("message storage key is empty"))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("encode message snapshot: %w", err))
	}

	const query = `
		INSERT INTO messages (room_local, room_peer, storage_key, state, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_local, room_peer, storage_key) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, room.Local, room.Peer, msg.StorageKey, msg.State.String(), data); err != nil {
		return errtrace.Wrap(s.wrapErr("upsert message", err))
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context, room chat.RoomKey, limit int) ([]*chat.MessageSnapshot, error) {
	query := `
		SELECT state, snapshot
		FROM messages
		WHERE room_local = ? AND room_peer = ?
		ORDER BY seq DESC
	`
	args := []any{room.Local, room.Peer}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errtrace.Wrap(s.wrapErr("query history", err))
	}
	defer rows.Close()

	var out []*chat.MessageSnapshot
	for rows.Next() {
		var (
			state string
			data  []byte
		)
		if err := rows.Scan(&state, &data); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("scan message: %w", err))
		}
		var snap chat.MessageSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("decode message snapshot: %w", err))
		}
		if err := snap.State.UnmarshalText([]byte(state)); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("decode message state: %w", err))
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errtrace.Wrap(s.wrapErr("iterate history", err))
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) UpdateState(ctx context.Context, room chat.RoomKey, storageKey string, state chat.MessageState) error {
	const query = `
		UPDATE messages
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE room_local = ? AND room_peer = ? AND storage_key = ?
	`
	res, err := s.db.ExecContext(ctx, query, state.String(), room.Local, room.Peer, storageKey)
	if err != nil {
		return errtrace.Wrap(s.wrapErr("update message state", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("get affected rows: %w", err))
	}
	if n == 0 {
		return errtrace.Wrap(errorutil.NewWrapperError(chat.ErrMessageNotFound, storageKey))
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, room chat.RoomKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_local = ? AND room_peer = ?`, room.Local, room.Peer)
	if err != nil {
		return errtrace.Wrap(s.wrapErr("delete room", err))
	}
	if n, err := res.RowsAffected(); err == nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "room history deleted",
			slog.Any("room", room),
			slog.Int64("messages", n),
		)
	}
	return nil
}

// Rooms returns the keys of all rooms with stored messages.
func (s *Store) Rooms(ctx context.Context) ([]chat.RoomKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_local, room_peer
		FROM messages
		GROUP BY room_local, room_peer
		ORDER BY MIN(seq)
	`)
	if err != nil {
		return nil, errtrace.Wrap(s.wrapErr("query rooms", err))
	}
	defer rows.Close()

	var keys []chat.RoomKey
	for rows.Next() {
		var k chat.RoomKey
		if err := rows.Scan(&k.Local, &k.Peer); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("scan room: %w", err))
		}
		keys = append(keys, k)
	}
	return keys, errtrace.Wrap(rows.Err())
}

func (*Store) wrapErr(op string, err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return errorutil.NewWrapperError(ErrClosed, err) //errtrace:skip
	}
	return fmt.Errorf("%s: %w", op, err) //errtrace:skip
}
