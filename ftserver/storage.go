package ftserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

// ErrNotFound is returned by a [Storage] when the file does not exist.
const ErrNotFound errorutil.Error = "file not found"

// FileMeta describes a stored file.
type FileMeta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Until       time.Time `json:"until"`
}

// Storage stores uploaded files.
type Storage interface {
	// Put stores the file read from r and returns the number of stored bytes.
	Put(ctx context.Context, meta *FileMeta, r io.Reader) (int64, error)
	// Open opens the file for reading.
	Open(ctx context.Context, id string) (*FileMeta, io.ReadCloser, error)
	// Delete removes the file.
	Delete(ctx context.Context, id string) error
}

// MemoryStorage is an in-memory [Storage].
type MemoryStorage struct {
	mu    sync.RWMutex
	files map[string]memFile
}

type memFile struct {
	meta FileMeta
	data []byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{files: make(map[string]memFile)}
}

func (s *MemoryStorage) Put(ctx context.Context, meta *FileMeta, r io.Reader) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	if err := ctx.Err(); err != nil {
		return n, errtrace.Wrap(err)
	}

	meta.Size = n
	s.mu.Lock()
	s.files[meta.ID] = memFile{meta: *meta, data: buf.Bytes()}
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStorage) Open(_ context.Context, id string) (*FileMeta, io.ReadCloser, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, errtrace.Wrap(ErrNotFound)
	}
	meta := f.meta
	return &meta, io.NopCloser(bytes.NewReader(f.data)), nil
}

func (s *MemoryStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return errtrace.Wrap(ErrNotFound)
	}
	delete(s.files, id)
	return nil
}

// Len returns the number of stored files.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// DirStorage stores files in a directory, one data file and one metadata file per upload.
type DirStorage struct {
	dir string
}

// NewDirStorage creates the directory if needed and returns a storage backed by it.
func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &DirStorage{dir: dir}, nil
}

func (s *DirStorage) dataPath(id string) string { return filepath.Join(s.dir, filepath.Base(id)+".bin") }

func (s *DirStorage) metaPath(id string) string { return filepath.Join(s.dir, filepath.Base(id)+".json") }

func (s *DirStorage) Put(ctx context.Context, meta *FileMeta, r io.Reader) (int64, error) {
	f, err := os.OpenFile(s.dataPath(meta.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(s.dataPath(meta.ID))
		return n, errtrace.Wrap(err)
	}

	meta.Size = n
	data, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(s.dataPath(meta.ID))
		return n, errtrace.Wrap(err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), data, 0o640); err != nil {
		_ = os.Remove(s.dataPath(meta.ID))
		return n, errtrace.Wrap(err)
	}
	return n, nil
}

func (s *DirStorage) Open(_ context.Context, id string) (*FileMeta, io.ReadCloser, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errtrace.Wrap(ErrNotFound)
		}
		return nil, nil, errtrace.Wrap(err)
	}
	var meta FileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	f, err := os.Open(s.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errtrace.Wrap(ErrNotFound)
		}
		return nil, nil, errtrace.Wrap(err)
	}
	return &meta, f, nil
}

func (s *DirStorage) Delete(_ context.Context, id string) error {
	err := os.Remove(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return errtrace.Wrap(ErrNotFound)
	}
	return errtrace.Wrap(errors.Join(err, os.Remove(s.dataPath(id))))
}
