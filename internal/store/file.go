package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps one file per key in a directory. Writes go to a temporary
// file that is renamed over the target.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStore) read(key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to read %s", key)
	}
	return b, true, nil
}

func (s *FileStore) write(key string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %s", key)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to replace %s", key)
	}
	return nil
}

func (s *FileStore) LoadConversations(_ context.Context) ([]Conversation, bool, error) {
	b, found, err := s.read(ConversationsKey)
	if err != nil || !found {
		return nil, false, err
	}
	conversations, ok := decodeConversations(b)
	return conversations, ok, nil
}

func (s *FileStore) SaveConversations(_ context.Context, conversations []Conversation) error {
	b, err := encodeConversations(conversations)
	if err != nil {
		return err
	}
	return s.write(ConversationsKey, b)
}

func (s *FileStore) LoadTheme(_ context.Context) (Theme, error) {
	b, _, err := s.read(ThemeKey)
	if err != nil {
		return ThemeLight, err
	}
	return decodeTheme(strings.TrimSpace(string(b))), nil
}

func (s *FileStore) SaveTheme(_ context.Context, theme Theme) error {
	if _, err := ParseTheme(string(theme)); err != nil {
		return err
	}
	return s.write(ThemeKey, []byte(theme))
}
