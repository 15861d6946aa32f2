package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/whatsapp-automation/broadcaster/internal/fingerprint"
	"github.com/whatsapp-automation/broadcaster/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

const credentialExt = ".db"

// credentialStore keeps one sqlite file of Signal keys per session.
type credentialStore struct {
	dir string
	log waLog.Logger
}

func newCredentialStore(dir string, log waLog.Logger) (*credentialStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &credentialStore{dir: dir, log: log}, nil
}

func (s *credentialStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+credentialExt)
}

// open opens the session's store and returns its device, creating one when
// the file is new.
func (s *credentialStore) open(ctx context.Context, sessionID string) (*sqlstore.Container, *store.Device, error) {
	uri := fmt.Sprintf("file:%s?_foreign_keys=on", s.path(sessionID))
	container, err := sqlstore.New(ctx, "sqlite3", uri, s.log.Sub(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
		if err := container.PutDevice(ctx, device); err != nil {
			container.Close()
			return nil, nil, fmt.Errorf("failed to store device: %w", err)
		}
	}
	return container, device, nil
}

func (s *credentialStore) exists(sessionID string) bool {
	_, err := os.Stat(s.path(sessionID))
	return err == nil
}

func (s *credentialStore) remove(sessionID string) error {
	base := s.path(sessionID)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
	}
	return nil
}

// list returns the ids of every stored session, sorted.
func (s *credentialStore) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+credentialExt))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), credentialExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionMeta is what the service remembers about a session outside the
// protocol store.
type SessionMeta struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"ownerId"`
	Phone           string             `json:"phone,omitempty"`
	JID             string             `json:"jid,omitempty"`
	Device          fingerprint.Device `json:"device"`
	CreatedAt       time.Time          `json:"createdAt"`
	LastConnectedAt time.Time          `json:"lastConnectedAt,omitempty"`
}

const metaKey = "meta"

type metaStore struct {
	kv storage.Store
}

func (s metaStore) save(ctx context.Context, meta SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}
	return s.kv.Set(ctx, storage.BucketSessions, storage.SessionKey(meta.ID, metaKey), data)
}

// load returns the stored meta, or ok=false when none exists.
func (s metaStore) load(ctx context.Context, sessionID string) (SessionMeta, bool, error) {
	data, err := s.kv.Get(ctx, storage.BucketSessions, storage.SessionKey(sessionID, metaKey))
	if errors.Is(err, storage.ErrNotFound) {
		return SessionMeta{}, false, nil
	}
	if err != nil {
		return SessionMeta{}, false, err
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, false, fmt.Errorf("failed to decode session meta %s: %w", sessionID, err)
	}
	return meta, true, nil
}

func (s metaStore) delete(ctx context.Context, sessionID string) error {
	return s.kv.Delete(ctx, storage.BucketSessions, storage.SessionKey(sessionID, metaKey))
}
