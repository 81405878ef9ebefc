package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/carebridge/caresync/internal/errs"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	sessionsBucket = []byte("sessions")

	activeSessionKey = []byte("active_session")
	cacheSaltKey     = []byte("cache_salt")
	syncMarkKey      = []byte("last_synced_at")
)

// Store is the durable local cache of conversation records, backed by
// bbolt. With a passphrase configured, records are encrypted at rest; an
// empty passphrase stores them in the clear.
type Store struct {
	db     *bolt.DB
	cipher *Cipher
	logger *slog.Logger
}

// Open opens the cache database at path, creating it and its directory
// if needed. The per-cache salt is created on first open and reused
// afterwards, so the same passphrase keeps decrypting existing records.
func Open(path, passphrase string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{appBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var cipher *Cipher
	if passphrase != "" {
		salt, err := loadOrCreateSalt(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		key, err := DeriveKey(passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
		cipher, err = NewCipher(key)
		ZeroKey(key)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db, cipher: cipher, logger: logger}, nil
}

func loadOrCreateSalt(db *bolt.DB) ([]byte, error) {
	var salt []byte
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(appBucket)
		if existing := bucket.Get(cacheSaltKey); existing != nil {
			salt = bytes.Clone(existing)
			return nil
		}
		fresh, err := NewSalt()
		if err != nil {
			return err
		}
		if err := bucket.Put(cacheSaltKey, fresh); err != nil {
			return fmt.Errorf("storing cache salt: %w", err)
		}
		salt = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return salt, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes rec and marks it as the active session.
func (s *Store) Save(rec *ConversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", rec.SessionID, err)
	}
	if s.cipher != nil {
		data, err = s.cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypting session %s: %w", rec.SessionID, err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(rec.SessionID), data); err != nil {
			return fmt.Errorf("storing session %s: %w", rec.SessionID, err)
		}
		if err := tx.Bucket(appBucket).Put(activeSessionKey, []byte(rec.SessionID)); err != nil {
			return fmt.Errorf("storing active session: %w", err)
		}
		return nil
	})
}

// Load reads one session record. Returns errs.ErrNotFound when no record
// exists and errs.ErrInvalidRecord when the stored bytes fail
// decryption, decoding, or structural validation.
func (s *Store) Load(sessionID string) (*ConversationRecord, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get([]byte(sessionID)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrNotFound)
	}

	rec, err := s.decodeRecord(sessionID, data)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w: %w", sessionID, errs.ErrInvalidRecord, err)
	}
	return rec, nil
}

func (s *Store) decodeRecord(sessionID string, data []byte) (*ConversationRecord, error) {
	var err error
	if s.cipher != nil {
		data, err = s.cipher.Decrypt(data)
		if err != nil {
			return nil, err
		}
	}
	var rec ConversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if err := validateRecord(sessionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// validateRecord rejects records that decoded but make no sense, such as
// a partially written or foreign entry.
func validateRecord(sessionID string, rec *ConversationRecord) error {
	if rec.SessionID != sessionID {
		return fmt.Errorf("session id mismatch: got %q", rec.SessionID)
	}
	if rec.CreatedAt.IsZero() || rec.LastActivity.IsZero() {
		return errors.New("missing timestamps")
	}
	for i, msg := range rec.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}
	}
	return nil
}

// Clear removes a session record. When it was the active session, the
// active pointer is removed too. Clearing an absent session is a no-op.
func (s *Store) Clear(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(sessionID)); err != nil {
			return fmt.Errorf("deleting session %s: %w", sessionID, err)
		}
		app := tx.Bucket(appBucket)
		if string(app.Get(activeSessionKey)) == sessionID {
			if err := app.Delete(activeSessionKey); err != nil {
				return fmt.Errorf("clearing active session: %w", err)
			}
		}
		return nil
	})
}

// CleanupExpired removes every non-active session record whose last
// activity is older than timeout. Unreadable records are removed too,
// since they can never be restored. Returns the number of records
// removed.
func (s *Store) CleanupExpired(timeout time.Duration) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		active := string(tx.Bucket(appBucket).Get(activeSessionKey))
		bucket := tx.Bucket(sessionsBucket)

		var stale [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) == active {
				continue
			}
			if s.staleValue(string(k), v, timeout) {
				stale = append(stale, bytes.Clone(k))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting session %s: %w", k, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Store) staleValue(sessionID string, data []byte, timeout time.Duration) bool {
	rec, err := s.decodeRecord(sessionID, data)
	if err != nil {
		s.logger.Warn("removing unreadable session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return true
	}
	return rec.Expired(timeout)
}

// ActiveSessionID returns the id of the last saved session, or "" when
// none exists.
func (s *Store) ActiveSessionID() string {
	var id string
	s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(appBucket).Get(activeSessionKey))
		return nil
	})
	return id
}

// SaveSyncMark persists the time of the last successful synchronization,
// so a restarted client knows how stale its cached view is.
func (s *Store) SaveSyncMark(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := t.UTC().MarshalText()
		if err != nil {
			return fmt.Errorf("encoding sync mark: %w", err)
		}
		if err := tx.Bucket(appBucket).Put(syncMarkKey, data); err != nil {
			return fmt.Errorf("storing sync mark: %w", err)
		}
		return nil
	})
}

// LastSyncMark returns the persisted sync mark. ok is false when none was
// ever saved or the stored value does not parse.
func (s *Store) LastSyncMark() (t time.Time, ok bool) {
	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(syncMarkKey); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if data == nil {
		return time.Time{}, false
	}
	if err := t.UnmarshalText(data); err != nil {
		s.logger.Warn("discarding unreadable sync mark", slog.String("error", err.Error()))
		return time.Time{}, false
	}
	return t, true
}

// Restore loads the active session record for startup. Corruption or a
// missing record degrades to a fresh empty record instead of an error;
// restored reports whether cached state was actually recovered.
func (s *Store) Restore() (rec *ConversationRecord, restored bool) {
	id := s.ActiveSessionID()
	if id == "" {
		return NewRecord(""), false
	}

	rec, err := s.Load(id)
	if err != nil {
		s.logger.Warn("discarding unusable cached session",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return NewRecord(""), false
	}
	return rec, true
}
