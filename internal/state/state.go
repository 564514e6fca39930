// Package state persists client state across restarts using bbolt.
// It holds the auth token, the sync session identity (run ID and last
// received sync ID), the queued-command snapshot, and the global
// profile cache.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketApp      = "app"
	bucketSession  = "session"
	bucketQueue    = "queue"
	bucketProfiles = "profiles"

	keyToken          = "token"
	keySession        = "session"
	keyQueueSnapshot  = "snapshot"
	keyGlobalProfiles = "global"
)

// Session identifies a sync session on the server. A run ID change on
// reconnect means the server lost the session and cached state derived
// from it must be discarded.
type Session struct {
	RunID          string `json:"run_id"`
	LastReceivedID int64  `json:"last_received_id"`
}

// Store wraps the bbolt database holding all persisted client state.
type Store struct {
	db *bolt.DB
}

// DefaultPath returns the default state database location,
// ~/.gomuks-client/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(home, ".gomuks-client", "state.db"), nil
}

// Load opens the state database at the default path, creating the
// directory and required buckets if needed.
func Load() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens the state database at an explicit path. Tests use this
// with t.TempDir to isolate state.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketApp, bucketSession, bucketQueue, bucketProfiles} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(bucket, key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}

		return nil
	})

	return out, err
}

func (s *Store) put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), value)
	})
}

func (s *Store) delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// Token returns the cached auth token, or empty string when absent.
func (s *Store) Token() (string, error) {
	v, err := s.get(bucketApp, keyToken)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	return string(v), nil
}

// SetToken stores the auth token.
func (s *Store) SetToken(token string) error {
	if err := s.put(bucketApp, keyToken, []byte(token)); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}

	return nil
}

// Session returns the persisted sync session, or nil when none exists.
func (s *Store) Session() (*Session, error) {
	v, err := s.get(bucketSession, keySession)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	if v == nil {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(v, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	return &sess, nil
}

// SetSession persists the sync session identity.
func (s *Store) SetSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := s.put(bucketSession, keySession, data); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

// ClearSession removes the persisted sync session. Used when the server
// reports a new run ID and all derived state must be rebuilt.
func (s *Store) ClearSession() error {
	if err := s.delete(bucketSession, keySession); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return nil
}

// QueueSnapshot returns the serialized queued-command snapshot saved by
// the last disconnected shutdown, or nil when none exists.
func (s *Store) QueueSnapshot() ([]byte, error) {
	v, err := s.get(bucketQueue, keyQueueSnapshot)
	if err != nil {
		return nil, fmt.Errorf("reading queue snapshot: %w", err)
	}

	return v, nil
}

// SetQueueSnapshot persists the serialized queued-command snapshot.
func (s *Store) SetQueueSnapshot(data []byte) error {
	if err := s.put(bucketQueue, keyQueueSnapshot, data); err != nil {
		return fmt.Errorf("storing queue snapshot: %w", err)
	}

	return nil
}

// ClearQueueSnapshot removes the queued-command snapshot, typically
// after it has been reloaded into memory.
func (s *Store) ClearQueueSnapshot() error {
	if err := s.delete(bucketQueue, keyQueueSnapshot); err != nil {
		return fmt.Errorf("clearing queue snapshot: %w", err)
	}

	return nil
}

// GlobalProfiles returns the serialized global profile cache, or nil
// when none exists.
func (s *Store) GlobalProfiles() ([]byte, error) {
	v, err := s.get(bucketProfiles, keyGlobalProfiles)
	if err != nil {
		return nil, fmt.Errorf("reading profiles: %w", err)
	}

	return v, nil
}

// SetGlobalProfiles persists the serialized global profile cache.
func (s *Store) SetGlobalProfiles(data []byte) error {
	if err := s.put(bucketProfiles, keyGlobalProfiles, data); err != nil {
		return fmt.Errorf("storing profiles: %w", err)
	}

	return nil
}

// Wipe deletes all persisted state. Used on logout and on full refresh
// when the server indicates cached state is no longer valid.
func (s *Store) Wipe() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketApp, bucketSession, bucketQueue, bucketProfiles} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}

			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("wiping state: %w", err)
	}

	return nil
}
