package state

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/chirpsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	appBucket     = []byte("app")
	uploadsBucket = []byte("uploads")
	tokenKey      = []byte("token")
	cursorKey     = []byte("cursor")
)

// BoltStore keeps state in a single bbolt file. Upload records are JSON
// values keyed by id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens the database at path, creating it and its directory if
// they do not exist.
func OpenBolt(path string) (*BoltStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(uploadsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Token returns the cached authentication token, or empty string.
func (s *BoltStore) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *BoltStore) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// Cursor returns the stored event sequence, zero if none.
func (s *BoltStore) Cursor() (int64, error) {
	var seq int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(cursorKey)
		if v == nil {
			return nil
		}

		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing cursor: %w", err)
		}

		seq = n

		return nil
	})

	return seq, err
}

// SetCursor persists the event sequence.
func (s *BoltStore) SetCursor(seq int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(cursorKey, []byte(strconv.FormatInt(seq, 10)))
	})
}

// PutUpload inserts or overwrites an upload record.
func (s *BoltStore) PutUpload(u models.Upload) error {
	if u.ID == "" {
		return fmt.Errorf("upload id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}

		return tx.Bucket(uploadsBucket).Put([]byte(u.ID), data)
	})
}

// GetUpload returns an upload record by id, or nil if not found.
func (s *BoltStore) GetUpload(id string) (*models.Upload, error) {
	var u *models.Upload

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		u = &models.Upload{}

		return json.Unmarshal(v, u)
	})

	return u, err
}

// DeleteUpload removes an upload record.
func (s *BoltStore) DeleteUpload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).Delete([]byte(id))
	})
}

// PendingUploads returns every non-absorbing upload, oldest first.
func (s *BoltStore) PendingUploads() ([]models.Upload, error) {
	var uploads []models.Upload

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).ForEach(func(k, v []byte) error {
			var u models.Upload
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decoding upload %s: %w", k, err)
			}

			if !u.Status.Absorbing() {
				uploads = append(uploads, u)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortUploads(uploads)

	return uploads, nil
}
