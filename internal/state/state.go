// Package state persists everything that must survive a restart: the
// upload queue (payload plus metadata), the cached credential and the
// inbound event cursor. Backends are swappable behind Store and chosen
// once at startup.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/models"
)

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chirpsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the database lock.
	stateOpenTimeout = 5 * time.Second
)

// Store is the durable queue store. Single-key operations are atomic;
// callers need no further locking.
type Store interface {
	// PutUpload inserts or overwrites the record with u.ID.
	PutUpload(u models.Upload) error
	// GetUpload returns the record, or nil if it does not exist.
	GetUpload(id string) (*models.Upload, error)
	// DeleteUpload removes the record. Deleting a missing id is not an error.
	DeleteUpload(id string) error
	// PendingUploads returns every record whose status is not completed or
	// cancelled, oldest first.
	PendingUploads() ([]models.Upload, error)

	// Token returns the cached credential, or empty string.
	Token() string
	SetToken(token string) error

	// Cursor returns the highest inbound event sequence applied.
	Cursor() (int64, error)
	SetCursor(seq int64) error

	Close() error
}

// Open returns the backend named by backend. path is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBolt:
		return OpenBolt(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	return nil
}

func sortUploads(uploads []models.Upload) {
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].CreatedAt.Equal(uploads[j].CreatedAt) {
			return uploads[i].ID < uploads[j].ID
		}

		return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
	})
}
