package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/models"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	id          TEXT PRIMARY KEY,
	data        BLOB NOT NULL,
	file_name   TEXT NOT NULL DEFAULT '',
	mime_type   TEXT NOT NULL DEFAULT '',
	message_id  TEXT NOT NULL DEFAULT '',
	chat_id     TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	progress    INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	subtype     TEXT NOT NULL DEFAULT '',
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);
CREATE TABLE IF NOT EXISTS app (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const uploadColumns = `id, data, file_name, mime_type, message_id, chat_id, priority,
	status, progress, retry_count, created_at, subtype, last_error`

// SQLiteStore keeps the upload queue as a table, one row per item.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", stateOpenTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getValue(key string) (string, bool, error) {
	var v string

	err := s.db.QueryRow("SELECT value FROM app WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

func (s *SQLiteStore) setValue(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO app (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)

	return err
}

// Token returns the cached authentication token, or empty string.
func (s *SQLiteStore) Token() string {
	v, _, _ := s.getValue("token")
	return v
}

// SetToken persists the authentication token.
func (s *SQLiteStore) SetToken(token string) error {
	return s.setValue("token", token)
}

// Cursor returns the stored event sequence, zero if none.
func (s *SQLiteStore) Cursor() (int64, error) {
	v, ok, err := s.getValue("cursor")
	if err != nil || !ok {
		return 0, err
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cursor: %w", err)
	}

	return n, nil
}

// SetCursor persists the event sequence.
func (s *SQLiteStore) SetCursor(seq int64) error {
	return s.setValue("cursor", strconv.FormatInt(seq, 10))
}

// PutUpload inserts or overwrites an upload row.
func (s *SQLiteStore) PutUpload(u models.Upload) error {
	if u.ID == "" {
		return fmt.Errorf("upload id is required for persistence")
	}

	var lastErr sql.NullString
	if u.LastError != "" {
		lastErr = sql.NullString{String: u.LastError, Valid: true}
	}

	data := u.Data
	if data == nil {
		data = []byte{}
	}

	_, err := s.db.Exec(`INSERT OR REPLACE INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, data, u.FileName, u.MIMEType, u.MessageID, u.ChatID, u.Priority,
		string(u.Status), u.Progress, u.RetryCount, u.CreatedAt.UnixNano(), u.Subtype, lastErr)
	if err != nil {
		return fmt.Errorf("writing upload %s: %w", u.ID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (models.Upload, error) {
	var (
		u         models.Upload
		status    string
		createdAt int64
		lastErr   sql.NullString
	)

	err := row.Scan(&u.ID, &u.Data, &u.FileName, &u.MIMEType, &u.MessageID, &u.ChatID,
		&u.Priority, &status, &u.Progress, &u.RetryCount, &createdAt, &u.Subtype, &lastErr)
	if err != nil {
		return models.Upload{}, err
	}

	u.Status = models.UploadStatus(status)
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.LastError = lastErr.String

	return u, nil
}

// GetUpload returns an upload row by id, or nil if not found.
func (s *SQLiteStore) GetUpload(id string) (*models.Upload, error) {
	row := s.db.QueryRow("SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id)

	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading upload %s: %w", id, err)
	}

	return &u, nil
}

// DeleteUpload removes an upload row.
func (s *SQLiteStore) DeleteUpload(id string) error {
	_, err := s.db.Exec("DELETE FROM uploads WHERE id = ?", id)
	return err
}

// PendingUploads returns every non-absorbing upload, oldest first.
func (s *SQLiteStore) PendingUploads() ([]models.Upload, error) {
	rows, err := s.db.Query("SELECT "+uploadColumns+` FROM uploads
		WHERE status NOT IN (?, ?) ORDER BY created_at, id`,
		string(models.UploadCompleted), string(models.UploadCancelled))
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	defer rows.Close()

	var uploads []models.Upload

	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}

		uploads = append(uploads, u)
	}

	return uploads, rows.Err()
}
