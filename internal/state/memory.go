package state

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/alexjbarnes/chirpsync/internal/models"
)

// MemoryStore is the fallback backend when no durable storage is wanted.
// Nothing survives the process.
type MemoryStore struct {
	mu      sync.Mutex
	uploads map[string]models.Upload
	token   string
	cursor  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{uploads: make(map[string]models.Upload)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token
}

func (s *MemoryStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token

	return nil
}

func (s *MemoryStore) Cursor() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor, nil
}

func (s *MemoryStore) SetCursor(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = seq

	return nil
}

// PutUpload stores a copy of u so later caller mutation of Data is not
// visible through the store.
func (s *MemoryStore) PutUpload(u models.Upload) error {
	if u.ID == "" {
		return fmt.Errorf("upload id is required for persistence")
	}

	u.Data = bytes.Clone(u.Data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploads[u.ID] = u

	return nil
}

func (s *MemoryStore) GetUpload(id string) (*models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[id]
	if !ok {
		return nil, nil
	}

	u.Data = bytes.Clone(u.Data)

	return &u, nil
}

func (s *MemoryStore) DeleteUpload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uploads, id)

	return nil
}

func (s *MemoryStore) PendingUploads() ([]models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uploads []models.Upload

	for _, u := range s.uploads {
		if u.Status.Absorbing() {
			continue
		}

		u.Data = bytes.Clone(u.Data)
		uploads = append(uploads, u)
	}

	sortUploads(uploads)

	return uploads, nil
}
