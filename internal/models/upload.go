package models

import "time"

// UploadStatus is the lifecycle state of an upload item.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadUploading  UploadStatus = "uploading"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
	UploadCancelled  UploadStatus = "cancelled"
)

// Absorbing reports whether no further transitions leave s.
func (s UploadStatus) Absorbing() bool {
	return s == UploadCompleted || s == UploadCancelled
}

// Upload subtypes select the endpoint a payload is sent to.
const (
	SubtypeImage    = "image"
	SubtypeVoice    = "voice"
	SubtypeDocument = "document"
	SubtypeVideo    = "video"
)

// Upload is one persisted file transfer. Data is the binary payload;
// everything else is metadata the queue needs to resume after restart.
type Upload struct {
	ID         string       `json:"id"`
	Data       []byte       `json:"data"`
	FileName   string       `json:"file_name"`
	MIMEType   string       `json:"mime_type"`
	MessageID  string       `json:"message_id"`
	ChatID     string       `json:"chat_id"`
	Priority   int          `json:"priority"`
	Status     UploadStatus `json:"status"`
	Progress   int          `json:"progress"`
	RetryCount int          `json:"retry_count"`
	CreatedAt  time.Time    `json:"created_at"`
	Subtype    string       `json:"subtype"`
	LastError  string       `json:"last_error,omitempty"`
}
