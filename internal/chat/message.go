package chat

import (
	"slices"
	"time"
)

// Mode controls how a message is shown and retained.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeSensitive Mode = "sensitive"
	ModeEphemeral Mode = "ephemeral"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeSensitive, ModeEphemeral:
		return true
	}

	return false
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// The server spells its statuses out in full.
var serverStatusAliases = map[string]Status{
	"sent_to_server":         StatusSent,
	"delivered_to_recipient": StatusDelivered,
	"read_by_recipient":      StatusRead,
}

// UnmarshalText accepts both the short and the server spelling.
func (s *Status) UnmarshalText(b []byte) error {
	if alias, ok := serverStatusAliases[string(b)]; ok {
		*s = alias
		return nil
	}

	*s = Status(b)

	return nil
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}

	return -1
}

// Advances reports whether moving from s to next is forward progress
// along pending -> sent -> delivered -> read. Failed is never an
// advance target and unknown statuses never advance.
func (s Status) Advances(next Status) bool {
	if next == StatusFailed || next.rank() < 0 {
		return false
	}

	return next.rank() > s.rank()
}

// Message subtypes as the server names them.
const (
	SubtypeText     = "text"
	SubtypeSticker  = "sticker"
	SubtypeImage    = "image"
	SubtypeClip     = "clip"
	SubtypeDocument = "document"
	SubtypeVoice    = "voice_message"
)

// Payload is the content of a message. Exactly one kind of content is
// expected to be set, named by Subtype.
type Payload struct {
	Subtype             string `json:"subtype"`
	Text                string `json:"text,omitempty"`
	StickerID           string `json:"sticker_id,omitempty"`
	ImageURL            string `json:"image_url,omitempty"`
	ImageThumbnailURL   string `json:"image_thumbnail_url,omitempty"`
	ClipType            string `json:"clip_type,omitempty"`
	ClipURL             string `json:"clip_url,omitempty"`
	ClipPlaceholderText string `json:"clip_placeholder_text,omitempty"`
	DocumentURL         string `json:"document_url,omitempty"`
	DocumentName        string `json:"document_name,omitempty"`
	DurationSeconds     int    `json:"duration_seconds,omitempty"`
}

// TextPayload builds a plain text payload.
func TextPayload(text string) Payload {
	return Payload{Subtype: SubtypeText, Text: text}
}

// StickerPayload builds a sticker reference payload.
func StickerPayload(stickerID string) Payload {
	return Payload{Subtype: SubtypeSticker, StickerID: stickerID}
}

// Message is the local record of one chat message, outgoing or incoming.
type Message struct {
	ClientTempID string              `json:"client_temp_id,omitempty"`
	ServerID     string              `json:"server_id,omitempty"`
	ChatID       string              `json:"chat_id"`
	SenderID     string              `json:"sender_id,omitempty"`
	Payload      Payload             `json:"payload"`
	Mode         Mode                `json:"mode"`
	ReplyToID    string              `json:"reply_to_id,omitempty"`
	Status       Status              `json:"status"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	LastError    string              `json:"last_error,omitempty"`
	Outgoing     bool                `json:"outgoing"`
}

// Key returns the identifier the message is known by: the server id once
// assigned, otherwise the client temp id.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}

	return m.ClientTempID
}

// FromServer converts a server record into a local message.
func FromServer(sm ServerMessage) Message {
	status := sm.Status
	if status == "" {
		status = StatusSent
	}

	mode := sm.Mode
	if mode == "" {
		mode = ModeNormal
	}

	return Message{
		ClientTempID: sm.ClientTempID,
		ServerID:     sm.ID,
		ChatID:       sm.ChatID,
		SenderID:     sm.UserID,
		Payload: Payload{
			Subtype:             sm.MessageSubtype,
			Text:                sm.Text,
			StickerID:           sm.StickerID,
			ImageURL:            sm.ImageURL,
			ImageThumbnailURL:   sm.ImageThumbnailURL,
			ClipType:            sm.ClipType,
			ClipURL:             sm.ClipURL,
			ClipPlaceholderText: sm.ClipPlaceholderText,
			DocumentURL:         sm.DocumentURL,
			DocumentName:        sm.DocumentName,
			DurationSeconds:     sm.DurationSeconds,
		},
		Mode:      mode,
		ReplyToID: sm.ReplyToID,
		Status:    status,
		Reactions: sm.Reactions,
		CreatedAt: sm.CreatedAt,
	}
}

// SendEvent builds the send_message frame for a local record.
func (m Message) SendEvent() SendMessageEvent {
	return SendMessageEvent{
		EventType:           EventSendMessage,
		ChatID:              m.ChatID,
		ClientTempID:        m.ClientTempID,
		Mode:                m.Mode,
		MessageSubtype:      m.Payload.Subtype,
		Text:                m.Payload.Text,
		StickerID:           m.Payload.StickerID,
		ImageURL:            m.Payload.ImageURL,
		ImageThumbnailURL:   m.Payload.ImageThumbnailURL,
		ClipType:            m.Payload.ClipType,
		ClipURL:             m.Payload.ClipURL,
		ClipPlaceholderText: m.Payload.ClipPlaceholderText,
		DocumentURL:         m.Payload.DocumentURL,
		DocumentName:        m.Payload.DocumentName,
		DurationSeconds:     m.Payload.DurationSeconds,
		ReplyToID:           m.ReplyToID,
	}
}

// SupportedEmojis is the closed set of reactions the server accepts.
var SupportedEmojis = []string{"👍", "❤️", "😂", "😮", "😢"}

// ValidEmoji reports whether e is an accepted reaction.
func ValidEmoji(e string) bool {
	return slices.Contains(SupportedEmojis, e)
}
