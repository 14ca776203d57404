// Package chat defines the wire protocol spoken with the chat server and
// the local message model built from it. Every frame is a JSON object
// with an event_type discriminator.
package chat

import "time"

// Outbound event types.
const (
	EventSendMessage       = "send_message"
	EventToggleReaction    = "toggle_reaction"
	EventStartTyping       = "start_typing"
	EventStopTyping        = "stop_typing"
	EventPingThinkingOfYou = "ping_thinking_of_you"
	EventChangeChatMode    = "change_chat_mode"
	EventPing              = "ping"
)

// Inbound event types.
const (
	EventNewMessage          = "new_message"
	EventMessageAck          = "message_ack"
	EventReactionUpdate      = "message_reaction_update"
	EventPresenceUpdate      = "user_presence_update"
	EventTypingIndicator     = "typing_indicator"
	EventThinkingOfYou       = "thinking_of_you_received"
	EventProfileUpdate       = "user_profile_update"
	EventChatModeChanged     = "chat_mode_changed"
	EventMessageDeleted      = "message_deleted"
	EventChatHistoryCleared  = "chat_history_cleared"
	EventMessageStatusUpdate = "message_status_update"
	EventError               = "error"
)

// SendMessageEvent asks the server to store and broadcast a message.
type SendMessageEvent struct {
	EventType           string `json:"event_type"`
	ChatID              string `json:"chat_id"`
	ClientTempID        string `json:"client_temp_id"`
	Mode                Mode   `json:"mode,omitempty"`
	MessageSubtype      string `json:"message_subtype,omitempty"`
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
	ReplyToID           string `json:"reply_to_message_id,omitempty"`
}

// ToggleReactionEvent adds or removes the caller's reaction.
type ToggleReactionEvent struct {
	EventType string `json:"event_type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Emoji     string `json:"emoji"`
}

// TypingEvent is start_typing or stop_typing.
type TypingEvent struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id"`
}

// ThinkingOfYouEvent pings another user.
type ThinkingOfYouEvent struct {
	EventType       string `json:"event_type"`
	RecipientUserID string `json:"recipient_user_id"`
}

// ChangeChatModeEvent switches a chat between normal, sensitive and
// ephemeral.
type ChangeChatModeEvent struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id"`
	Mode      Mode   `json:"mode"`
}

// PingEvent is the keep-alive. It is not correlated with any reply.
type PingEvent struct {
	EventType string `json:"event_type"`
}

// ServerMessage is the server's authoritative message record.
type ServerMessage struct {
	ID                  string              `json:"id"`
	ChatID              string              `json:"chat_id"`
	UserID              string              `json:"user_id"`
	ClientTempID        string              `json:"client_temp_id,omitempty"`
	Mode                Mode                `json:"mode,omitempty"`
	MessageSubtype      string              `json:"message_subtype,omitempty"`
	Status              Status              `json:"status,omitempty"`
	Text                string              `json:"text,omitempty"`
	StickerID           string              `json:"sticker_id,omitempty"`
	StickerImageURL     string              `json:"sticker_image_url,omitempty"`
	ImageURL            string              `json:"image_url,omitempty"`
	ImageThumbnailURL   string              `json:"image_thumbnail_url,omitempty"`
	ClipType            string              `json:"clip_type,omitempty"`
	ClipURL             string              `json:"clip_url,omitempty"`
	ClipPlaceholderText string              `json:"clip_placeholder_text,omitempty"`
	DocumentURL         string              `json:"document_url,omitempty"`
	DocumentName        string              `json:"document_name,omitempty"`
	DurationSeconds     int                 `json:"duration_seconds,omitempty"`
	ReplyToID           string              `json:"reply_to_message_id,omitempty"`
	Reactions           map[string][]string `json:"reactions,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// NewMessageEvent carries a stored message to every chat participant,
// including the sender.
type NewMessageEvent struct {
	EventType string        `json:"event_type"`
	ChatID    string        `json:"chat_id"`
	Message   ServerMessage `json:"message"`
}

// MessageAckEvent correlates a client temp id with the stored message id.
type MessageAckEvent struct {
	EventType        string `json:"event_type"`
	ClientTempID     string `json:"client_temp_id"`
	ServerAssignedID string `json:"server_assigned_id"`
}

// ReactionUpdateEvent replaces the reactions of one message.
type ReactionUpdateEvent struct {
	EventType string              `json:"event_type"`
	MessageID string              `json:"message_id"`
	ChatID    string              `json:"chat_id"`
	Reactions map[string][]string `json:"reactions"`
}

// PresenceUpdateEvent reports the other party going online or offline.
type PresenceUpdateEvent struct {
	EventType string     `json:"event_type"`
	UserID    string     `json:"user_id"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Mood      string     `json:"mood,omitempty"`
}

// TypingIndicatorEvent reports the other party typing.
type TypingIndicatorEvent struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ThinkingOfYouReceivedEvent is delivered to the recipient of a ping.
type ThinkingOfYouReceivedEvent struct {
	EventType  string `json:"event_type"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// ProfileUpdateEvent carries only the changed profile fields.
type ProfileUpdateEvent struct {
	EventType   string `json:"event_type"`
	UserID      string `json:"user_id"`
	Mood        string `json:"mood,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ChatModeChangedEvent announces a chat's new default mode.
type ChatModeChangedEvent struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id"`
	Mode      Mode   `json:"mode"`
}

// MessageDeletedEvent removes one message.
type MessageDeletedEvent struct {
	EventType string `json:"event_type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// ChatHistoryClearedEvent removes every message of a chat.
type ChatHistoryClearedEvent struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id"`
}

// MessageStatusUpdateEvent advances delivery state (delivered, read).
type MessageStatusUpdateEvent struct {
	EventType string `json:"event_type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Status    Status `json:"status"`
}

// ErrorEvent is the server rejecting one of our frames.
type ErrorEvent struct {
	EventType string `json:"event_type"`
	Detail    string `json:"detail"`
}
