// Package mcpserver registers MCP tools that expose the chat engine.
// It adapts the message engine, the upload queue and the connection
// manager to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	"github.com/alexjbarnes/chirpsync/internal/messages"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/alexjbarnes/chirpsync/internal/realtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Messenger is the subset of *messages.Engine the tools use.
type Messenger interface {
	Send(ctx context.Context, d messages.Draft) (chat.Message, error)
	Messages(ctx context.Context, chatID string) ([]chat.Message, error)
	Retry(ctx context.Context, key string) (chat.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	ChangeChatMode(ctx context.Context, chatID string, mode chat.Mode) error
	ThinkingOfYou(ctx context.Context, recipientID string) error
}

// UploadQueue is the subset of *uploads.Manager the tools use.
type UploadQueue interface {
	List(ctx context.Context) ([]models.Upload, error)
	Get(ctx context.Context, id string) (models.Upload, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
}

// Connection reports connection state. *realtime.Manager satisfies it.
type Connection interface {
	Status() realtime.Status
}

// Deps are the components the tools operate on.
type Deps struct {
	Messages   Messenger
	Uploads    UploadQueue
	Connection Connection
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text or sticker message to a chat. The message is returned as pending and becomes sent once the server acknowledges it. Mode defaults to the chat's current mode.",
	}, sendHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the local view of a chat in display order, oldest first. Includes pending and failed outgoing messages. Omit chat_id to list every chat.",
	}, messagesHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_retry",
		Description: "Retry a failed message by client temp id or server id. The retry gets a new client temp id and the failed attempt is discarded.",
	}, retryHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_react",
		Description: "Toggle a reaction on a delivered message. Supported emoji: 👍 ❤️ 😂 😮 😢.",
	}, reactHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Tell the other party you started or stopped typing. Repeated starts within the throttle window are dropped.",
	}, typingHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mode",
		Description: "Ask the server to switch a chat to normal, sensitive or ephemeral mode. New messages use the mode once the server confirms it.",
	}, modeHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_thinking_of_you",
		Description: "Send a thinking-of-you ping to another user.",
	}, thinkingOfYouHandler(d.Messages))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_status",
		Description: "Show queued, active and failed media uploads with progress and retry counts. Pass an id to show one upload.",
	}, uploadStatusHandler(d.Uploads))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_cancel",
		Description: "Cancel a queued, active or retrying upload. Its message is marked failed.",
	}, uploadCancelHandler(d.Uploads))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_retry",
		Description: "Requeue a permanently failed upload with its retry count reset.",
	}, uploadRetryHandler(d.Uploads))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_status",
		Description: "Report the connection state (disconnected, connecting, syncing, connected, degraded), reconnect attempts, reachability and the active transport.",
	}, connectionHandler(d.Connection))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SendInput holds parameters for chat_send.
type SendInput struct {
	ChatID    string `json:"chat_id" jsonschema:"required,chat to send to"`
	Text      string `json:"text,omitempty" jsonschema:"message text"`
	StickerID string `json:"sticker_id,omitempty" jsonschema:"sticker to send instead of text"`
	Mode      string `json:"mode,omitempty" jsonschema:"normal, sensitive or ephemeral; defaults to the chat's mode"`
	ReplyToID string `json:"reply_to_id,omitempty" jsonschema:"server id of the message being replied to"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	ChatID string `json:"chat_id,omitempty" jsonschema:"chat to list, all chats when empty"`
	Limit  int    `json:"limit,omitempty" jsonschema:"return only the newest N messages, 0 means all"`
}

// RetryInput holds parameters for chat_retry.
type RetryInput struct {
	Key string `json:"key" jsonschema:"required,client temp id or server id of the failed message"`
}

// ReactInput holds parameters for chat_react.
type ReactInput struct {
	MessageID string `json:"message_id" jsonschema:"required,server id of the message"`
	Emoji     string `json:"emoji" jsonschema:"required,one of the supported reaction emoji"`
}

// TypingInput holds parameters for chat_typing.
type TypingInput struct {
	ChatID string `json:"chat_id" jsonschema:"required,chat being typed in"`
	Typing bool   `json:"typing" jsonschema:"required,true when typing starts, false when it stops"`
}

// ModeInput holds parameters for chat_mode.
type ModeInput struct {
	ChatID string `json:"chat_id" jsonschema:"required,chat to switch"`
	Mode   string `json:"mode" jsonschema:"required,normal, sensitive or ephemeral"`
}

// ThinkingOfYouInput holds parameters for chat_thinking_of_you.
type ThinkingOfYouInput struct {
	RecipientUserID string `json:"recipient_user_id" jsonschema:"required,user to ping"`
}

// UploadStatusInput holds parameters for upload_status.
type UploadStatusInput struct {
	ID string `json:"id,omitempty" jsonschema:"upload id, all uploads when empty"`
}

// UploadIDInput holds parameters for upload_cancel and upload_retry.
type UploadIDInput struct {
	ID string `json:"id" jsonschema:"required,upload id"`
}

// ConnectionInput has no parameters.
type ConnectionInput struct{}

// --- Output types ---

// MessageResult wraps one message.
type MessageResult struct {
	Message chat.Message `json:"message"`
}

// MessagesResult is the chat_messages output.
type MessagesResult struct {
	ChatID   string         `json:"chat_id,omitempty"`
	Total    int            `json:"total"`
	Messages []chat.Message `json:"messages"`
}

// ReactResult is the chat_react output.
type ReactResult struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// TypingResult is the chat_typing output.
type TypingResult struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}

// ModeResult is the chat_mode output. The mode is requested, not yet applied.
type ModeResult struct {
	ChatID    string    `json:"chat_id"`
	Requested chat.Mode `json:"requested_mode"`
}

// ThinkingOfYouResult is the chat_thinking_of_you output.
type ThinkingOfYouResult struct {
	RecipientUserID string `json:"recipient_user_id"`
}

// UploadView is an upload without its payload bytes.
type UploadView struct {
	ID         string              `json:"id"`
	FileName   string              `json:"file_name"`
	MIMEType   string              `json:"mime_type"`
	Subtype    string              `json:"subtype"`
	MessageID  string              `json:"message_id"`
	ChatID     string              `json:"chat_id"`
	Priority   int                 `json:"priority"`
	Status     models.UploadStatus `json:"status"`
	Progress   int                 `json:"progress"`
	RetryCount int                 `json:"retry_count"`
	CreatedAt  time.Time           `json:"created_at"`
	LastError  string              `json:"last_error,omitempty"`
}

// UploadsResult is the upload_status output.
type UploadsResult struct {
	Total   int          `json:"total"`
	Uploads []UploadView `json:"uploads"`
}

// UploadActionResult is the upload_cancel and upload_retry output.
type UploadActionResult struct {
	ID     string              `json:"id"`
	Status models.UploadStatus `json:"status"`
}

// --- Handlers ---

func sendHandler(m Messenger) mcp.ToolHandlerFor[SendInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageResult, error) {
		var payload chat.Payload

		switch {
		case input.Text != "" && input.StickerID != "":
			return nil, nil, fmt.Errorf("text and sticker_id are mutually exclusive")
		case input.StickerID != "":
			payload = chat.StickerPayload(input.StickerID)
		default:
			payload = chat.TextPayload(input.Text)
		}

		msg, err := m.Send(ctx, messages.Draft{
			ChatID:    input.ChatID,
			Payload:   payload,
			Mode:      chat.Mode(input.Mode),
			ReplyToID: input.ReplyToID,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: msg}

		return textResult(result), result, nil
	}
}

func messagesHandler(m Messenger) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		msgs, err := m.Messages(ctx, input.ChatID)
		if err != nil {
			return nil, nil, err
		}

		if input.Limit > 0 && len(msgs) > input.Limit {
			msgs = msgs[len(msgs)-input.Limit:]
		}

		if msgs == nil {
			msgs = []chat.Message{}
		}

		result := &MessagesResult{ChatID: input.ChatID, Total: len(msgs), Messages: msgs}

		return textResult(result), result, nil
	}
}

func retryHandler(m Messenger) mcp.ToolHandlerFor[RetryInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RetryInput) (*mcp.CallToolResult, *MessageResult, error) {
		msg, err := m.Retry(ctx, input.Key)
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: msg}

		return textResult(result), result, nil
	}
}

func reactHandler(m Messenger) mcp.ToolHandlerFor[ReactInput, *ReactResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReactInput) (*mcp.CallToolResult, *ReactResult, error) {
		if err := m.ToggleReaction(ctx, input.MessageID, input.Emoji); err != nil {
			return nil, nil, err
		}

		result := &ReactResult{MessageID: input.MessageID, Emoji: input.Emoji}

		return textResult(result), result, nil
	}
}

func typingHandler(m Messenger) mcp.ToolHandlerFor[TypingInput, *TypingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TypingInput) (*mcp.CallToolResult, *TypingResult, error) {
		if input.ChatID == "" {
			return nil, nil, fmt.Errorf("chat_id is required")
		}

		signal := m.StopTyping
		if input.Typing {
			signal = m.StartTyping
		}

		if err := signal(ctx, input.ChatID); err != nil {
			return nil, nil, err
		}

		result := &TypingResult{ChatID: input.ChatID, Typing: input.Typing}

		return textResult(result), result, nil
	}
}

func modeHandler(m Messenger) mcp.ToolHandlerFor[ModeInput, *ModeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ModeInput) (*mcp.CallToolResult, *ModeResult, error) {
		if input.ChatID == "" {
			return nil, nil, fmt.Errorf("chat_id is required")
		}

		mode := chat.Mode(input.Mode)
		if err := m.ChangeChatMode(ctx, input.ChatID, mode); err != nil {
			return nil, nil, err
		}

		result := &ModeResult{ChatID: input.ChatID, Requested: mode}

		return textResult(result), result, nil
	}
}

func thinkingOfYouHandler(m Messenger) mcp.ToolHandlerFor[ThinkingOfYouInput, *ThinkingOfYouResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ThinkingOfYouInput) (*mcp.CallToolResult, *ThinkingOfYouResult, error) {
		if input.RecipientUserID == "" {
			return nil, nil, fmt.Errorf("recipient_user_id is required")
		}

		if err := m.ThinkingOfYou(ctx, input.RecipientUserID); err != nil {
			return nil, nil, err
		}

		result := &ThinkingOfYouResult{RecipientUserID: input.RecipientUserID}

		return textResult(result), result, nil
	}
}

func uploadStatusHandler(q UploadQueue) mcp.ToolHandlerFor[UploadStatusInput, *UploadsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadStatusInput) (*mcp.CallToolResult, *UploadsResult, error) {
		var list []models.Upload

		if input.ID != "" {
			u, err := q.Get(ctx, input.ID)
			if err != nil {
				return nil, nil, err
			}

			list = []models.Upload{u}
		} else {
			var err error

			list, err = q.List(ctx)
			if err != nil {
				return nil, nil, err
			}
		}

		result := &UploadsResult{Total: len(list), Uploads: make([]UploadView, 0, len(list))}
		for _, u := range list {
			result.Uploads = append(result.Uploads, uploadView(u))
		}

		return textResult(result), result, nil
	}
}

func uploadCancelHandler(q UploadQueue) mcp.ToolHandlerFor[UploadIDInput, *UploadActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadIDInput) (*mcp.CallToolResult, *UploadActionResult, error) {
		if err := q.Cancel(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		result := &UploadActionResult{ID: input.ID, Status: models.UploadCancelled}

		return textResult(result), result, nil
	}
}

func uploadRetryHandler(q UploadQueue) mcp.ToolHandlerFor[UploadIDInput, *UploadActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadIDInput) (*mcp.CallToolResult, *UploadActionResult, error) {
		if err := q.Retry(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		result := &UploadActionResult{ID: input.ID, Status: models.UploadPending}

		return textResult(result), result, nil
	}
}

func connectionHandler(c Connection) mcp.ToolHandlerFor[ConnectionInput, *realtime.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ConnectionInput) (*mcp.CallToolResult, *realtime.Status, error) {
		status := c.Status()
		return textResult(status), &status, nil
	}
}

func uploadView(u models.Upload) UploadView {
	return UploadView{
		ID:         u.ID,
		FileName:   u.FileName,
		MIMEType:   u.MIMEType,
		Subtype:    u.Subtype,
		MessageID:  u.MessageID,
		ChatID:     u.ChatID,
		Priority:   u.Priority,
		Status:     u.Status,
		Progress:   u.Progress,
		RetryCount: u.RetryCount,
		CreatedAt:  u.CreatedAt,
		LastError:  u.LastError,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
