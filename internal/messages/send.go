package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/alexjbarnes/chirpsync/internal/uploads"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Draft is an outgoing message before it has an id.
type Draft struct {
	ChatID  string
	Payload chat.Payload
	// Mode defaults to the chat's current mode.
	Mode      chat.Mode
	ReplyToID string
}

// Media is an outgoing message whose payload must be uploaded first.
type Media struct {
	ChatID    string
	Data      []byte
	FileName  string
	MIMEType  string
	Subtype   string // models.SubtypeImage, SubtypeVoice, SubtypeDocument or SubtypeVideo
	Mode      chat.Mode
	ReplyToID string
	Priority  int
}

// SendText sends a plain text message.
func (e *Engine) SendText(ctx context.Context, chatID, text string) (chat.Message, error) {
	return e.Send(ctx, Draft{ChatID: chatID, Payload: chat.TextPayload(text)})
}

// SendSticker sends a sticker by id.
func (e *Engine) SendSticker(ctx context.Context, chatID, stickerID string) (chat.Message, error) {
	return e.Send(ctx, Draft{ChatID: chatID, Payload: chat.StickerPayload(stickerID)})
}

// Send records d as pending, transmits it and starts its send timeout.
// Transmission failures do not return an error: the returned record is
// marked failed instead. Errors are returned only for invalid drafts.
func (e *Engine) Send(ctx context.Context, d Draft) (chat.Message, error) {
	d.Payload.Text = norm.NFC.String(d.Payload.Text)
	d.Payload.ClipPlaceholderText = norm.NFC.String(d.Payload.ClipPlaceholderText)

	if err := validateDraft(d); err != nil {
		return chat.Message{}, err
	}

	var msg chat.Message

	err := e.do(ctx, func() error {
		ent := e.create(d)
		e.startTimeout(ent)
		msg = ent.msg

		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}

	return e.transmit(ctx, msg), nil
}

// SendMedia records a pending media message and queues its payload. The
// message is transmitted once the upload completes; a permanently failed
// or cancelled upload fails the message.
func (e *Engine) SendMedia(ctx context.Context, m Media) (chat.Message, error) {
	if e.uploads == nil {
		return chat.Message{}, fmt.Errorf("%w: media uploads are not configured", ErrInvalidMessage)
	}

	payload, err := mediaPayload(m.Subtype, norm.NFC.String(m.FileName))
	if err != nil {
		return chat.Message{}, err
	}

	d := Draft{ChatID: m.ChatID, Payload: payload, Mode: m.Mode, ReplyToID: m.ReplyToID}
	if err := validateDraft(d); err != nil {
		return chat.Message{}, err
	}

	var msg chat.Message

	err = e.do(ctx, func() error {
		ent := e.create(d)
		ent.awaitingUpload = true
		msg = ent.msg

		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}

	up, err := e.uploads.Enqueue(ctx, uploads.Request{
		Data:      m.Data,
		FileName:  m.FileName,
		MIMEType:  m.MIMEType,
		Subtype:   m.Subtype,
		MessageID: msg.ClientTempID,
		ChatID:    m.ChatID,
		Priority:  m.Priority,
	})
	if err != nil {
		_ = e.do(context.WithoutCancel(ctx), func() error {
			if ent := e.byTemp[msg.ClientTempID]; ent != nil {
				e.remove(ent)
			}

			return nil
		})

		return chat.Message{}, fmt.Errorf("queueing upload: %w", err)
	}

	_ = e.do(context.WithoutCancel(ctx), func() error {
		if ent := e.byTemp[msg.ClientTempID]; ent != nil && ent.uploadID == "" {
			ent.uploadID = up.ID
			e.byUpload[up.ID] = ent
		}

		return nil
	})

	return msg, nil
}

// Retry resends a failed message under a new client temp id. The failed
// record is retired so a late acknowledgment for it is ignored. A message
// whose upload failed retries the upload first.
func (e *Engine) Retry(ctx context.Context, key string) (chat.Message, error) {
	var (
		msg      chat.Message
		uploadID string
	)

	err := e.do(ctx, func() error {
		old := e.lookup(key)
		if old == nil {
			return fmt.Errorf("%w: %s", syncerr.ErrMessageNotFound, key)
		}

		if old.msg.Status != chat.StatusFailed {
			return fmt.Errorf("%w: %s is %s", syncerr.ErrMessageNotFailed, key, old.msg.Status)
		}

		ent := &entry{
			msg:            old.msg,
			uploadID:       old.uploadID,
			awaitingUpload: old.awaitingUpload,
		}
		ent.msg.ClientTempID = uuid.NewString()
		ent.msg.ServerID = ""
		ent.msg.Status = chat.StatusPending
		ent.msg.LastError = ""
		ent.msg.Reactions = nil
		ent.msg.CreatedAt = time.Now().UTC()

		e.remove(old)
		e.insert(ent)

		if ent.uploadID != "" {
			e.byUpload[ent.uploadID] = ent
		}

		if ent.awaitingUpload {
			uploadID = ent.uploadID
		} else {
			e.startTimeout(ent)
		}

		observability.MessageOutcomes.WithLabelValues("retried").Inc()
		e.logger.Info("retrying message",
			slog.String("old_temp_id", old.msg.ClientTempID),
			slog.String("temp_id", ent.msg.ClientTempID),
		)

		msg = ent.msg

		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}

	if uploadID != "" {
		if err := e.uploads.Retry(ctx, uploadID); err != nil {
			return e.failNow(ctx, msg, err), nil
		}

		return msg, nil
	}

	return e.transmit(ctx, msg), nil
}

// create inserts a pending outgoing record. Runs on the Run goroutine.
func (e *Engine) create(d Draft) *entry {
	mode := d.Mode
	if mode == "" {
		mode = e.modeFor(d.ChatID)
	}

	ent := &entry{msg: chat.Message{
		ClientTempID: uuid.NewString(),
		ChatID:       d.ChatID,
		SenderID:     e.cfg.UserID,
		Payload:      d.Payload,
		Mode:         mode,
		ReplyToID:    d.ReplyToID,
		Status:       chat.StatusPending,
		CreatedAt:    time.Now().UTC(),
		Outgoing:     true,
	}}

	e.insert(ent)

	return ent
}

// startTimeout fails ent if it is still pending after the send timeout.
// Only an acknowledgment stops the timer.
func (e *Engine) startTimeout(ent *entry) {
	ent.timeout = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.post(func() {
			ent.timeout = nil
			if ent.removed || ent.msg.Status != chat.StatusPending {
				return
			}

			observability.MessageOutcomes.WithLabelValues("timeout").Inc()
			e.fail(ent, syncerr.ErrSendTimeout)
		})
	})
}

// transmit sends the record's send_message frame. On error the record is
// failed and the failed copy returned.
func (e *Engine) transmit(ctx context.Context, msg chat.Message) chat.Message {
	err := e.transport.Send(ctx, msg.SendEvent())
	if err == nil {
		return msg
	}

	observability.MessageOutcomes.WithLabelValues("send_error").Inc()

	return e.failNow(ctx, msg, err)
}

// failNow fails the record for msg if it is still pending and returns its
// current state.
func (e *Engine) failNow(ctx context.Context, msg chat.Message, cause error) chat.Message {
	out := msg

	_ = e.do(context.WithoutCancel(ctx), func() error {
		ent := e.byTemp[msg.ClientTempID]
		if ent == nil {
			return nil
		}

		if ent.msg.Status == chat.StatusPending {
			e.fail(ent, cause)
		}

		out = ent.msg

		return nil
	})

	return out
}

func (e *Engine) fail(ent *entry, cause error) {
	if ent.timeout != nil {
		ent.timeout.Stop()
		ent.timeout = nil
	}

	ent.msg.Status = chat.StatusFailed
	ent.msg.LastError = cause.Error()
	e.publish(EventUpdated, ent)

	e.logger.Warn("message failed",
		slog.String("temp_id", ent.msg.ClientTempID),
		slog.String("chat_id", ent.msg.ChatID),
		slog.String("error", cause.Error()),
	)
}

// handleUpload reacts to the upload queue on the Run goroutine.
func (e *Engine) handleUpload(ev uploads.Event) {
	ent := e.byUpload[ev.Upload.ID]
	if ent == nil {
		ent = e.byTemp[ev.Upload.MessageID]
		if ent != nil && ent.uploadID != "" && ent.uploadID != ev.Upload.ID {
			return
		}

		if ent == nil {
			if ent = e.restoreMedia(ev); ent == nil {
				return
			}
		}

		ent.uploadID = ev.Upload.ID
		e.byUpload[ev.Upload.ID] = ent
	}

	if !ent.awaitingUpload || ent.removed {
		return
	}

	switch ev.Kind {
	case uploads.EventCompleted:
		ent.awaitingUpload = false
		applyResult(&ent.msg.Payload, ev.Result)
		e.publish(EventUpdated, ent)

		if ent.msg.Status != chat.StatusPending {
			return
		}

		e.startTimeout(ent)
		e.sendAsync(ent)

	case uploads.EventFailed, uploads.EventCancelled:
		if ent.msg.Status != chat.StatusPending {
			return
		}

		cause := ev.Err
		if cause == nil {
			cause = errors.New(ev.Upload.LastError)
		}

		e.fail(ent, fmt.Errorf("upload %s: %w", ev.Kind, cause))
	}
}

// restoreMedia rebuilds the pending media message for an upload queued
// before a restart. Message records live only in memory, while the
// upload carries the temp id and chat it was destined for.
func (e *Engine) restoreMedia(ev uploads.Event) *entry {
	u := ev.Upload
	if ev.Kind == uploads.EventCancelled || u.MessageID == "" || u.ChatID == "" || e.isGone(u.MessageID) {
		return nil
	}

	payload, err := mediaPayload(u.Subtype, u.FileName)
	if err != nil {
		e.logger.Warn("cannot restore media message",
			slog.String("upload_id", u.ID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	ent := &entry{
		msg: chat.Message{
			ClientTempID: u.MessageID,
			ChatID:       u.ChatID,
			SenderID:     e.cfg.UserID,
			Payload:      payload,
			Mode:         e.modeFor(u.ChatID),
			Status:       chat.StatusPending,
			CreatedAt:    createdAt,
			Outgoing:     true,
		},
		awaitingUpload: true,
	}

	e.insert(ent)
	e.logger.Info("restored media message",
		slog.String("temp_id", u.MessageID),
		slog.String("upload_id", u.ID),
		slog.String("upload_status", string(u.Status)),
	)

	return ent
}

// sendAsync transmits ent's send_message frame off the Run goroutine.
func (e *Engine) sendAsync(ent *entry) {
	msg := ent.msg

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		if err := e.transport.Send(e.ctx, msg.SendEvent()); err != nil {
			observability.MessageOutcomes.WithLabelValues("send_error").Inc()
			e.post(func() {
				if !ent.removed && ent.msg.Status == chat.StatusPending {
					e.fail(ent, err)
				}
			})
		}
	}()
}

func validateDraft(d Draft) error {
	if d.ChatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidMessage)
	}

	if d.Mode != "" && !d.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidMessage, d.Mode)
	}

	switch d.Payload.Subtype {
	case chat.SubtypeText:
		if strings.TrimSpace(d.Payload.Text) == "" {
			return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
		}
	case chat.SubtypeSticker:
		if d.Payload.StickerID == "" {
			return fmt.Errorf("%w: sticker id is required", ErrInvalidMessage)
		}
	case "":
		return fmt.Errorf("%w: subtype is required", ErrInvalidMessage)
	}

	return nil
}

func mediaPayload(subtype, fileName string) (chat.Payload, error) {
	switch subtype {
	case models.SubtypeImage:
		return chat.Payload{Subtype: chat.SubtypeImage}, nil
	case models.SubtypeVoice:
		return chat.Payload{Subtype: chat.SubtypeVoice, ClipType: "audio"}, nil
	case models.SubtypeVideo:
		return chat.Payload{Subtype: chat.SubtypeClip, ClipType: "video"}, nil
	case models.SubtypeDocument:
		return chat.Payload{Subtype: chat.SubtypeDocument, DocumentName: fileName}, nil
	}

	return chat.Payload{}, fmt.Errorf("%w: unknown media subtype %q", ErrInvalidMessage, subtype)
}

func applyResult(p *chat.Payload, r uploads.Result) {
	switch p.Subtype {
	case chat.SubtypeImage:
		p.ImageURL = r.URL
		p.ImageThumbnailURL = r.ThumbnailURL
	case chat.SubtypeVoice, chat.SubtypeClip:
		p.ClipURL = r.URL
		p.DurationSeconds = r.DurationSeconds
	case chat.SubtypeDocument:
		p.DocumentURL = r.URL
		if r.FileName != "" {
			p.DocumentName = r.FileName
		}
	}
}
