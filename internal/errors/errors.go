package errors

import "errors"

// Connection errors. Only ErrNotConnected and ErrOffline are returned to
// callers; the rest are carried on connection state events.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrOffline            = errors.New("device is offline")
	ErrConnectionRejected = errors.New("connection rejected by server")
	ErrConnectionLost     = errors.New("connection lost")
	ErrActivityTimeout    = errors.New("no activity within timeout")
	ErrReconnectExhausted = errors.New("could not reconnect")
)

// Message errors.
var (
	ErrSendTimeout       = errors.New("no acknowledgment before send timeout")
	ErrMessageNotFound   = errors.New("message not found")
	ErrMessageNotFailed  = errors.New("message is not in failed state")
	ErrUnsupportedEmoji  = errors.New("unsupported reaction emoji")
	ErrUnparseableEvent  = errors.New("unparseable event")
	ErrUnsupportedOnLink = errors.New("event not supported on fallback transport")
)

// Upload errors.
var (
	ErrUploadTransient = errors.New("transient upload failure")
	ErrUploadPermanent = errors.New("permanent upload failure")
	ErrUploadNotFound  = errors.New("upload not found")
	ErrNotRetryable    = errors.New("upload is not in failed state")
	ErrUploadCancelled = errors.New("upload cancelled")
)
