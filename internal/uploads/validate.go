package uploads

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/models"
)

// DefaultMaxBytes is the largest payload the upload endpoints accept.
const DefaultMaxBytes = 10 * 1024 * 1024

var allowedTypes = map[string][]string{
	models.SubtypeImage: {"image/jpeg", "image/png", "image/gif", "image/webp"},
	models.SubtypeVoice: {"audio/mpeg", "audio/wav", "audio/webm", "audio/ogg", "audio/mp4"},
	models.SubtypeVideo: {"video/mp4", "video/quicktime", "video/webm"},
	models.SubtypeDocument: {
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"text/plain",
	},
}

// Validate checks req against the per-subtype MIME allow-list and the size
// limit. Failures wrap ErrUploadPermanent.
func Validate(req Request, maxBytes int64) error {
	allowed, ok := allowedTypes[req.Subtype]
	if !ok {
		return fmt.Errorf("%w: unknown subtype %q", syncerr.ErrUploadPermanent, req.Subtype)
	}

	if len(req.Data) == 0 {
		return fmt.Errorf("%w: empty payload", syncerr.ErrUploadPermanent)
	}

	if maxBytes > 0 && int64(len(req.Data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", syncerr.ErrUploadPermanent, len(req.Data), maxBytes)
	}

	mediaType := baseMediaType(req.MIMEType)
	for _, t := range allowed {
		if t == mediaType {
			return nil
		}
	}

	return fmt.Errorf("%w: %s not allowed for %s", syncerr.ErrUploadPermanent, req.MIMEType, req.Subtype)
}

// Classify picks the subtype and MIME type for a file by its extension.
// ok is false for files no endpoint accepts.
func Classify(name string) (subtype, mimeType string, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))

	mimeType = extensionTypes[ext]
	if mimeType == "" {
		mimeType = baseMediaType(mime.TypeByExtension(ext))
	}

	if mimeType == "" {
		return "", "", false
	}

	for sub, allowed := range allowedTypes {
		for _, t := range allowed {
			if t == mimeType {
				return sub, mimeType, true
			}
		}
	}

	return "", "", false
}

// The system MIME database varies by host; these are fixed.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".weba": "audio/webm",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
}

func baseMediaType(v string) string {
	if v == "" {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}

	return mediaType
}
