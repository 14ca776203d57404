package uploads

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// uploadTimeout bounds one transfer including the server's processing.
	uploadTimeout = 2 * time.Minute

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

var endpoints = map[string]string{
	models.SubtypeImage:    "/uploads/chat_image",
	models.SubtypeVoice:    "/uploads/voice_message",
	models.SubtypeDocument: "/uploads/chat_document",
	models.SubtypeVideo:    "/uploads/mood_clip",
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// HTTPUploader sends payloads to the type-specific multipart endpoints.
type HTTPUploader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPUploader creates an uploader for the API at baseURL. A nil client
// gets one with a transfer timeout.
func NewHTTPUploader(baseURL, token string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: uploadTimeout}
	}

	return &HTTPUploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Upload posts u and parses the subtype's response fields. 4xx responses
// are permanent; network errors, 429 and 5xx are transient.
func (h *HTTPUploader) Upload(ctx context.Context, u models.Upload, progress func(percent int)) (Result, error) {
	endpoint, ok := endpoints[u.Subtype]
	if !ok {
		return Result{}, fmt.Errorf("%w: no endpoint for subtype %q", syncerr.ErrUploadPermanent, u.Subtype)
	}

	body, contentType, err := multipartBody(u)
	if err != nil {
		return Result{}, fmt.Errorf("%w: building request body: %w", syncerr.ErrUploadPermanent, err)
	}

	var reader io.Reader = bytes.NewReader(body)
	if progress != nil {
		reader = &progressReader{r: reader, total: len(body), report: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+endpoint, reader)
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating request: %w", syncerr.ErrUploadPermanent, err)
	}

	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		return Result{}, fmt.Errorf("%w: %w", syncerr.ErrUploadTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading response: %w", syncerr.ErrUploadTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: %s returned %d", syncerr.ErrUploadTransient, endpoint, resp.StatusCode)
	case resp.StatusCode >= 300:
		detail := gjson.GetBytes(data, "detail").String()
		return Result{}, fmt.Errorf("%w: %s returned %d: %s", syncerr.ErrUploadPermanent, endpoint, resp.StatusCode, detail)
	}

	return parseResult(u.Subtype, data)
}

func multipartBody(u models.Upload) ([]byte, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	if u.Subtype == models.SubtypeVideo {
		if err := w.WriteField("clip_type", "video"); err != nil {
			return nil, "", err
		}
	}

	name := u.FileName
	if name == "" {
		name = u.ID
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(name)))
	h.Set("Content-Type", u.MIMEType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}

	if _, err := part.Write(u.Data); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func parseResult(subtype string, data []byte) (Result, error) {
	if !gjson.ValidBytes(data) {
		return Result{}, fmt.Errorf("%w: response is not json", syncerr.ErrUploadPermanent)
	}

	r := gjson.ParseBytes(data)

	var res Result

	switch subtype {
	case models.SubtypeImage:
		res.URL = r.Get("image_url").String()
		res.ThumbnailURL = r.Get("image_thumbnail_url").String()
	case models.SubtypeVoice:
		res.URL = r.Get("file_url").String()
		res.DurationSeconds = int(r.Get("duration_seconds").Int())
		res.SizeBytes = r.Get("file_size_bytes").Int()
	case models.SubtypeDocument:
		res.URL = r.Get("file_url").String()
		res.FileName = r.Get("file_name").String()
		res.SizeBytes = r.Get("file_size_bytes").Int()
	default:
		res.URL = r.Get("file_url").String()
	}

	if res.URL == "" {
		return Result{}, fmt.Errorf("%w: response has no url", syncerr.ErrUploadPermanent)
	}

	return res, nil
}

// progressReader reports the share of the request body read so far.
type progressReader struct {
	r      io.Reader
	total  int
	read   int
	last   int
	report func(percent int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += n

	if p.total > 0 {
		percent := p.read * 100 / p.total
		if percent > p.last {
			p.last = percent
			p.report(percent)
		}
	}

	return n, err
}
