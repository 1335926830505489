// Package uploads stores message attachments on an unsigned-upload image host.
package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dm-sync/internal/logger"
	"dm-sync/internal/models"
)

const maxAttachmentBytes = 10 << 20

var ErrTooLarge = errors.New("attachment exceeds 10 MiB")

// HTTPError is a non-2xx answer from the upload host.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload host returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upload host returned %d: %s", e.StatusCode, e.Message)
}

// Options configures an Uploader.
type Options struct {
	Endpoint   string
	Preset     string
	HTTPClient *http.Client
	// MaxRetries bounds retries of 429 and 5xx answers and transport errors.
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// Uploader posts attachments as multipart forms and returns the hosted URL.
type Uploader struct {
	endpoint   string
	preset     string
	httpClient *http.Client
	maxRetries uint64
	initial    time.Duration
}

func New(opts Options) *Uploader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Uploader{
		endpoint:   opts.Endpoint,
		preset:     opts.Preset,
		httpClient: client,
		maxRetries: retries,
		initial:    initial,
	}
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (u *Uploader) Upload(ctx context.Context, a models.Attachment) (string, error) {
	if u.endpoint == "" {
		return "", errors.New("upload endpoint is not configured")
	}
	if len(a.Data) > maxAttachmentBytes {
		return "", ErrTooLarge
	}
	form, contentType, err := u.encode(a)
	if err != nil {
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = u.initial
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, u.maxRetries), ctx)

	var url string
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		got, err := u.post(ctx, form, contentType)
		if err != nil {
			logger.Log.Debug("upload_attempt_failed", zap.Int("attempt", attempt), zap.String("filename", a.Filename), zap.Error(err))
			return err
		}
		url = got
		return nil
	}, retry)
	if err != nil {
		logger.Log.Warn("upload_failed", zap.String("filename", a.Filename), zap.Int("attempts", attempt), zap.Error(err))
		return "", err
	}
	return url, nil
}

func (u *Uploader) encode(a models.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	filename := a.Filename
	if filename == "" {
		filename = "upload"
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, "", err
	}
	if u.preset != "" {
		if err := w.WriteField("upload_preset", u.preset); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (u *Uploader) post(ctx context.Context, form []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(form))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out uploadResponse
	decodeErr := json.Unmarshal(payload, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode}
		if out.Error != nil {
			herr.Message = out.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", herr
		}
		return "", backoff.Permanent(herr)
	}
	if decodeErr != nil {
		return "", backoff.Permanent(fmt.Errorf("decode upload response: %w", decodeErr))
	}

	url := strings.TrimSpace(out.SecureURL)
	if url == "" {
		url = strings.TrimSpace(out.URL)
	}
	if url == "" {
		return "", backoff.Permanent(errors.New("upload host returned no url"))
	}
	return url, nil
}
