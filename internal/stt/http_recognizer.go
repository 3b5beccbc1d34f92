package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/config"
)

const transcriptionsPath = "/v1/audio/transcriptions"

type httpRecognizer struct {
	endpoint string
	model    string
	language string
	apiKey   string
	client   *http.Client
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// NewHTTPRecognizer talks to a whisper-compatible transcription endpoint.
func NewHTTPRecognizer(cfg config.STTConfig) (Recognizer, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpRecognizer{
		endpoint: endpoint,
		model:    cfg.Model,
		language: primaryLanguage(cfg.Language),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, clip audio.Clip) (TranscriptResult, error) {
	path, cleanup, err := audio.WriteTempWAV(clip, "loqa_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	body, contentType, err := r.buildForm(path)
	if err != nil {
		return TranscriptResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+transcriptionsPath, body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return TranscriptResult{}, fmt.Errorf("%w: status %s: %s", ErrUnavailable, resp.Status, strings.TrimSpace(string(data)))
	}

	var out transcriptionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return TranscriptResult{}, ErrNoSpeech
	}
	return TranscriptResult{Text: strings.TrimSpace(out.Text), Confidence: 1}, nil
}

func (r *httpRecognizer) buildForm(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "clip.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy wav: %w", err)
	}
	if r.model != "" {
		_ = writer.WriteField("model", r.model)
	}
	if r.language != "" {
		_ = writer.WriteField("language", r.language)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// primaryLanguage reduces a locale like en-US to the ISO 639-1 code whisper expects.
func primaryLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}
