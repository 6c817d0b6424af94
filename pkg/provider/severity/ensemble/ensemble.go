// Package ensemble provides a severity Classifier backed by the model
// ensemble inference service (POST /infer, multipart upload).
package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chatspeak/chatspeak/pkg/provider/severity"
)

const defaultTimeout = 30 * time.Second

// Classifier implements severity.Classifier against an HTTP inference
// service.
type Classifier struct {
	serverURL  string
	httpClient *http.Client
}

var _ severity.Classifier = (*Classifier)(nil)

// Option is a functional option for Classifier.
type Option func(*Classifier)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Classifier) {
		cl.httpClient = c
	}
}

// New constructs a Classifier talking to serverURL
// (e.g. "http://localhost:5000").
func New(serverURL string, opts ...Option) (*Classifier, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("ensemble: serverURL must not be empty")
	}
	c := &Classifier{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Infer implements severity.Classifier.
func (c *Classifier) Infer(ctx context.Context, sessionID string, audio []byte) (*severity.Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("ensemble: empty audio payload")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("ensemble: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("ensemble: write audio data: %w", err)
	}
	if sessionID != "" {
		if err := mw.WriteField("session", sessionID); err != nil {
			return nil, fmt.Errorf("ensemble: write session field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("ensemble: close multipart writer: %w", err)
	}

	endpoint := c.serverURL + "/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("ensemble: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ensemble: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ensemble: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ensemble: read response body: %w", err)
	}

	var result severity.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("ensemble: parse JSON response: %w", err)
	}
	if result.EnsembleProb < 0 || result.EnsembleProb > 1 {
		return nil, fmt.Errorf("ensemble: probability %v out of range", result.EnsembleProb)
	}
	return &result, nil
}
