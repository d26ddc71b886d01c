package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// fal.ai queue client
// Submissions are fire-and-forget: the queue answers with a request_id and
// later POSTs the result to the webhook URL passed on submit.
// ---------------------------------------------------------------------------

// ErrProviderSubmission wraps every rejected or failed submission.
var ErrProviderSubmission = errors.New("provider submission failed")

const falSubmitTimeout = 30 * time.Second

type FalService struct {
	apiKey     string
	queueURL   string
	httpClient *http.Client
}

func NewFalService(apiKey, queueURL string) *FalService {
	return &FalService{
		apiKey:   apiKey,
		queueURL: strings.TrimRight(queueURL, "/"),
		httpClient: &http.Client{
			Timeout: falSubmitTimeout,
		},
	}
}

// falSubmitResponse is the body returned by POST {queue}/{model}
type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// FalWebhook is the body fal POSTs to the webhook URL.
//
// status is "OK" on success with the model output in payload, or "ERROR"
// with a message in error. payload_error is set when the output could not
// be serialized.
type FalWebhook struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id,omitempty"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	PayloadError     string          `json:"payload_error,omitempty"`
}

// Submit queues a generation for model and returns the provider request id.
func (s *FalService) Submit(ctx context.Context, model string, input any, webhookURL string) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("%w: FAL_KEY is not configured", ErrProviderSubmission)
	}

	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s input: %w", model, err)
	}

	endpoint := fmt.Sprintf("%s/%s", s.queueURL, strings.Trim(model, "/"))
	if webhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrProviderSubmission, model, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s returned status %d: %s", ErrProviderSubmission, model, resp.StatusCode, truncate(string(body), 300))
	}

	var result falSubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: failed to parse %s response: %v", ErrProviderSubmission, model, err)
	}
	if result.RequestID == "" {
		return "", fmt.Errorf("%w: %s returned no request_id", ErrProviderSubmission, model)
	}

	log.WithFields(log.Fields{"model": model, "requestId": result.RequestID}).Info("[fal] Generation queued")
	return result.RequestID, nil
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
