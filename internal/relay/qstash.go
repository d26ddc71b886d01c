package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// QStash publishes messages through Upstash QStash, which POSTs each body to
// its target URL and retries on non-2xx responses.
type QStash struct {
	baseURL    string
	token      string
	retries    int
	httpClient *http.Client
}

func NewQStash(baseURL, token string, retries int) *QStash {
	return &QStash{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		retries: retries,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type qstashPublishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish hands msg to QStash and returns its message id.
func (q *QStash) Publish(ctx context.Context, msg *Message) (string, error) {
	endpoint := fmt.Sprintf("%s/v2/publish/%s", q.baseURL, msg.TargetURL)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+q.token)
	req.Header.Set("Content-Type", "application/json")
	if q.retries > 0 {
		req.Header.Set("Upstash-Retries", fmt.Sprintf("%d", q.retries))
	}
	if msg.Delay > 0 {
		req.Header.Set("Upstash-Delay", fmt.Sprintf("%ds", int(msg.Delay.Seconds())))
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qstash publish failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("qstash publish returned status %d: %s", resp.StatusCode, string(body))
	}

	var result qstashPublishResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse qstash response: %w", err)
	}

	log.WithField("messageId", result.MessageID).Debugf("[Relay] Published to %s", msg.TargetURL)
	return result.MessageID, nil
}
