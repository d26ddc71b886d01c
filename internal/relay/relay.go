// Package relay delivers job envelopes to the job-processing endpoint
// through a durable external service, and signs/verifies those deliveries.
package relay

import (
	"encoding/json"
	"time"
)

// Envelope is the body every relay delivers to the job-processing endpoint.
type Envelope struct {
	JobName string          `json:"jobName"`
	Payload json.RawMessage `json:"payload"`
}

// Message is one publish request. Delay postpones the first delivery.
type Message struct {
	ID        string          `json:"id"`
	TargetURL string          `json:"targetUrl"`
	Body      json.RawMessage `json:"body"`
	Delay     time.Duration   `json:"-"`
	Attempts  int             `json:"attempts"`
}

// SignatureHeader carries the delivery JWT.
const SignatureHeader = "Upstash-Signature"
