// Package webhook notifies an external subscriber when an anchor request
// reaches a terminal state. Each delivery is a single signed POST, and every
// attempt is recorded as an Event whatever its outcome.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the terminal outcome being announced.
type EventType string

const (
	EventAnchoringComplete EventType = "anchoring_complete"
	EventAnchoringFailed   EventType = "anchoring_failed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventAnchoringComplete || t == EventAnchoringFailed
}

// Request headers sent with every delivery.
const (
	HeaderSecret    = "X-Webhook-Secret"
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

const maxResponseBody = 1024

// Config holds the destination and credentials for deliveries.
type Config struct {
	URL         string
	Secret      string
	Environment string
	Timeout     time.Duration
}

// Payload is the JSON body POSTed to the destination.
type Payload struct {
	EventType      EventType `json:"event_type"`
	RecordID       string    `json:"record_id"`
	AnchorID       uuid.UUID `json:"anchor_id"`
	Timestamp      string    `json:"timestamp"`
	Environment    string    `json:"environment"`
	Hash           string    `json:"hash"`
	Status         string    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	BlockchainTxID string    `json:"blockchain_tx_id,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Event is the append-only record of one delivery attempt.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	AnchorID       *uuid.UUID      `json:"anchor_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	RecordID       string          `json:"record_id"`
	Payload        json.RawMessage `json:"payload"`
	WebhookURL     string          `json:"webhook_url"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   string          `json:"response_body,omitempty"`
	Success        bool            `json:"success"`
	CreatedAt      time.Time       `json:"created_at"`
}

// WebhookDeliveryError describes a failed delivery. It is logged and
// recorded, never returned to callers of Notify.
type WebhookDeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery to %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook delivery to %s: non-2xx response: %d", e.URL, e.StatusCode)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
