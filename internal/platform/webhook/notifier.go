package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryObserver is told about every completed delivery attempt.
type DeliveryObserver interface {
	ObserveDelivery(eventType string, success bool)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithObserver registers a delivery observer such as the metrics recorder.
func WithObserver(o DeliveryObserver) Option {
	return func(n *Notifier) { n.observer = o }
}

// WithClock overrides the time source used for payload and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// Notifier POSTs terminal anchoring outcomes to the configured destination.
type Notifier struct {
	cfg        Config
	store      EventStore
	httpClient *http.Client
	observer   DeliveryObserver
	now        func() time.Time
	logger     zerolog.Logger

	warnOnce sync.Once
}

// NewNotifier creates a Notifier. A zero Timeout defaults to 10 seconds.
func NewNotifier(cfg Config, store EventStore, logger zerolog.Logger, opts ...Option) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	n := &Notifier{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Enabled reports whether a destination URL is configured.
func (n *Notifier) Enabled() bool { return n.cfg.URL != "" }

// Notify delivers one event and records the attempt. It never returns an
// error: transport failures, non-2xx responses and storage failures are
// logged, and the first two are also recorded on the returned Event. The
// result is nil when no destination is configured.
func (n *Notifier) Notify(ctx context.Context, eventType EventType, payload Payload) *Event {
	log := n.logger.With().
		Str("event_type", string(eventType)).
		Str("record_id", payload.RecordID).
		Str("anchor_id", payload.AnchorID.String()).
		Logger()

	if !n.Enabled() {
		log.Info().Msg("no webhook url configured, skipping notification")
		return nil
	}
	if n.cfg.Secret == "" {
		n.warnOnce.Do(func() {
			n.logger.Warn().Msg("WEBHOOK_SECRET is not set, deliveries are unsigned")
		})
	}

	now := n.now().UTC()
	payload.EventType = eventType
	payload.Environment = n.cfg.Environment
	payload.Timestamp = now.Format("2006-01-02T15:04:05.000Z07:00")

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("encode webhook payload")
		body = []byte("{}")
	}

	event := &Event{
		ID:         uuid.New(),
		EventType:  eventType,
		RecordID:   payload.RecordID,
		Payload:    body,
		WebhookURL: n.cfg.URL,
		CreatedAt:  now,
	}
	if payload.AnchorID != uuid.Nil {
		id := payload.AnchorID
		event.AnchorID = &id
	}

	if derr := n.deliver(ctx, eventType, body, now, event); derr != nil {
		log.Warn().Err(derr).Int("response_status", event.ResponseStatus).Msg("webhook delivery failed")
	} else {
		log.Info().Int("response_status", event.ResponseStatus).Msg("webhook delivered")
	}

	if n.observer != nil {
		n.observer.ObserveDelivery(string(eventType), event.Success)
	}

	if err := n.store.Record(context.WithoutCancel(ctx), event); err != nil {
		log.Error().Err(err).Msg("failed to record webhook event")
	}
	return event
}

func (n *Notifier) deliver(ctx context.Context, eventType EventType, body []byte, now time.Time, event *Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		event.ResponseBody = err.Error()
		return &WebhookDeliveryError{URL: n.cfg.URL, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(eventType))
	req.Header.Set(HeaderTimestamp, now.Format(time.RFC3339))
	if n.cfg.Secret != "" {
		req.Header.Set(HeaderSecret, n.cfg.Secret)
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, n.cfg.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		event.ResponseStatus = 0
		event.ResponseBody = err.Error()
		return &WebhookDeliveryError{URL: n.cfg.URL, Err: err}
	}
	defer resp.Body.Close()

	event.ResponseStatus = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	event.ResponseBody = string(bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookDeliveryError{URL: n.cfg.URL, StatusCode: resp.StatusCode}
	}
	event.Success = true
	return nil
}
