package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// PushDispatcher forwards booking events to an external push provider over HTTP.
// Notify only enqueues; a single worker does the posting.
type PushDispatcher struct {
	Endpoint string
	// Key is sent as a bearer token when set, as FCM-style providers expect.
	Key    string
	Client *http.Client

	queue  chan models.BookingEvent
	logger *slog.Logger
}

func NewPushDispatcher(endpoint string, queueSize int, logger *slog.Logger) *PushDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		queue:    make(chan models.BookingEvent, queueSize),
		logger:   logger,
	}
}

func (p *PushDispatcher) Notify(evt models.BookingEvent) {
	select {
	case p.queue <- evt:
	default:
		observability.EventsExported.WithLabelValues("push", "dropped").Inc()
	}
}

// Run drains the queue until ctx is done.
func (p *PushDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.queue:
			if err := p.post(ctx, evt); err != nil {
				observability.EventsExported.WithLabelValues("push", "error").Inc()
				p.logger.Warn("push delivery failed", "booking_id", evt.BookingID, "type", evt.Type, "error", err)
				continue
			}
			observability.EventsExported.WithLabelValues("push", "ok").Inc()
		}
	}
}

func (p *PushDispatcher) post(ctx context.Context, evt models.BookingEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
