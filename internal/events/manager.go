package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"teamsbridge/pkg/httputil"
)

// DeliveryStatus represents the status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Event is one integration event awaiting delivery.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Data         map[string]interface{} `json:"data"`
	CreatedAt    time.Time              `json:"created_at"`
	AttemptCount int                    `json:"attempt_count"`
	Status       DeliveryStatus         `json:"status"`
	LastError    string                 `json:"last_error,omitempty"`

	inFlight bool
	body     []byte
}

// DeliveryResult represents the result of a delivery attempt on one channel
type DeliveryResult struct {
	Channel   string    `json:"channel"` // "webhook" or "rabbitmq"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures a Manager.
type Options struct {
	WebhookURL   string
	Rabbit       RabbitOptions
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// Status summarises the manager for the health endpoint.
type Status struct {
	Status         string   `json:"status"`
	PendingEvents  int      `json:"pending_events"`
	MaxRetries     int      `json:"max_retries"`
	TimeoutMs      int64    `json:"timeout_ms"`
	RetryBackoffMs int64    `json:"retry_backoff_ms"`
	Channels       []string `json:"channels"`
	Delivered      int64    `json:"delivered"`
	Failed         int64    `json:"failed"`
}

// Manager fans integration events out to a webhook and RabbitMQ, retrying failures.
type Manager struct {
	mu            sync.RWMutex
	pendingEvents map[string]*Event
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration

	webhookURL string
	http       *resty.Client
	rabbit     *rabbitPublisher

	delivered int64
	failed    int64

	// stopped is guarded by mu. Deliveries are only added to wg while mu is held and
	// stopped is false, so Stop's Wait never races with an Add.
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a delivery manager. With neither a webhook nor RabbitMQ configured
// every Publish is dropped. A RabbitMQ connection failure is returned.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	m := &Manager{
		pendingEvents: make(map[string]*Event),
		maxRetries:    opts.MaxRetries,
		retryBackoff:  opts.RetryBackoff,
		timeout:       opts.Timeout,
		webhookURL:    opts.WebhookURL,
		http:          httputil.NewDefaultRestyClient(5 * time.Second),
		stop:          make(chan struct{}),
	}

	if opts.Rabbit.URL != "" {
		rp, err := newRabbitPublisher(opts.Rabbit)
		if err != nil {
			return nil, err
		}
		m.rabbit = rp
	} else {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
	}

	m.wg.Add(1)
	go m.processRetries()

	log.Info().
		Int("maxRetries", m.maxRetries).
		Dur("timeout", m.timeout).
		Strs("channels", m.channels()).
		Msg("Delivery manager initialized")
	return m, nil
}

func (m *Manager) channels() []string {
	var ch []string
	if m.webhookURL != "" {
		ch = append(ch, "webhook")
	}
	if m.rabbit != nil {
		ch = append(ch, "rabbitmq")
	}
	return ch
}

// Publish queues an event for delivery and returns immediately.
func (m *Manager) Publish(eventType string, data map[string]interface{}) {
	if len(m.channels()) == 0 {
		return
	}
	if !IsValidEventType(eventType) {
		log.Warn().Str("eventType", eventType).Msg("Dropping event of unknown type")
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now(),
		Status:    DeliveryStatusPending,
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":        event.ID,
		"type":      event.Type,
		"timestamp": event.CreatedAt.UTC().Format(time.RFC3339),
		"data":      event.Data,
	})
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("Failed to marshal event")
		return
	}
	event.body = body

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		log.Warn().Str("eventType", eventType).Msg("Delivery manager stopped, dropping event")
		return
	}
	m.pendingEvents[event.ID] = event
	event.inFlight = true
	log.Debug().Str("eventID", event.ID).Str("eventType", eventType).Msg("Starting event delivery")
	m.deliverLocked(event)
}

// deliverLocked starts an asynchronous delivery. m.mu must be held and the manager running.
func (m *Manager) deliverLocked(event *Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.processDelivery(event)
	}()
}

// processDelivery delivers to every configured channel in parallel.
func (m *Manager) processDelivery(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan DeliveryResult, 2)

	if m.webhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.deliverToWebhook(ctx, event)
		}()
	}
	if m.rabbit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.deliverToRabbitMQ(ctx, event)
		}()
	}
	wg.Wait()
	close(results)

	allSuccess := true
	lastError := ""
	for result := range results {
		if !result.Success {
			allSuccess = false
			lastError = result.Channel + ": " + result.Error
		}
		log.Debug().
			Str("eventID", event.ID).
			Str("channel", result.Channel).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Channel delivery result")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	event.inFlight = false
	if allSuccess {
		event.Status = DeliveryStatusDelivered
		delete(m.pendingEvents, event.ID)
		m.delivered++
		log.Info().Str("eventID", event.ID).Str("eventType", event.Type).Msg("Event delivered")
		return
	}

	event.AttemptCount++
	event.LastError = lastError
	if event.AttemptCount >= m.maxRetries {
		event.Status = DeliveryStatusFailed
		delete(m.pendingEvents, event.ID)
		m.failed++
		log.Error().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", lastError).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", event.ID).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", m.maxRetries).
		Msg("Event delivery failed, will retry")
}

func (m *Manager) deliverToWebhook(ctx context.Context, event *Event) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "webhook", Timestamp: start}

	resp, err := m.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"jsonData":  string(event.body),
			"eventType": event.Type,
		}).
		Post(m.webhookURL)
	result.Duration = time.Since(start).Milliseconds()

	if err == nil && resp.IsError() {
		err = fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	if err != nil {
		result.Error = err.Error()
		log.Error().Err(err).Str("eventID", event.ID).Str("webhookURL", m.webhookURL).Msg("Webhook delivery failed")
		return result
	}
	result.Success = true
	return result
}

func (m *Manager) deliverToRabbitMQ(ctx context.Context, event *Event) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "rabbitmq", Timestamp: start}

	err := m.rabbit.publish(ctx, event.Type, event.body)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (m *Manager) processRetries() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.RetryPending()
		}
	}
}

// RetryPending re-delivers pending events that are not currently being delivered.
// It returns how many were started.
func (m *Manager) RetryPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0
	}
	started := 0
	for _, event := range m.pendingEvents {
		if !event.inFlight && event.Status == DeliveryStatusPending && event.AttemptCount < m.maxRetries {
			event.inFlight = true
			log.Info().Str("eventID", event.ID).Int("attemptCount", event.AttemptCount).Msg("Retrying event delivery")
			m.deliverLocked(event)
			started++
		}
	}
	return started
}

// Retry re-delivers one pending event with a fresh attempt budget.
func (m *Manager) Retry(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.pendingEvents[eventID]
	if !ok || event.inFlight || m.stopped {
		return ok
	}
	event.AttemptCount = 0
	event.Status = DeliveryStatusPending
	event.inFlight = true

	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
	m.deliverLocked(event)
	return true
}

// Get returns a copy of a pending event.
func (m *Manager) Get(eventID string) (*Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.pendingEvents[eventID]
	if !ok {
		return nil, false
	}
	cp := *event
	return &cp, true
}

// Pending lists up to limit pending events, oldest first.
func (m *Manager) Pending(limit int) []Event {
	m.mu.RLock()
	out := make([]Event, 0, len(m.pendingEvents))
	for _, e := range m.pendingEvents {
		out = append(out, *e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Status reports the manager's configuration and counters.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := m.channels()
	if channels == nil {
		channels = []string{}
	}
	state := "running"
	if m.stopped {
		state = "stopped"
	}
	return Status{
		Status:         state,
		PendingEvents:  len(m.pendingEvents),
		MaxRetries:     m.maxRetries,
		TimeoutMs:      m.timeout.Milliseconds(),
		RetryBackoffMs: m.retryBackoff.Milliseconds(),
		Channels:       channels,
		Delivered:      m.delivered,
		Failed:         m.failed,
	}
}

// Stop ends the retry loop, waits for in-flight deliveries and closes RabbitMQ.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		close(m.stop)
		m.mu.Unlock()

		m.wg.Wait()
		if m.rabbit != nil {
			m.rabbit.close()
		}
		log.Info().Msg("Delivery manager stopped")
	})
}
