package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventDistributionPublished is emitted when a distributor is persisted
	// for an epoch and token class.
	EventDistributionPublished EventType = "distribution.published"
	// EventCumulativeUpdated is emitted after the cumulative index moves to a
	// new version.
	EventCumulativeUpdated EventType = "cumulative.updated"

	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Merkledrop-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-Merkledrop-Event"
	// DeliveryHeader carries the delivery id.
	DeliveryHeader = "X-Merkledrop-Delivery"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// DistributionPublishedPayload describes a persisted distributor.
type DistributionPublishedPayload struct {
	Type        EventType `json:"type"`
	Epoch       string    `json:"epoch"`
	Class       string    `json:"class"`
	ChainID     uint64    `json:"chainId"`
	WindowIndex uint64    `json:"windowIndex"`
	Root        string    `json:"root"`
	Recipients  int       `json:"recipients"`
	Checksum    string    `json:"checksum"`
	CID         string    `json:"cid,omitempty"`
	RunID       string    `json:"runId"`
	GeneratedAt time.Time `json:"generatedAt"`
	DeliveryID  string    `json:"deliveryId"`
}

// CumulativeUpdatedPayload describes a new cumulative index version.
type CumulativeUpdatedPayload struct {
	Type        EventType `json:"type"`
	Epoch       string    `json:"epoch"`
	Version     uint64    `json:"version"`
	Classes     []string  `json:"classes"`
	Cells       int       `json:"cells"`
	Checksum    string    `json:"checksum"`
	RunID       string    `json:"runId"`
	GeneratedAt time.Time `json:"generatedAt"`
	DeliveryID  string    `json:"deliveryId"`
}

// ResultFunc observes the outcome of each delivery after its final attempt.
type ResultFunc func(event EventType, attempts int, err error)

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	onResult    ResultFunc

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type delivery struct {
	id        string
	eventType EventType
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithResultHook registers a callback invoked once per delivery.
func WithResultHook(fn ResultFunc) Option {
	return func(d *Dispatcher) {
		d.onResult = fn
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops accepting events and waits until queued deliveries finish or
// ctx expires. Pending retries are abandoned once ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// EnqueueDistributionPublished sends a distribution event asynchronously.
func (d *Dispatcher) EnqueueDistributionPublished(payload DistributionPublishedPayload) error {
	payload.Type = EventDistributionPublished
	if payload.GeneratedAt.IsZero() {
		payload.GeneratedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.DeliveryID, payload.Type, payload)
}

// EnqueueCumulativeUpdated sends a cumulative index event asynchronously.
func (d *Dispatcher) EnqueueCumulativeUpdated(payload CumulativeUpdatedPayload) error {
	payload.Type = EventCumulativeUpdated
	if payload.GeneratedAt.IsZero() {
		payload.GeneratedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.DeliveryID, payload.Type, payload)
}

func (d *Dispatcher) enqueue(id string, eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("webhook: dispatcher closed")
	}
	select {
	case d.queue <- delivery{id: id, eventType: eventType, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.process(job)
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil || attempt >= d.maxAttempts {
			d.report(job.eventType, attempt, err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.report(job.eventType, attempt, d.ctx.Err())
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) report(event EventType, attempts int, err error) {
	if d.onResult != nil {
		d.onResult(event, attempts, err)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(job.eventType))
	req.Header.Set(DeliveryHeader, job.id)
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
