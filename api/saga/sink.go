package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ferry/api/hub"
)

// Sink receives a copy of every appended event after it has been stored.
// Sinks are best effort: a failing sink never fails the append.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt Event) error
}

// Tee stores events in a primary Store and fans them out to sinks from a
// single background goroutine, preserving append order per sink.
type Tee struct {
	Store
	sinks []Sink

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewTee(primary Store, sinks ...Sink) *Tee {
	t := &Tee{
		Store: primary,
		sinks: sinks,
		queue: make(chan Event, 1024),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tee) Append(ctx context.Context, evt *Event) error {
	if err := t.Store.Append(ctx, evt); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || len(t.sinks) == 0 {
		return nil
	}
	select {
	case t.queue <- *evt:
	default:
		log.Printf("saga: sink queue full, dropping %s for %s", evt.Action, evt.Branch)
	}
	return nil
}

func (t *Tee) run() {
	defer close(t.done)
	for evt := range t.queue {
		for _, s := range t.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Publish(ctx, evt); err != nil {
				log.Printf("saga: sink %s: %v", s.Name(), err)
			}
			cancel()
		}
	}
}

// Close flushes queued events to the sinks and stops the fan-out goroutine.
func (t *Tee) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}

// --- kafka ---

type KafkaConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout, default 5s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams events to a Kafka topic keyed by branch, so all events of
// one environment land on the same partition in order.
type KafkaSink struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	})
	return newKafkaSink(w, cfg.MaxAttempts, cfg.WriteTimeout), nil
}

func newKafkaSink(w messageWriter, maxAttempts int, writeTimeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: w, maxAttempts: maxAttempts, writeTimeout: writeTimeout}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(evt.Branch), Value: value, Time: evt.Timestamp.UTC()}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := k.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == k.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", k.maxAttempts, lastErr)
}

func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// --- websocket hub ---

type Broadcaster interface {
	Broadcast(evt hub.Event)
}

// BroadcastSink pushes events to connected websocket clients.
type BroadcastSink struct {
	hub Broadcaster
}

func NewBroadcastSink(h Broadcaster) *BroadcastSink {
	return &BroadcastSink{hub: h}
}

func (b *BroadcastSink) Name() string { return "hub" }

func (b *BroadcastSink) Publish(ctx context.Context, evt Event) error {
	b.hub.Broadcast(hub.Event{Type: hub.TypeSagaEvent, Branch: evt.Branch, Payload: evt})
	return nil
}

// --- notification hooks ---

// NotifySink POSTs deploy start and finish events as JSON to every configured
// hook URL.
type NotifySink struct {
	urls   []string
	client *http.Client
}

func NewNotifySink(urls []string) *NotifySink {
	return &NotifySink{urls: urls, client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *NotifySink) Name() string { return "notify" }

type notification struct {
	Event     string    `json:"event"`
	Branch    string    `json:"branch"`
	SagaID    string    `json:"sagaId"`
	Category  string    `json:"category"`
	Outcome   string    `json:"outcome,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *NotifySink) Publish(ctx context.Context, evt Event) error {
	if evt.Action != ActionDeployStart && evt.Action != ActionDeployFinish {
		return nil
	}
	body, err := json.Marshal(notification{
		Event:     evt.Action,
		Branch:    evt.Branch,
		SagaID:    evt.SagaID,
		Category:  evt.Category,
		Outcome:   evt.Outcome,
		Message:   evt.Message,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, url := range n.urls {
		if err := n.post(ctx, url, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *NotifySink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: status %d", url, resp.StatusCode)
	}
	return nil
}
