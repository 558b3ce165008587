// Package audit ships denied and failed requests to an external collector
// as batched JSON webhooks. Emission never blocks a request: events go into
// a bounded ring buffer that drops the oldest entry when full, and a single
// goroutine flushes batches on size or on a timer.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/foodhub/gateway/internal/config"
)

// Event is one non-success request outcome.
type Event struct {
	RequestID string `json:"request_id,omitempty"`
	Outcome   string `json:"outcome"`
	Status    int    `json:"status"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Client    string `json:"client"`
	Subject   string `json:"subject,omitempty"`
	Service   string `json:"service,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// DropCounter is notified of every event lost to a full buffer.
type DropCounter interface {
	IncAuditDropped()
}

// Emitter batches events to an HTTP collector. A nil *Emitter is valid and
// discards everything, so callers need no enabled check.
type Emitter struct {
	logger *slog.Logger
	drops  DropCounter
	url    string
	client *http.Client
	batch  int
	every  time.Duration

	mu    sync.Mutex
	buf   []Event
	head  int
	count int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	// sendCtx bounds deliveries made by the flush loop; Close cancels it
	// when its own deadline passes.
	sendCtx    context.Context
	cancelSend context.CancelFunc
}

// NewEmitter starts an emitter for cfg. It returns nil when auditing is
// disabled.
func NewEmitter(cfg config.AuditConfig, logger *slog.Logger, drops DropCounter) *Emitter {
	if !cfg.Enabled {
		return nil
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 10_000
	}
	if size < batch {
		size = batch
	}
	every := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)
	if every <= 0 {
		every = 5 * time.Second
	}

	e := &Emitter{
		logger: logger.With("component", "audit"),
		drops:  drops,
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
		batch:  batch,
		every:  every,
		buf:    make([]Event, size),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	e.sendCtx, e.cancelSend = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.loop()
	return e
}

// Emit enqueues ev. It never blocks.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	e.mu.Lock()
	size := len(e.buf)
	e.buf[(e.head+e.count)%size] = ev
	dropped := e.count == size
	if dropped {
		e.head = (e.head + 1) % size
	} else {
		e.count++
	}
	full := e.count >= e.batch
	e.mu.Unlock()

	if dropped && e.drops != nil {
		e.drops.IncAuditDropped()
	}
	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and sends what is still buffered, giving up
// when ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.once.Do(func() { close(e.stop) })

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		e.cancelSend()
		return fmt.Errorf("audit: %d events not delivered: %w", e.pending(), ctx.Err())
	}
	defer e.cancelSend()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("audit: %d events not delivered: %w", e.pending(), err)
		}
		b := e.take()
		if len(b) == 0 {
			return nil
		}
		e.send(ctx, b)
	}
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	t := time.NewTicker(e.every)
	defer t.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
		case <-e.kick:
		}
		for b := e.take(); len(b) > 0; b = e.take() {
			e.send(e.sendCtx, b)
		}
	}
}

func (e *Emitter) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// take removes up to one batch from the front of the buffer.
func (e *Emitter) take() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := min(e.count, e.batch)
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	size := len(e.buf)
	for i := range n {
		out[i] = e.buf[(e.head+i)%size]
		e.buf[(e.head+i)%size] = Event{}
	}
	e.head = (e.head + n) % size
	e.count -= n
	return out
}

func (e *Emitter) send(ctx context.Context, b []Event) {
	if e.url == "" {
		e.logger.Debug("no audit url configured, discarding batch", "count", len(b))
		return
	}

	body, err := json.Marshal(struct {
		Events []Event `json:"events"`
	}{b})
	if err != nil {
		e.logger.Error("failed to marshal audit batch", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to build audit request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("failed to deliver audit batch", "error", err, "count", len(b))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		e.logger.Warn("audit collector rejected batch", "status", resp.StatusCode, "count", len(b))
	}
}
