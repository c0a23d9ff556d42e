package audit

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/validator"
)

// Exchange is the captured side of a proxied call.
type Exchange struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Record is one audited resource call and its validation report.
type Record struct {
	ID                    int64            `json:"id,string"`
	InteractionID         string           `json:"interactionId"`
	SessionID             string           `json:"sessionId,omitempty"`
	AuthorisationServerID string           `json:"authorisationServerId"`
	Scope                 string           `json:"scope,omitempty"`
	Permissions           []string         `json:"permissions,omitempty"`
	Request               Exchange         `json:"request"`
	Response              Exchange         `json:"response"`
	Report                validator.Report `json:"report"`
	CreatedAt             time.Time        `json:"createdAt"`
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Emitter hands records to a background worker. Emit never blocks and never
// fails the caller; records are dropped when the buffer is full.
type Emitter struct {
	sink   Sink
	node   *snowflake.Node
	logger *zap.Logger

	mu      sync.RWMutex
	records chan Record
	closed  bool
	done    chan struct{}
}

// NewEmitter constructs an Emitter with a buffer of size records.
func NewEmitter(sink Sink, node *snowflake.Node, size int, logger *zap.Logger) *Emitter {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Emitter{
		sink:    sink,
		node:    node,
		logger:  logger.Named("audit"),
		records: make(chan Record, size),
		done:    make(chan struct{}),
	}
}

// Start runs the worker until Stop.
func (e *Emitter) Start() {
	go e.run()
}

func (e *Emitter) run() {
	defer close(e.done)
	for rec := range e.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.sink.Write(ctx, rec); err != nil {
			e.logger.Warn("audit write failed",
				zap.Int64("id", rec.ID),
				zap.String("interaction_id", rec.InteractionID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Emit queues rec, assigning its id and timestamp.
func (e *Emitter) Emit(rec Record) bool {
	if e == nil {
		return false
	}
	if e.node != nil {
		rec.ID = e.node.Generate().Int64()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.records <- rec:
		return true
	default:
		e.logger.Warn("audit buffer full, record dropped", zap.String("interaction_id", rec.InteractionID))
		return false
	}
}

// Stop drains queued records or gives up when ctx ends.
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.records)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
