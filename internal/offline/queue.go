// Package offline keeps write intent that could not reach the backend and
// replays it, strictly in enqueue order, once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lensdesk/internal/storage"
)

var (
	ErrNoExecutor  = errors.New("no executor registered")
	ErrInvalidKind = errors.New("invalid operation kind")
)

// OpKind names a replayable write.
type OpKind string

const (
	ProductCreate     OpKind = "product.create"
	ProductUpdate     OpKind = "product.update"
	ProductDelete     OpKind = "product.delete"
	ProductStock      OpKind = "product.stock"
	TransactionCreate OpKind = "transaction.create"
	SaleCreate        OpKind = "sale.create"
	UserCreate        OpKind = "user.create"
	UserUpdate        OpKind = "user.update"
	UserDelete        OpKind = "user.delete"
)

// Operation is a deferred write. The payload is kept as JSON so that queued
// intent survives a restart; the executor registered for Kind performs it.
type Operation struct {
	ID          string          `json:"id"`
	Kind        OpKind          `json:"kind"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	QueuedAt    time.Time       `json:"queued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewOperation encodes payload into a new Operation.
func NewOperation(kind OpKind, description string, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Operation{Kind: kind, Description: description, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (o Operation) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", o.Kind, err)
	}
	return nil
}

// Executor performs one queued operation against the backend.
type Executor func(ctx context.Context, op Operation) error

// Store abstracts the persisted queue. Implemented by storage.Store.
type Store interface {
	EnqueueOp(op storage.OfflineOp) (storage.OfflineOp, error)
	HeadOp() (*storage.OfflineOp, error)
	ListOps(status string) ([]storage.OfflineOp, error)
	CountOps(status string) (int, error)
	DeleteOp(id string) error
	RecordOpAttempt(id, errMsg string) error
	MarkOpDead(id string) error
	RequeueOp(id string) error
	ClearOps(status string) (int, error)
}

// Recorder receives queue metrics. Implemented by metrics.Metrics.
type Recorder interface {
	OpQueued(kind string)
	OpReplayed(kind string, ok bool)
	QueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) OpQueued(string)         {}
func (nopRecorder) OpReplayed(string, bool) {}
func (nopRecorder) QueueDepth(int)          {}

// Policy decides what happens to an operation whose replay failed.
type Policy int

const (
	// PolicyDrop removes the failed operation. Nothing blocks the queue, and
	// the write is lost.
	PolicyDrop Policy = iota
	// PolicyRetry retries in place with exponential backoff up to
	// MaxAttempts, then drops. Later operations wait for the retries.
	PolicyRetry
	// PolicyDeadLetter parks the failed operation with status dead so it can
	// be inspected and requeued.
	PolicyDeadLetter
)

func (p Policy) String() string {
	switch p {
	case PolicyRetry:
		return "retry"
	case PolicyDeadLetter:
		return "dead-letter"
	default:
		return "drop"
	}
}

// ParsePolicy accepts drop, retry and dead-letter (or deadletter).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "retry":
		return PolicyRetry, nil
	case "dead-letter", "deadletter", "dead_letter":
		return PolicyDeadLetter, nil
	}
	return PolicyDrop, fmt.Errorf("unknown offline failure policy %q", s)
}

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	ReplayDelay  time.Duration // pause between replays, default 100ms
	Policy       Policy
	MaxAttempts  int           // PolicyRetry only, default 3
	RetryBackoff time.Duration // first retry delay, doubled each attempt, default 500ms
	Logger       *slog.Logger
	Recorder     Recorder
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Queue is the durable offline operation queue. Process runs one replay at a
// time; concurrent calls wait for each other.
type Queue struct {
	store       Store
	delay       time.Duration
	policy      Policy
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	recorder    Recorder
	sleep       func(ctx context.Context, d time.Duration) error

	execMu    sync.RWMutex
	executors map[OpKind]Executor

	processMu sync.Mutex
}

// New creates a Queue over store.
func New(store Store, opts Options) *Queue {
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = 100 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Queue{
		store:       store,
		delay:       opts.ReplayDelay,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		sleep:       opts.Sleep,
		executors:   make(map[OpKind]Executor),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy returns the configured failure policy.
func (q *Queue) Policy() Policy { return q.policy }

// Register sets the executor for kind, replacing any previous one.
func (q *Queue) Register(kind OpKind, exec Executor) {
	q.execMu.Lock()
	q.executors[kind] = exec
	q.execMu.Unlock()
}

// Enqueue persists op at the tail of the queue. ID and QueuedAt are assigned.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if op.Kind == "" {
		return Operation{}, fmt.Errorf("%w: empty kind", ErrInvalidKind)
	}
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage("{}")
	}

	row, err := q.store.EnqueueOp(storage.OfflineOp{
		ID:          op.ID,
		Kind:        string(op.Kind),
		Description: op.Description,
		PayloadJSON: string(op.Payload),
	})
	if err != nil {
		return Operation{}, fmt.Errorf("enqueueing operation %s: %w", op.ID, err)
	}

	q.recorder.OpQueued(string(op.Kind))
	q.reportDepth()
	q.logger.Info("operation queued offline", "op_id", op.ID, "kind", op.Kind, "description", op.Description)
	return fromRow(row), nil
}

func fromRow(r storage.OfflineOp) Operation {
	return Operation{
		ID:          r.ID,
		Kind:        OpKind(r.Kind),
		Description: r.Description,
		Payload:     json.RawMessage(r.PayloadJSON),
		Status:      r.Status,
		Attempts:    r.Attempts,
		QueuedAt:    r.QueuedAt,
		LastError:   r.LastError,
	}
}

// Len returns the number of pending operations.
func (q *Queue) Len() (int, error) {
	return q.store.CountOps(storage.OpPending)
}

// Pending lists pending operations in replay order.
func (q *Queue) Pending() ([]Operation, error) {
	return q.list(storage.OpPending)
}

// DeadLetters lists operations parked by PolicyDeadLetter.
func (q *Queue) DeadLetters() ([]Operation, error) {
	return q.list(storage.OpDead)
}

func (q *Queue) list(status string) ([]Operation, error) {
	rows, err := q.store.ListOps(status)
	if err != nil {
		return nil, fmt.Errorf("listing %s operations: %w", status, err)
	}
	out := make([]Operation, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Requeue moves a dead operation back to the tail of the queue.
func (q *Queue) Requeue(id string) error {
	if err := q.store.RequeueOp(id); err != nil {
		return fmt.Errorf("requeueing operation %s: %w", id, err)
	}
	q.reportDepth()
	return nil
}

// Clear drops every pending and dead operation.
func (q *Queue) Clear() (int, error) {
	n, err := q.store.ClearOps("")
	if err != nil {
		return 0, fmt.Errorf("clearing offline queue: %w", err)
	}
	q.reportDepth()
	return n, nil
}

func (q *Queue) reportDepth() {
	n, err := q.store.CountOps(storage.OpPending)
	if err != nil {
		return
	}
	q.recorder.QueueDepth(n)
}
