package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique field (barcode, username) is taken.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientStock is returned when a sale would take stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Offline operation statuses.
const (
	OpPending = "pending"
	OpDead    = "dead"
)

// OfflineOp is a persisted deferred write. Seq gives the enqueue order.
type OfflineOp struct {
	Seq         int64
	ID          string
	Kind        string
	Description string
	PayloadJSON string
	Status      string
	Attempts    int
	QueuedAt    time.Time
	UpdatedAt   time.Time
	LastError   string
}

// EventRecord is a persisted domain event.
type EventRecord struct {
	Seq         int64
	Event       string
	PayloadJSON string
	CreatedAt   time.Time
}

// Activity is an audit row written for every backend mutation.
type Activity struct {
	Seq       int64     `json:"seq"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	Type      string
	ProductID string
	Since     time.Time
	Limit     int
}
