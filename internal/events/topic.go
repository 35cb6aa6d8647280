package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/lensdesk/internal/model"
)

// ErrPayloadType is recorded when a typed listener receives a payload of the
// wrong type through the untyped Emit.
var ErrPayloadType = errors.New("unexpected payload type")

// Topic binds an event name to its payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed event name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

// Subscribe registers a typed listener for t.
func Subscribe[T any](b *Bus, t Topic[T], fn func(T) error, opts ...ListenerOption) (Registration, error) {
	if fn == nil {
		return Registration{}, fmt.Errorf("%w: nil handler for %q", ErrInvalidArgument, t.name)
	}
	wrapped := func(data any) error {
		v, ok := data.(T)
		if !ok {
			return fmt.Errorf("%w: %s expects %T, got %T", ErrPayloadType, t.name, v, data)
		}
		return fn(v)
	}
	return b.on(t.name, wrapped, opts...)
}

// Publish emits v on t.
func Publish[T any](b *Bus, t Topic[T], v T, opts ...EmitOption) bool {
	return b.Emit(t.name, v, opts...)
}

// PublishAsync emits v on t through EmitAsync.
func PublishAsync[T any](ctx context.Context, b *Bus, t Topic[T], v T, opts ...EmitOption) bool {
	return b.EmitAsync(ctx, t.name, v, opts...)
}

// EmitStats is the payload of the eventmanager:stats follow-up.
type EmitStats struct {
	Event     string        `json:"event"`
	Listeners int           `json:"listeners"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// CacheChange describes a cache mutation or eviction.
type CacheChange struct {
	Kind   model.Kind `json:"kind"`
	Action string     `json:"action"`
	Count  int        `json:"count"`
}

// SyncConfirmation is emitted after the coordinator applied an update.
type SyncConfirmation struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// ForceRefresh reports the per-kind outcome of a global sync.
type ForceRefresh struct {
	Failed map[model.Kind]string `json:"failed,omitempty"`
}

// Notice is a user-facing message for the active view.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Connectivity reports a change of the backend link.
type Connectivity struct {
	Online bool `json:"online"`
}

// OfflineQueued is emitted when a write is deferred.
type OfflineQueued struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// OfflineProcessed summarizes a replay run.
type OfflineProcessed struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Domain topics. Views emit these after a successful backend write.
var (
	ProductCreated      = NewTopic[model.Product]("data:product:created")
	ProductUpdated      = NewTopic[model.Product]("data:product:updated")
	ProductDeleted      = NewTopic[string]("data:product:deleted")
	ProductStockUpdated = NewTopic[model.StockUpdate]("data:product:stock-updated")
	SaleCreated         = NewTopic[model.Sale]("data:sale:created")
	SaleDeleted         = NewTopic[string]("data:sale:deleted")
	TransactionCreated  = NewTopic[model.Transaction]("data:transaction:created")
	UserCreated         = NewTopic[model.User]("data:user:created")
	UserUpdated         = NewTopic[model.User]("data:user:updated")
	UserDeleted         = NewTopic[string]("data:user:deleted")
)

// Push-channel topics.
var (
	ExternalProductUpdated = NewTopic[model.Product]("external:product:updated")
	ExternalStockUpdated   = NewTopic[model.StockUpdate]("external:product:stock-updated")
)

// System topics.
var (
	Stats            = NewTopic[EmitStats](StatsEvent)
	CacheUpdated     = NewTopic[CacheChange]("cache:updated")
	CacheInvalidated = NewTopic[CacheChange]("cache:invalidated")
	CacheCleared     = NewTopic[CacheChange]("cache:cleared")
	ProductSynced    = NewTopic[SyncConfirmation]("sync:product-synced")
	StockSynced      = NewTopic[SyncConfirmation]("sync:stock-synced")
	SyncForced       = NewTopic[ForceRefresh]("sync:force-refresh")
	NoticeShown      = NewTopic[Notice]("notification:show")
	NetworkChanged   = NewTopic[Connectivity]("network:status")
	OpQueued         = NewTopic[OfflineQueued]("offline:queued")
	OpsProcessed     = NewTopic[OfflineProcessed]("offline:processed")
)
