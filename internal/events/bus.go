// Package events is the in-process publish/subscribe hub that decouples the
// producers and consumers of domain and system events.
//
// Listeners run in descending priority order (ties keep registration order)
// against a snapshot of the listener list taken before each emission. Every
// invocation is isolated: a returned error or a panic is recovered, recorded
// in the history, and counted by the listener's circuit breaker. A tripped
// listener leaves the active set and stays visible through Tripped until it is
// reset.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lensdesk/internal/breaker"
)

// ErrInvalidArgument is returned for a malformed event name or a nil handler.
var ErrInvalidArgument = errors.New("invalid argument")

// StatsEvent carries EmitStats after every emission that did not opt out.
const StatsEvent = "eventmanager:stats"

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]*$`)

// Handler receives the payload of an emitted event.
type Handler func(data any) error

// Recorder receives bus metrics. Implemented by metrics.Metrics.
type Recorder interface {
	EventEmitted(event string, listeners, failed int, took time.Duration)
	ListenerTripped(event string)
}

type nopRecorder struct{}

func (nopRecorder) EventEmitted(string, int, int, time.Duration) {}
func (nopRecorder) ListenerTripped(string)                       {}

// Options configures a Bus. Zero values select the defaults.
type Options struct {
	HistorySize      int // default 100
	BreakerThreshold int // consecutive failures before a listener trips, default 3
	AsyncLimit       int // max concurrent listeners in EmitAsync, 0 = unbounded
	LoopBuffer       int // pending post-emission tasks, default 256
	Logger           *slog.Logger
	Recorder         Recorder
	Clock            func() time.Time
}

type listener struct {
	id        string
	event     string
	fn        Handler
	key       any
	priority  int
	once      bool
	seq       uint64
	fired     atomic.Bool
	breaker   *breaker.Breaker
	createdAt time.Time
}

// claim reports whether the listener may run in the current round. A once
// listener can be claimed a single time across concurrent emissions.
func (l *listener) claim() bool {
	if !l.breaker.Allow() {
		return false
	}
	if l.once {
		return l.fired.CompareAndSwap(false, true)
	}
	return true
}

// Bus is safe for concurrent use.
type Bus struct {
	threshold  int
	asyncLimit int
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time
	loop       *runLoop
	debug      atomic.Bool

	mu        sync.RWMutex
	listeners map[string][]*listener
	tripped   map[string]*listener
	seq       uint64

	history *history

	totalEmits  atomic.Int64
	totalErrors atomic.Int64
	totalCalls  atomic.Int64
}

// New creates a Bus. Call Run to start delivering post-emission tasks.
func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 3
	}
	if opts.LoopBuffer <= 0 {
		opts.LoopBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Bus{
		threshold:  opts.BreakerThreshold,
		asyncLimit: opts.AsyncLimit,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		now:        opts.Clock,
		loop:       newRunLoop(opts.LoopBuffer),
		listeners:  make(map[string][]*listener),
		tripped:    make(map[string]*listener),
		history:    newHistory(opts.HistorySize),
	}
}

// ListenerOption customizes a registration.
type ListenerOption func(*listener)

// WithPriority sets the listener priority. Higher runs first.
func WithPriority(p int) ListenerOption {
	return func(l *listener) { l.priority = p }
}

// Once removes the listener after its first invocation.
func Once() ListenerOption {
	return func(l *listener) { l.once = true }
}

// WithKey tags the listener with an owner key so OffKey can remove every
// listener the owner registered. Go funcs have no identity, so the key
// stands in for the callback: pass the receiver pointer, not a method value.
// The key must be comparable.
func WithKey(key any) ListenerOption {
	return func(l *listener) { l.key = key }
}

// Registration identifies a registered listener.
type Registration struct {
	ID    string
	Event string
	bus   *Bus
}

// Unsubscribe removes the listener. It reports whether anything was removed.
func (r Registration) Unsubscribe() bool {
	if r.bus == nil {
		return false
	}
	return r.bus.OffID(r.Event, r.ID) > 0
}

// On registers fn for event.
func (b *Bus) On(event string, fn Handler, opts ...ListenerOption) (Registration, error) {
	return b.on(event, fn, opts...)
}

// Once is On with the once flag set.
func (b *Bus) Once(event string, fn Handler, opts ...ListenerOption) (Registration, error) {
	return b.on(event, fn, append(opts, Once())...)
}

func (b *Bus) on(event string, fn Handler, opts ...ListenerOption) (Registration, error) {
	if !eventNamePattern.MatchString(event) {
		return Registration{}, fmt.Errorf("%w: event name %q", ErrInvalidArgument, event)
	}
	if fn == nil {
		return Registration{}, fmt.Errorf("%w: nil handler for %q", ErrInvalidArgument, event)
	}

	l := &listener{
		id:        uuid.New().String(),
		event:     event,
		fn:        fn,
		breaker:   breaker.New(b.threshold),
		createdAt: b.now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if !comparableKey(l.key) {
		return Registration{}, fmt.Errorf("%w: listener key %T is not comparable", ErrInvalidArgument, l.key)
	}

	b.mu.Lock()
	b.seq++
	l.seq = b.seq
	b.insertLocked(l)
	b.mu.Unlock()

	if b.debug.Load() {
		b.logger.Info("listener registered", "event", event, "listener_id", l.id, "priority", l.priority, "once", l.once)
	}
	return Registration{ID: l.id, Event: event, bus: b}, nil
}

// insertLocked keeps the list ordered by descending priority, then by
// registration sequence.
func (b *Bus) insertLocked(l *listener) {
	list := b.listeners[l.event]
	i := sort.Search(len(list), func(i int) bool {
		if list[i].priority != l.priority {
			return list[i].priority < l.priority
		}
		return list[i].seq > l.seq
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = l
	b.listeners[l.event] = list
}

// OffID removes the listener with the given id from event. It returns the
// number of listeners removed.
func (b *Bus) OffID(event, id string) int {
	return b.off(event, func(l *listener) bool { return l.id == id })
}

// OffKey removes every listener of event registered WithKey(key). It returns
// the number of listeners removed.
func (b *Bus) OffKey(event string, key any) int {
	if key == nil || !comparableKey(key) {
		return 0
	}
	return b.off(event, func(l *listener) bool { return l.key != nil && l.key == key })
}

func (b *Bus) off(event string, match func(*listener) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, l := range b.tripped {
		if l.event == event && match(l) {
			delete(b.tripped, id)
			removed++
		}
	}

	list, ok := b.listeners[event]
	if !ok {
		if removed == 0 {
			b.logger.Warn("off called for event without listeners", "event", event)
		}
		return removed
	}
	kept := list[:0:0]
	for _, l := range list {
		if match(l) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	b.setLocked(event, kept)
	return removed
}

func (b *Bus) setLocked(event string, list []*listener) {
	if len(list) == 0 {
		delete(b.listeners, event)
		return
	}
	b.listeners[event] = list
}

// RemoveAll drops every listener of event, including tripped ones.
func (b *Bus) RemoveAll(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
	for id, l := range b.tripped {
		if l.event == event {
			delete(b.tripped, id)
		}
	}
}

func (b *Bus) snapshot(event string) []*listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.listeners[event]
	out := make([]*listener, len(list))
	copy(out, list)
	return out
}

// EmitOption customizes a single emission.
type EmitOption func(*emitConfig)

type emitConfig struct {
	stats   bool
	timeout time.Duration
}

// WithoutStats suppresses the eventmanager:stats follow-up for this emission.
func WithoutStats() EmitOption {
	return func(c *emitConfig) { c.stats = false }
}

// WithTimeout flags listeners that take longer than d as slow. Slow listeners
// are logged; delivery is not interrupted.
func WithTimeout(d time.Duration) EmitOption {
	return func(c *emitConfig) { c.timeout = d }
}

// Emit synchronously invokes every current listener of event in priority
// order. It returns true iff no listener failed.
func (b *Bus) Emit(event string, data any, opts ...EmitOption) bool {
	cfg := emitConfig{stats: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := b.now()
	b.totalEmits.Add(1)
	b.history.add(Entry{Event: event, Type: EntryEmitted, At: start, Payload: data})
	if b.debug.Load() {
		b.logger.Info("emit", "event", event)
	}

	var invoked, failed int
	for _, l := range b.snapshot(event) {
		if !l.claim() {
			continue
		}
		invoked++
		if err := b.dispatch(l, data, cfg.timeout); err != nil {
			failed++
		}
	}

	b.finish(event, invoked, failed, start, cfg.stats)
	return failed == 0
}

// EmitAsync starts every listener in priority order on its own goroutine and
// waits for all of them to settle. Completion order is not guaranteed.
func (b *Bus) EmitAsync(ctx context.Context, event string, data any, opts ...EmitOption) bool {
	cfg := emitConfig{stats: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := b.now()
	b.totalEmits.Add(1)
	b.history.add(Entry{Event: event, Type: EntryEmitted, At: start, Payload: data})

	var g errgroup.Group
	if b.asyncLimit > 0 {
		g.SetLimit(b.asyncLimit)
	}
	var invoked, failed atomic.Int32
	for _, l := range b.snapshot(event) {
		if !l.claim() {
			continue
		}
		invoked.Add(1)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				if l.once {
					b.OffID(l.event, l.id)
				}
				b.recordFailure(l, err)
				failed.Add(1)
				return nil
			}
			if err := b.dispatch(l, data, cfg.timeout); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	b.finish(event, int(invoked.Load()), int(failed.Load()), start, cfg.stats)
	return failed.Load() == 0
}

func (b *Bus) finish(event string, invoked, failed int, start time.Time, stats bool) {
	took := b.now().Sub(start)
	b.recorder.EventEmitted(event, invoked, failed, took)
	if !stats || event == StatsEvent {
		return
	}
	st := EmitStats{
		Event:     event,
		Listeners: invoked,
		Succeeded: invoked - failed,
		Failed:    failed,
		Duration:  took,
	}
	if !b.loop.schedule(func() { b.Emit(StatsEvent, st, WithoutStats()) }) {
		b.logger.Debug("stats task dropped, run loop full", "event", event)
	}
}

// dispatch runs a single listener with full isolation and accounting.
func (b *Bus) dispatch(l *listener, data any, timeout time.Duration) error {
	b.totalCalls.Add(1)
	began := b.now()
	err := invoke(l.fn, data)
	if timeout > 0 {
		if took := b.now().Sub(began); took > timeout {
			b.logger.Warn("slow listener", "event", l.event, "listener_id", l.id, "took", took, "timeout", timeout)
		}
	}

	if l.once {
		b.OffID(l.event, l.id)
	}

	if err != nil {
		b.recordFailure(l, err)
		return err
	}
	l.breaker.Success(b.now())
	return nil
}

func (b *Bus) recordFailure(l *listener, err error) {
	at := b.now()
	b.totalErrors.Add(1)
	b.history.add(Entry{Event: l.event, Type: EntryError, At: at, Error: err.Error()})
	b.logger.Error("listener failed", "event", l.event, "listener_id", l.id, "error", err)

	if !l.breaker.Failure(at, err) {
		return
	}
	b.mu.Lock()
	list := b.listeners[l.event]
	for i, existing := range list {
		if existing == l {
			b.setLocked(l.event, append(list[:i:i], list[i+1:]...))
			if !l.once {
				b.tripped[l.id] = l
			}
			break
		}
	}
	b.mu.Unlock()
	b.recorder.ListenerTripped(l.event)
	b.logger.Warn("listener circuit opened", "event", l.event, "listener_id", l.id, "failures", l.breaker.Snapshot().Failures)
}

func invoke(fn Handler, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(data)
}

// ResetListener closes a tripped listener's breaker and puts it back in the
// active set. It reports whether the id was tripped.
func (b *Bus) ResetListener(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.tripped[id]
	if !ok {
		return false
	}
	delete(b.tripped, id)
	l.breaker.Reset()
	b.insertLocked(l)
	return true
}

// Run delivers post-emission tasks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	b.loop.run(ctx)
}

// Flush runs every pending post-emission task on the calling goroutine.
func (b *Bus) Flush() {
	b.loop.flush()
}

// SetDebug toggles verbose logging of registrations and emissions.
func (b *Bus) SetDebug(on bool) {
	b.debug.Store(on)
}

func comparableKey(key any) bool {
	return key == nil || reflect.TypeOf(key).Comparable()
}
