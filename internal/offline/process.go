package offline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dispositions of a processed operation.
const (
	Replayed     = "replayed"
	Dropped      = "dropped"
	DeadLettered = "dead-lettered"
)

// ErrHalted is returned by Process when an executor reported the backend
// gone. The operation stays at the head of the queue.
var ErrHalted = errors.New("offline replay halted")

// Result is the outcome of one operation in a replay run.
type Result struct {
	ID          string        `json:"id"`
	Kind        OpKind        `json:"kind"`
	Description string        `json:"description"`
	Succeeded   bool          `json:"succeeded"`
	Attempts    int           `json:"attempts"`
	Disposition string        `json:"disposition"`
	Error       string        `json:"error,omitempty"`
	Took        time.Duration `json:"took"`
}

// Report lists results in processing order.
type Report struct {
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// Process replays pending operations from the head of the queue, one at a
// time, pausing ReplayDelay between them. Operation N+1 never starts before
// N has settled. A failed operation is handled by the queue's Policy and
// never blocks the operations behind it. Process stops early, returning the
// partial report and ctx's error, when ctx is cancelled, and ErrHalted when
// an executor returns a Halt error.
func (q *Queue) Process(ctx context.Context) (Report, error) {
	q.processMu.Lock()
	defer q.processMu.Unlock()
	defer q.reportDepth()

	var rep Report
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		row, err := q.store.HeadOp()
		if err != nil {
			return rep, fmt.Errorf("reading queue head: %w", err)
		}
		if row == nil {
			break
		}
		if i > 0 {
			if err := q.sleep(ctx, q.delay); err != nil {
				return rep, err
			}
		}

		res, err := q.replay(ctx, fromRow(*row))
		if err != nil {
			return rep, err
		}
		rep.Results = append(rep.Results, res)
		if res.Succeeded {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
	}

	if len(rep.Results) > 0 {
		q.logger.Info("offline queue processed", "succeeded", rep.Succeeded, "failed", rep.Failed)
	}
	return rep, nil
}

// replay runs one operation to a final disposition. The returned error is a
// storage failure; executor failures are part of the Result.
func (q *Queue) replay(ctx context.Context, op Operation) (Result, error) {
	res := Result{ID: op.ID, Kind: op.Kind, Description: op.Description}
	start := time.Now()

	attempts := 1
	if q.policy == PolicyRetry {
		attempts = q.maxAttempts
	}

	var execErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			wait := q.backoff << (n - 1)
			q.logger.Debug("retrying offline operation", "op_id", op.ID, "attempt", n+1, "wait", wait)
			if err := q.sleep(ctx, wait); err != nil {
				return res, err
			}
		}
		res.Attempts++
		execErr = q.execute(ctx, op)
		if execErr == nil {
			break
		}
		if err := q.store.RecordOpAttempt(op.ID, execErr.Error()); err != nil {
			return res, fmt.Errorf("recording attempt of %s: %w", op.ID, err)
		}
		if isHalt(execErr) {
			q.logger.Warn("offline replay halted, keeping operation queued", "op_id", op.ID, "kind", op.Kind, "error", execErr)
			return res, fmt.Errorf("%w at %s: %v", ErrHalted, op.ID, execErr)
		}
		if isPermanent(execErr) {
			break
		}
	}
	res.Took = time.Since(start)

	if execErr == nil {
		if err := q.store.DeleteOp(op.ID); err != nil {
			return res, fmt.Errorf("dequeueing %s: %w", op.ID, err)
		}
		res.Succeeded = true
		res.Disposition = Replayed
		q.recorder.OpReplayed(string(op.Kind), true)
		q.logger.Info("offline operation replayed", "op_id", op.ID, "kind", op.Kind)
		return res, nil
	}

	res.Error = execErr.Error()
	q.recorder.OpReplayed(string(op.Kind), false)
	if q.policy == PolicyDeadLetter {
		if err := q.store.MarkOpDead(op.ID); err != nil {
			return res, fmt.Errorf("dead-lettering %s: %w", op.ID, err)
		}
		res.Disposition = DeadLettered
		q.logger.Warn("offline operation dead-lettered", "op_id", op.ID, "kind", op.Kind, "error", execErr)
		return res, nil
	}

	if err := q.store.DeleteOp(op.ID); err != nil {
		return res, fmt.Errorf("dropping %s: %w", op.ID, err)
	}
	res.Disposition = Dropped
	q.logger.Warn("offline operation dropped", "op_id", op.ID, "kind", op.Kind, "attempts", res.Attempts, "error", execErr)
	return res, nil
}

func (q *Queue) execute(ctx context.Context, op Operation) (err error) {
	q.execMu.RLock()
	exec := q.executors[op.Kind]
	q.execMu.RUnlock()
	if exec == nil {
		return permanent{fmt.Errorf("%w for %s", ErrNoExecutor, op.Kind)}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, op)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Halt marks err as a lost link. Process keeps the operation and stops.
func Halt(err error) error {
	if err == nil {
		return nil
	}
	return halt{err}
}

type halt struct{ err error }

func (h halt) Error() string { return h.err.Error() }
func (h halt) Unwrap() error { return h.err }

func isHalt(err error) bool {
	var h halt
	return errors.As(err, &h)
}
