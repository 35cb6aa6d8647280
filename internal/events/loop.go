package events

import "context"

// runLoop executes tasks scheduled by emissions outside the emitter's stack.
type runLoop struct {
	tasks chan func()
}

func newRunLoop(buffer int) *runLoop {
	return &runLoop{tasks: make(chan func(), buffer)}
}

// schedule enqueues fn without blocking. It returns false when the loop is full.
func (l *runLoop) schedule(fn func()) bool {
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

func (l *runLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *runLoop) flush() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}
