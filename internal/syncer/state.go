package syncer

import (
	"context"
	"errors"

	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

// State of the link to the backend.
type State int

const (
	// Disconnected: writes are queued offline.
	Disconnected State = iota
	// Connected: writes go straight to the backend.
	Connected
	// Draining: the offline queue is being replayed. Writes keep queueing
	// behind it and push events are buffered until it is empty.
	Draining
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "disconnected"
	}
}

type pushEvent struct {
	product *model.Product
	stock   *model.StockUpdate
}

// State returns the current link state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Online reports whether writes go straight to the backend.
func (c *Coordinator) Online() bool {
	return c.State() == Connected
}

// SetOffline moves to Disconnected. Buffered push events are kept.
func (c *Coordinator) SetOffline() {
	c.stateMu.Lock()
	prev := c.state
	c.state = Disconnected
	c.stateMu.Unlock()
	if prev != Disconnected {
		c.logger.Warn("backend link lost, queueing writes offline")
		publishOn(c.bus, events.NetworkChanged, events.Connectivity{Online: false})
	}
}

// SetOnline switches the link state. Going online replays the offline queue
// in FIFO order first; push events that arrive meanwhile are applied after
// it, in arrival order, and the replay report is returned. Going online while
// already connected or draining is a no-op.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) (offline.Report, error) {
	if !online {
		c.SetOffline()
		return offline.Report{}, nil
	}
	if !c.beginDrain() {
		return offline.Report{}, nil
	}
	return c.drain(ctx)
}

// ReplayQueue replays the offline queue now, holding new writes and push
// events behind it the way SetOnline does. The link ends up Connected unless
// it was lost meanwhile.
func (c *Coordinator) ReplayQueue(ctx context.Context) (offline.Report, error) {
	c.stateMu.Lock()
	if c.state == Draining {
		c.stateMu.Unlock()
		return offline.Report{}, nil
	}
	c.state = Draining
	c.stateMu.Unlock()
	return c.drain(ctx)
}

// beginDrain moves Disconnected to Draining. Push events arriving after it
// returns true are buffered.
func (c *Coordinator) beginDrain() bool {
	c.stateMu.Lock()
	if c.state != Disconnected {
		c.stateMu.Unlock()
		return false
	}
	c.state = Draining
	c.stateMu.Unlock()

	c.logger.Info("backend link restored, replaying offline queue")
	publishOn(c.bus, events.NetworkChanged, events.Connectivity{Online: true})
	return true
}

func (c *Coordinator) drain(ctx context.Context) (offline.Report, error) {
	var (
		rep offline.Report
		err error
	)
	if c.queue != nil {
		rep, err = c.queue.Process(ctx)
		if len(rep.Results) > 0 {
			publishOn(c.bus, events.OpsProcessed, events.OfflineProcessed{Succeeded: rep.Succeeded, Failed: rep.Failed})
		}
		if rep.Failed > 0 {
			c.notice("warning", "Some offline changes could not be sent")
		}
		if err != nil {
			c.logger.Error("offline replay interrupted", "error", err)
		}
	}

	halted := errors.Is(err, offline.ErrHalted)
	for {
		c.stateMu.Lock()
		pending := c.buffered
		c.buffered = nil
		if len(pending) == 0 {
			lost := false
			if c.state == Draining {
				if halted {
					c.state = Disconnected
					lost = true
				} else {
					c.state = Connected
				}
			}
			c.stateMu.Unlock()
			if lost {
				c.logger.Warn("backend went away during replay, queueing writes offline")
				publishOn(c.bus, events.NetworkChanged, events.Connectivity{Online: false})
			}
			return rep, err
		}
		c.stateMu.Unlock()

		for _, ev := range pending {
			if applyErr := c.applyExternal(ev); applyErr != nil {
				c.logger.Warn("dropping buffered push event", "error", applyErr)
			}
		}
	}
}

// buffer holds ev while the queue drains. It reports whether ev was buffered.
func (c *Coordinator) buffer(ev pushEvent) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != Draining {
		return false
	}
	c.buffered = append(c.buffered, ev)
	return true
}
