package actor

import (
	"sync"
	"time"
)

// Cancellable is a handle on a scheduled delivery.
type Cancellable interface {
	Cancel()
}

type onceTask struct {
	timer *time.Timer
}

func (t *onceTask) Cancel() { t.timer.Stop() }

type repeatTask struct {
	once sync.Once
	stop chan struct{}
}

func (t *repeatTask) Cancel() { t.once.Do(func() { close(t.stop) }) }

// ScheduleOnce delivers msg to the actor after d. Safe to call from any
// goroutine.
func (c *Context) ScheduleOnce(d time.Duration, msg any) Cancellable {
	self := c.cell
	return &onceTask{timer: time.AfterFunc(d, func() { self.Tell(msg) })}
}

// ScheduleRepeatedly delivers msg after initial and then every interval until
// cancelled or the actor stops. A delivery may already be queued when Cancel
// returns, so receivers should tolerate one late message.
func (c *Context) ScheduleRepeatedly(initial, interval time.Duration, msg any) Cancellable {
	if interval <= 0 {
		interval = time.Millisecond
	}
	self := c.cell
	task := &repeatTask{stop: make(chan struct{})}
	go func() {
		timer := time.NewTimer(initial)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-task.stop:
			return
		case <-self.ctx.Done():
			return
		}
		if !self.Tell(msg) {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !self.Tell(msg) {
					return
				}
			case <-task.stop:
				return
			case <-self.ctx.Done():
				return
			}
		}
	}()
	return task
}
