package submission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
)

// Countdown re-evaluates an assignment's window every second and reports the
// verdict to a callback. No callback starts after Stop returns.
type Countdown struct {
	due      time.Time
	slot     *model.TimeSlot
	onTick   func(chore.Eligibility)
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	inTick bool
}

func NewCountdown(a model.Assignment, loc *time.Location, onTick func(chore.Eligibility)) (*Countdown, error) {
	due, err := chore.ParseDate(a.DueDate, loc)
	if err != nil {
		return nil, fmt.Errorf("parse due date: %w", err)
	}
	return &Countdown{
		due:      due,
		slot:     a.TimeSlot,
		onTick:   onTick,
		now:      time.Now,
		interval: time.Second,
	}, nil
}

// Start reports the current verdict immediately, then once per interval until
// ctx ends or Stop is called. Starting a running countdown does nothing.
func (c *Countdown) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}(c.done)
}

func (c *Countdown) tick(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.inTick = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inTick = false
		c.mu.Unlock()
	}()
	c.onTick(chore.Evaluate(c.due, c.slot, c.now()))
}

// Stop cancels the ticker and waits for the loop to exit. Called while a
// callback is running, including from the callback itself, it does not wait
// for that callback to return.
func (c *Countdown) Stop() {
	c.mu.Lock()
	cancel, done, inTick := c.cancel, c.done, c.inTick
	c.cancel, c.done = nil, nil
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if cancel != nil && !inTick {
		<-done
	}
}
