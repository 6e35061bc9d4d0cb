package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller refreshes a Queue on an interval and hands each fresh snapshot to its
// subscribers.
type Poller struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	subs      map[int]func(Snapshot)
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}
	inPublish bool
}

func NewPoller(q *Queue, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		queue:    q,
		interval: interval,
		logger:   logger.With("component", "queue_poller"),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn for every refreshed snapshot and returns a function
// that removes it.
func (p *Poller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Start polls immediately and then every interval until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for an in-progress refresh to finish. Called
// while subscribers are being notified, including from a subscriber, it does
// not wait for them to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done, inPublish := p.cancel, p.done, p.inPublish
	p.cancel, p.done = nil, nil
	if cancel != nil {
		cancel()
	}
	p.mu.Unlock()

	if cancel != nil && !inPublish {
		<-done
	}
}

func (p *Poller) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.queue.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("queue refresh failed", "error", err)
		}
		return
	}
	p.publish(ctx, p.queue.Snapshot())
}

func (p *Poller) publish(ctx context.Context, s Snapshot) {
	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.inPublish = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inPublish = false
		p.mu.Unlock()
	}()
	for _, fn := range subs {
		fn(s)
	}
}
