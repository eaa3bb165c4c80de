package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/metrics"
)

// DefaultReapInterval is how often expired leases are swept back to pending.
const DefaultReapInterval = 15 * time.Second

// Pool fans out queue work to a set of workers and periodically reaps
// expired leases so items held by crashed workers are redelivered.
type Pool struct {
	queue        harvest.Queue
	workers      []*Worker
	reapInterval time.Duration
	logger       *zap.Logger
}

// NewPool creates a Pool. A reapInterval of zero uses the default.
func NewPool(queue harvest.Queue, workers []*Worker, reapInterval time.Duration, logger *zap.Logger) *Pool {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	return &Pool{
		queue:        queue,
		workers:      workers,
		reapInterval: reapInterval,
		logger:       logger,
	}
}

// Run starts all workers and the reap loop, blocking until the context
// finishes and every worker has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("lease reap failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				metrics.ObserveReapedLeases(n)
				p.logger.Warn("recovered expired leases", zap.Int("count", n))
			}
		}
	}
}
