package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// Pool runs pattern evaluations across a bounded worker pool.
//
// Each worker handles one pattern-evaluation unit at a time; many units
// run concurrently with no global lock over the pattern set. Per-pattern
// ordering is enforced downstream by the repository's conditional status
// write, so a conflict here means another worker already transitioned the
// pattern: the unit re-reads by simply finishing (the next enqueue
// re-evaluates from fresh state).
type Pool struct {
	promoter *Promoter
	demoter  *Demoter
	store    store.PatternStore
	logger   *zap.Logger

	workers      int
	scanInterval time.Duration
	queueSize    int

	// mu protects running and stop from concurrent Start/Stop.
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	queue   chan string
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the worker count. Default: 4.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		p.workers = n
	}
}

// WithScanInterval sets the periodic full-scan cadence. Default: 1 minute.
func WithScanInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.scanInterval = d
	}
}

// WithQueueSize sets the evaluation queue capacity. Default: 256.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		p.queueSize = n
	}
}

// NewPool creates an evaluation worker pool. The pool does not start
// automatically; call Start.
func NewPool(promoter *Promoter, demoter *Demoter, s store.PatternStore, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if promoter == nil {
		return nil, fmt.Errorf("promoter cannot be nil")
	}
	if demoter == nil {
		return nil, fmt.Errorf("demoter cannot be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		promoter:     promoter,
		demoter:      demoter,
		store:        s,
		logger:       logger,
		workers:      4,
		scanInterval: time.Minute,
		queueSize:    256,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1")
	}
	return p, nil
}

// Start launches the workers and the periodic scan loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.stop = make(chan struct{})
	p.queue = make(chan string, p.queueSize)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.scanLoop(ctx)

	p.logger.Info("evaluation pool started",
		zap.Int("workers", p.workers),
		zap.Duration("scan_interval", p.scanInterval))
	return nil
}

// Stop shuts the pool down and waits for in-flight units to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("evaluation pool stopped")
}

// Enqueue schedules a pattern for evaluation. Returns false when the
// queue is full or the pool is stopped; the periodic scan will pick the
// pattern up on the next pass.
func (p *Pool) Enqueue(patternID string) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	queue, stop := p.queue, p.stop
	p.mu.Unlock()

	select {
	case queue <- patternID:
		return true
	case <-stop:
		return false
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case patternID := <-p.queue:
			p.evaluateOne(ctx, patternID)
		}
	}
}

// evaluateOne runs the demoter then the promoter, mirroring the state
// machine's degradation-before-promotion priority.
func (p *Pool) evaluateOne(ctx context.Context, patternID string) {
	decision, err := p.demoter.Evaluate(ctx, patternID, false)
	if err != nil {
		p.logUnitError(patternID, "demotion", err)
		return
	}
	if decision.Eligible {
		return
	}

	if _, err := p.promoter.Evaluate(ctx, patternID, false); err != nil {
		p.logUnitError(patternID, "promotion", err)
	}
}

func (p *Pool) logUnitError(patternID, phase string, err error) {
	switch {
	case errors.Is(err, pattern.ErrStatusConflict):
		// Another worker committed first; fresh state on the next pass.
		p.logger.Debug("pattern already transitioned",
			zap.String("pattern_id", patternID),
			zap.String("phase", phase))
	case errors.Is(err, pattern.ErrPatternDisabled):
		// Deprecated after enqueue; terminal, nothing to evaluate.
		p.logger.Debug("pattern deprecated before evaluation",
			zap.String("pattern_id", patternID),
			zap.String("phase", phase))
	case errors.Is(err, pattern.ErrNotFound):
		p.logger.Warn("pattern vanished during evaluation",
			zap.String("pattern_id", patternID),
			zap.String("phase", phase))
	default:
		p.logger.Error("evaluation unit failed",
			zap.String("pattern_id", patternID),
			zap.String("phase", phase),
			zap.Error(err))
	}
}

func (p *Pool) scanLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

// scan enqueues every current, non-deprecated pattern for evaluation.
func (p *Pool) scan(ctx context.Context) {
	offset := 0
	for {
		page, err := p.store.List(ctx, store.ListFilter{
			CurrentOnly: true,
			Limit:       store.MaxListLimit,
			Offset:      offset,
		})
		if err != nil {
			p.logger.Error("evaluation scan failed", zap.Error(err))
			return
		}
		if len(page) == 0 {
			return
		}
		for _, rec := range page {
			if rec.Status == pattern.StatusDeprecated {
				continue
			}
			p.Enqueue(rec.ID)
		}
		offset += len(page)
	}
}
