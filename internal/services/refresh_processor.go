package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"greenbudget/internal/log"
)

// RefreshProcessorConfig holds configuration for the refresh processor
type RefreshProcessorConfig struct {
	// PollInterval is how often open tables are reloaded (default: 1m)
	PollInterval time.Duration

	// Concurrency caps the sessions refreshed at once (default: 4)
	Concurrency int

	// CleanupInterval is how often old notifications are pruned (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old a notification must be before it is pruned (default: 168h)
	CleanupAge time.Duration
}

func DefaultRefreshProcessorConfig() RefreshProcessorConfig {
	return RefreshProcessorConfig{
		PollInterval:    time.Minute,
		Concurrency:     4,
		CleanupInterval: time.Hour,
		CleanupAge:      7 * 24 * time.Hour,
	}
}

// PruneFunc removes records older than the given time.
type PruneFunc func(ctx context.Context, before time.Time) (int64, error)

// RefreshProcessor periodically reloads every open table so that figures
// computed on the server replace drifted local ones.
type RefreshProcessor struct {
	registry *Registry
	prune    PruneFunc
	config   RefreshProcessorConfig
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRefreshProcessor creates a processor over registry. prune may be nil.
func NewRefreshProcessor(registry *Registry, prune PruneFunc, config RefreshProcessorConfig, logger *log.Logger) *RefreshProcessor {
	def := DefaultRefreshProcessorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.CleanupAge <= 0 {
		config.CleanupAge = def.CleanupAge
	}
	return &RefreshProcessor{
		registry: registry,
		prune:    prune,
		config:   config,
		logger:   log.OrDiscard(logger).WithComponent(log.ComponentWorker),
	}
}

// Start begins the refresh loop. Returns an error if already running.
func (p *RefreshProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("refresh processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "refresh processor started",
		"poll_interval", p.config.PollInterval,
		"concurrency", p.config.Concurrency)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish.
func (p *RefreshProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "refresh processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "refresh processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *RefreshProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RefreshProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if err := p.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				p.logger.WarnContext(ctx, "refresh cycle failed", log.FieldError, err)
			}
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

// RefreshAll reloads the tables of every open session. A failed session does
// not stop the others; the first error is returned.
func (p *RefreshProcessor) RefreshAll(ctx context.Context) error {
	sessions := p.registry.Sessions()
	if len(sessions) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh budget %d: %w", s.BudgetID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	p.logger.DebugContext(ctx, "refresh cycle done", log.FieldCount, len(sessions))
	return err
}

func (p *RefreshProcessor) cleanup(ctx context.Context) {
	if p.prune == nil {
		return
	}
	n, err := p.prune(ctx, time.Now().Add(-p.config.CleanupAge))
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to prune notifications", log.FieldError, err)
		return
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "pruned notifications", log.FieldCount, n)
	}
}
