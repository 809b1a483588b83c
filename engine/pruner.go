package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
	"github.com/c360/devicehub/types"
)

// PrunerConfig configures the payload log pruner.
type PrunerConfig struct {
	// Interval between prune cycles.
	Interval time.Duration `json:"interval"`
	// DefaultRetention applies to models without an override.
	DefaultRetention time.Duration `json:"defaultRetention"`
	// Retentions overrides the retention per device model.
	Retentions map[string]time.Duration `json:"retentions"`
	// BatchSize caps deletions per store call.
	BatchSize int `json:"batchSize"`
	// DeletesPerSecond throttles deletions so pruning never competes with
	// the ingestion path for store throughput. Zero disables the throttle.
	DeletesPerSecond float64 `json:"deletesPerSecond"`
}

// Validate checks the configuration and applies defaults.
func (c *PrunerConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.DefaultRetention <= 0 {
		c.DefaultRetention = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.DeletesPerSecond < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PrunerConfig", "Validate", "delete rate validation")
	}
	return nil
}

// Pruner removes payload log entries past their retention, per device model.
// It runs as a background lifecycle component alongside the bulk writer.
type Pruner struct {
	config  PrunerConfig
	store   docstore.Store
	models  []string
	logger  *slog.Logger
	limiter *rate.Limiter
	metrics *prunerMetrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPruner creates a pruner covering the given device models.
func NewPruner(store docstore.Store, models []string, config PrunerConfig, logger *slog.Logger, registry *metric.Registry) (*Pruner, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pruner", "NewPruner", "store validation")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pruner{
		config: config,
		store:  store,
		models: append([]string(nil), models...),
		logger: logger.With("component", "payload-pruner"),
	}
	if config.DeletesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.DeletesPerSecond), config.BatchSize)
	}
	if registry != nil {
		m, err := newPrunerMetrics(registry)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// Start launches the prune loop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.ErrAlreadyStarted
	}
	p.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit, up to the timeout.
func (p *Pruner) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Pruner", "Stop", "loop shutdown")
	}
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Warn("prune cycle failed", "error", err)
				continue
			}
			if pruned > 0 {
				p.logger.Info("pruned payload log", "deleted", pruned)
			}
		}
	}
}

// RunOnce prunes every model once and returns the number of deleted entries.
// Exposed for operational tooling; the background loop calls it on the
// configured interval.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	total := 0
	for _, model := range p.models {
		n, err := p.pruneModel(ctx, model)
		total += n
		if err != nil {
			return total, err
		}
	}
	if p.metrics != nil {
		p.metrics.pruned.Add(float64(total))
		p.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}
	return total, nil
}

func (p *Pruner) retention(model string) time.Duration {
	if d, ok := p.config.Retentions[model]; ok {
		return d
	}
	return p.config.DefaultRetention
}

// pruneModel deletes expired payloads for one model in bounded batches until
// none remain. A retention of zero or below disables pruning for the model.
func (p *Pruner) pruneModel(ctx context.Context, model string) (int, error) {
	retention := p.retention(model)
	if retention <= 0 {
		return 0, nil
	}
	cutoff := types.EpochMillis(time.Now().Add(-retention))

	total := 0
	for {
		docs, err := p.store.Search(ctx, "", types.CollectionPayloads, docstore.Query{
			Equals: map[string]any{"deviceModel": model},
			Before: map[string]int64{"receivedAt": cutoff},
			Limit:  p.config.BatchSize,
		})
		if err != nil {
			return total, errors.WrapTransient(err, "Pruner", "pruneModel", "expired payload search")
		}
		if len(docs) == 0 {
			return total, nil
		}

		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, len(docs)); err != nil {
				return total, err
			}
		}

		writes := make([]docstore.Write, len(docs))
		for i, doc := range docs {
			writes[i] = docstore.Write{
				Collection: types.CollectionPayloads,
				ID:         doc.ID,
				Kind:       docstore.WriteDelete,
			}
		}
		for _, res := range p.store.BulkWrite(ctx, writes) {
			if res.Err != nil {
				return total, errors.WrapTransient(res.Err, "Pruner", "pruneModel", "payload deletion")
			}
			total++
		}

		if len(docs) < p.config.BatchSize {
			return total, nil
		}
	}
}
