// Package scheduler provides the background lease reclaimer. It runs a
// cron-driven sweep over the CLAIMED and RUNNING state directories and
// returns jobs with absent or expired leases to NEW so they can be
// picked up again.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/storage"
)

// Redispatcher re-offers a reclaimed job to the pipeline.
type Redispatcher interface {
	Redispatch(jobID string)
}

// Reclaimer periodically sweeps for abandoned jobs. The filesystem is
// the only source of truth for what is reclaimable; the sweep never
// consults the index.
type Reclaimer struct {
	mu sync.Mutex

	store      *storage.MetadataStore
	mover      *storage.Mover
	dispatcher Redispatcher
	logger     *slog.Logger

	// cron spec with a seconds field, e.g. "*/30 * * * * *"
	spec string
	cron *cron.Cron
}

// NewReclaimer creates a reclaimer sweeping on the given cron spec.
func NewReclaimer(spec string, store *storage.MetadataStore, mover *storage.Mover, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		store:  store,
		mover:  mover,
		logger: observability.WithComponent(logger, "reclaimer"),
		spec:   spec,
	}
}

// WithDispatcher sets the dispatcher that reclaimed jobs are re-offered
// to. Without one, reclaimed jobs wait in NEW for the next cold start.
func (r *Reclaimer) WithDispatcher(d Redispatcher) *Reclaimer {
	r.dispatcher = d
	return r
}

// Start schedules the sweep. Returns an error for an invalid cron spec.
func (r *Reclaimer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("reclaimer already started")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	if _, err := c.AddFunc(r.spec, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("invalid reclaim cron spec %q: %w", r.spec, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("reclaimer started", slog.String("cron", r.spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reclaimer stopped")
}

// Sweep runs one reclaim pass and returns how many jobs it reclaimed.
// Per-job errors are logged and do not abort the sweep.
func (r *Reclaimer) Sweep() int {
	reclaimed := 0
	for _, state := range []lifecycle.State{lifecycle.StateClaimed, lifecycle.StateRunning} {
		ids, err := r.store.ListByState(state)
		if err != nil {
			r.logger.Error("reclaim sweep failed to list state",
				slog.String("state", string(state)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, jobID := range ids {
			ok, err := r.mover.Reclaim(jobID)
			if err != nil {
				r.logger.Error("reclaim failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
			reclaimed++
			r.logger.Info("job reclaimed",
				slog.String("job_id", jobID),
				slog.String("from", string(state)),
			)
			if r.dispatcher != nil {
				r.dispatcher.Redispatch(jobID)
			}
		}
	}
	return reclaimed
}
