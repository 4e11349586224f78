package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/storage"
)

// queueCapacity bounds each stage queue. A full queue drops the enqueue;
// the job stays visible in its state directory and the next cold-start or
// reclaim sweep re-dispatches it.
const queueCapacity = 1024

// StageDef binds a stage label to its runner and worker settings.
type StageDef struct {
	Name   string
	Runner Runner
	Config config.StageConfig
}

// Dispatcher owns the per-stage queues and worker pools, and chains stages
// together: a job delivered to DONE by one stage is immediately offered to
// the next.
type Dispatcher struct {
	stages  []StageDef
	next    map[string]string
	workers map[string]*Worker
	queues  map[string]chan string

	store  *storage.MetadataStore
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires workers for the given stage sequence.
func NewDispatcher(stages []StageDef, store *storage.MetadataStore, mover *storage.Mover,
	artifacts *storage.ArtifactStore, layout *storage.Layout, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		stages:   stages,
		next:     make(map[string]string),
		workers:  make(map[string]*Worker),
		queues:   make(map[string]chan string),
		store:    store,
		logger:   observability.WithComponent(logger, "dispatcher"),
		inflight: make(map[string]bool),
	}

	var prior []string
	for i, def := range stages {
		if i+1 < len(stages) {
			d.next[def.Name] = stages[i+1].Name
		}
		d.workers[def.Name] = NewWorker(def.Name, append([]string(nil), prior...), def.Config,
			def.Runner, store, mover, artifacts, layout, logger)
		d.queues[def.Name] = make(chan string, queueCapacity)
		prior = append(prior, def.Name)
	}
	return d
}

// Start launches the worker pools. Call ColdStart afterwards to pick up
// work already on disk.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.ctx != nil {
		return fmt.Errorf("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	for _, def := range d.stages {
		concurrency := def.Config.Concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			d.wg.Add(1)
			go d.loop(def.Name)
		}
	}

	d.logger.Info("dispatcher started", slog.Int("stages", len(d.stages)))
	return nil
}

// Stop cancels the workers and waits for in-flight stage executions to
// finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue offers a job to the named stage's queue. Duplicate offers for a
// job already queued or running on that stage are dropped.
func (d *Dispatcher) Enqueue(stage, jobID string) {
	queue, ok := d.queues[stage]
	if !ok {
		d.logger.Warn("enqueue for unknown stage",
			slog.String("stage", stage),
			slog.String("job_id", jobID),
		)
		return
	}

	key := stage + "/" + jobID
	d.mu.Lock()
	if d.inflight[key] {
		d.mu.Unlock()
		return
	}
	d.inflight[key] = true
	d.mu.Unlock()

	select {
	case queue <- jobID:
	default:
		d.clearInflight(key)
		d.logger.Warn("stage queue full, dropping enqueue",
			slog.String("stage", stage),
			slog.String("job_id", jobID),
		)
	}
}

// EnqueueFirst offers a job to the first stage of the pipeline.
func (d *Dispatcher) EnqueueFirst(jobID string) {
	if len(d.stages) > 0 {
		d.Enqueue(d.stages[0].Name, jobID)
	}
}

func (d *Dispatcher) clearInflight(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// loop is one worker goroutine for one stage.
func (d *Dispatcher) loop(stage string) {
	defer d.wg.Done()
	worker := d.workers[stage]
	queue := d.queues[stage]

	for {
		select {
		case <-d.ctx.Done():
			return
		case jobID := <-queue:
			completed, err := worker.Process(d.ctx, jobID)
			d.clearInflight(stage + "/" + jobID)
			if err != nil {
				if errors.Is(err, errPrerequisiteNotMet) {
					// Released back to NEW; route it to the stage that
					// actually needs to run.
					d.Redispatch(jobID)
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					d.logger.Debug("stage interrupted",
						slog.String("stage", stage),
						slog.String("job_id", jobID),
					)
					continue
				}
				d.logger.Error("stage processing failed",
					slog.String("stage", stage),
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if completed {
				if next, ok := d.next[stage]; ok {
					d.Enqueue(next, jobID)
				}
			}
		}
	}
}

// ColdStart scans the state directories and re-dispatches every job the
// queues should be holding: NEW jobs go to their first incomplete stage,
// and non-terminal DONE jobs go to the stage after their last completed
// one. CLAIMED and RUNNING jobs are left for the lease reclaimer.
func (d *Dispatcher) ColdStart() error {
	for _, state := range []lifecycle.State{lifecycle.StateNew, lifecycle.StateDone} {
		ids, err := d.store.ListByState(state)
		if err != nil {
			return fmt.Errorf("cold start scan of %s: %w", state, err)
		}
		for _, jobID := range ids {
			d.Redispatch(jobID)
		}
	}
	return nil
}

// Redispatch reads a job's stage records from disk and offers it to its
// first incomplete stage. Fully complete jobs are left alone.
func (d *Dispatcher) Redispatch(jobID string) {
	meta, err := d.store.Read(jobID)
	if err != nil {
		d.logger.Warn("redispatch skipping unreadable job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	stage, ok := d.nextIncompleteStage(meta)
	if !ok {
		// Every stage complete: terminal DONE.
		return
	}
	d.logger.Debug("redispatch",
		slog.String("job_id", jobID),
		slog.String("stage", stage),
	)
	d.Enqueue(stage, jobID)
}

// nextIncompleteStage returns the first stage without a COMPLETE record.
func (d *Dispatcher) nextIncompleteStage(meta *models.Metadata) (string, bool) {
	for _, def := range d.stages {
		if meta.StageStatus(def.Name) != models.StageComplete {
			return def.Name, true
		}
	}
	return "", false
}
