package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RUNNER - Fixed-cadence pipeline driver
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Scanner → Watch → Entry → Exit     (one RunOnce each per tick, in order)
//
// A tick is atomic per stage: RunOnce completes (or fails safely) before the
// next stage runs, and the whole pass completes before the next tick begins.
// Shutdown only interrupts between ticks.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Stage is one evaluation step of the pipeline. RunOnce performs exactly one
// tick: a complete pass over every symbol the stage tracks.
type Stage interface {
	Name() string
	RunOnce(ctx context.Context) error
}

type Runner struct {
	mu sync.Mutex

	stages   []Stage
	interval time.Duration
	running  bool
	paused   bool
	stopCh   chan struct{}
	done     chan struct{}
}

// NewRunner creates a runner that drives the given stages in order at a
// fixed cadence.
func NewRunner(interval time.Duration, stages ...Stage) *Runner {
	return &Runner{
		stages:   stages,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the tick loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)
	log.Info().Dur("interval", r.interval).Int("stages", len(r.stages)).Msg("⚡ Pipeline started")
}

// Stop halts the loop after the in-flight tick completes. The lock is
// released before waiting on the loop, which needs it to finish its tick.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.done
	log.Info().Msg("Pipeline stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First pass immediately rather than one interval in.
	r.Tick(ctx)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Pause suspends ticking without tearing the pipeline down. In-flight
// ticks finish; subsequent ones are skipped until Resume.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	log.Warn().Msg("⏸️ Pipeline paused")
}

// Resume re-enables ticking after Pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	log.Info().Msg("▶️ Pipeline resumed")
}

// Tick runs every stage once, in pipeline order. A failing stage is logged
// and skipped; it never stops the stages behind it.
func (r *Runner) Tick(ctx context.Context) {
	r.mu.Lock()
	paused := r.paused
	r.mu.Unlock()
	if paused {
		return
	}

	for _, st := range r.stages {
		if err := st.RunOnce(ctx); err != nil {
			log.Error().Err(err).Str("stage", st.Name()).Msg("Stage tick failed")
		}
	}
}
