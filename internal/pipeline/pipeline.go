// Package pipeline is the generic step sequencer run by the worker handlers.
// A Strategy is an ordered step list; a Context is the per-run mutable state
// threaded through it. The engine owns progress reporting and cancellation
// polling so steps stay pure frame transforms.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

// Step is one stage of a strategy. Steps mutate the Context they are handed
// and never retain it after return.
type Step interface {
	Name() string
	Run(ctx context.Context, rc *Context) error
}

// Strategy is an ordered list of steps.
type Strategy []Step

// Deps is the per-run dependency bundle handed to steps through the Context.
// It is constructed once per job execution; steps pick what they declare.
type Deps struct {
	Jobs         domain.JobRepository
	Models       domain.ModelRepository
	Datasets     domain.DatasetRepository
	Repositories domain.RepositoryRepository
	Artifacts    domain.ArtifactStore
	Tasks        domain.TaskStore

	// BatchSize bounds rows per streamed batch during dataset generation.
	BatchSize int
}

// Context is the per-run record shared by all steps of one execution.
type Context struct {
	Job    domain.Job
	TaskID string
	Deps   *Deps

	// Dataset generation state.
	GenConfig   domain.DatasetGenConfig
	Dataset     domain.Dataset
	BotPatterns []domain.BotPattern
	Batches     []*tabular.Frame
	Frame       *tabular.Frame
	FinalCols   []string

	// Warnings is append-only; the handler persists it into the terminal
	// status message.
	Warnings []string

	// EarlyExit is the sentinel a step sets when there is nothing left to
	// process; later steps must honour it.
	EarlyExit bool
}

// Warn appends one warning.
func (rc *Context) Warn(format string, args ...any) {
	rc.Warnings = append(rc.Warnings, fmt.Sprintf(format, args...))
}

// Progress publishes a task progress update; publish failures are logged and
// swallowed since progress is advisory.
func (rc *Context) Progress(ctx context.Context, percent int, message string) {
	if rc.Deps == nil || rc.Deps.Tasks == nil || rc.TaskID == "" {
		return
	}
	if err := rc.Deps.Tasks.SetProgress(ctx, rc.TaskID, percent, message); err != nil {
		observability.LoggerFromContext(ctx).Warn("progress publish failed",
			slog.String("task_id", rc.TaskID), slog.Any("error", err))
	}
}

// Revoked polls the task revoke flag. A flag-read failure reads as not
// revoked; cancellation must never be the reason a healthy job dies.
func (rc *Context) Revoked(ctx context.Context) bool {
	if rc.Deps == nil || rc.Deps.Tasks == nil || rc.TaskID == "" {
		return false
	}
	revoked, err := rc.Deps.Tasks.IsRevoked(ctx, rc.TaskID)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("revoke poll failed",
			slog.String("task_id", rc.TaskID), slog.Any("error", err))
		return false
	}
	return revoked
}

// Engine sequences a strategy over one context.
type Engine struct{}

// percent is round(100*k/n).
func percent(k, n int) int {
	if n == 0 {
		return 100
	}
	return int(math.Round(100 * float64(k) / float64(n)))
}

// Run executes steps in order. Cancellation is polled before every step; a
// step error records the step name in warnings and stops the run. Steps
// still run after an early-exit sentinel and are expected to honour it.
func (Engine) Run(ctx context.Context, steps Strategy, rc *Context) error {
	log := observability.LoggerFromContext(ctx)
	n := len(steps)
	for k, step := range steps {
		if rc.Revoked(ctx) {
			return fmt.Errorf("revoked before step %s: %w", step.Name(), domain.ErrCancelled)
		}
		rc.Progress(ctx, percent(k, n), fmt.Sprintf("starting step %s (%d/%d)", step.Name(), k+1, n))
		start := time.Now()
		if err := step.Run(ctx, rc); err != nil {
			rc.Warn("step %s failed: %v", step.Name(), err)
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}
		observability.ObserveStep(step.Name(), time.Since(start))
		log.Debug("step completed",
			slog.String("step", step.Name()),
			slog.Int("position", k+1),
			slog.Int("total", n),
			slog.Duration("took", time.Since(start)))
		rc.Progress(ctx, percent(k+1, n), fmt.Sprintf("completed step %s (%d/%d)", step.Name(), k+1, n))
	}
	return nil
}
