package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FORCE UPDATE
// ══════════════════════════════════════════════════════════════════════════════

// SourceOutcome is what happened to one source during a force update.
type SourceOutcome struct {
	Source   progress.Source `json:"source"`
	Job      string          `json:"job"`
	Joined   bool            `json:"joined"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

// ForceUpdateResult is today's merged record after the update.
type ForceUpdateResult struct {
	Record         progress.SessionRecord `json:"record"`
	Found          bool                   `json:"found"`
	Sources        []SourceOutcome        `json:"sources"`
	PartialFailure bool                   `json:"partial_failure"`
	Summary        string                 `json:"summary,omitempty"`
	Freshness
}

// ForceUpdate runs every source job now, in parallel, and returns today's
// merged record. A source whose scheduled run is in flight is joined rather
// than started again. The result carries a partial-failure summary when some
// sources failed; the error is non-nil only when all of them did.
func (f *Facade) ForceUpdate(ctx context.Context) (ForceUpdateResult, error) {
	if f.runner == nil || len(f.config.Sources) == 0 {
		return ForceUpdateResult{}, shared.ErrUnknownJob
	}

	outcomes := make([]SourceOutcome, len(f.config.Sources))
	errs := make([]error, len(f.config.Sources))

	var g errgroup.Group
	for i, src := range f.config.Sources {
		g.Go(func() error {
			outcomes[i], errs[i] = f.runSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, o := range outcomes {
		if errs[i] != nil {
			failed = append(failed, fmt.Sprintf("%s: %s", o.Source, o.Error))
		}
	}

	result := ForceUpdateResult{Sources: outcomes}
	if len(failed) > 0 {
		result.PartialFailure = len(failed) < len(outcomes)
		result.Summary = fmt.Sprintf("%d of %d sources failed: %s", len(failed), len(outcomes), strings.Join(failed, "; "))
	}

	record, err := f.GetToday(ctx)
	if err != nil {
		return result, err
	}
	result.Record = record.SessionRecord
	result.Found = record.Found
	result.Freshness = record.Freshness

	if len(failed) == len(outcomes) {
		f.logger.Error("force update failed for every source", slog.String("summary", result.Summary))
		return result, errors.Join(append([]error{shared.ErrAllSourcesFailed}, errs...)...)
	}
	if result.PartialFailure {
		f.logger.Warn("force update partially failed", slog.String("summary", result.Summary))
	}
	return result, nil
}

func (f *Facade) runSource(ctx context.Context, src progress.Source) (SourceOutcome, error) {
	job := string(progress.JobForSource(src))
	out := SourceOutcome{Source: src, Job: job}

	res, joined, err := f.runner.RunOrJoin(ctx, job, f.config.ForceWait)
	out.Joined = joined
	out.Duration = res.Duration
	if err != nil {
		out.Error = err.Error()
		f.logger.Warn("force update source failed", logger.Source(string(src)), slog.Bool("joined", joined), logger.Err(err))
		return out, fmt.Errorf("%s: %w", src, err)
	}
	out.Success = true
	return out, nil
}
