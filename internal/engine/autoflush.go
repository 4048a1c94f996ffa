package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sourceplane/benchctl/internal/agent"
	"github.com/sourceplane/benchctl/internal/aggregate"
	"github.com/sourceplane/benchctl/internal/loader"
	"github.com/sourceplane/benchctl/internal/model"
	"github.com/sourceplane/benchctl/internal/render"
	"github.com/sourceplane/benchctl/internal/store"
)

// runAutoFlush is the streaming mode: a single job on a single endpoint,
// polled on the flush interval; every delimiter closes one measurement
// window, flushed server-side and written as an independent result
// document.
func (e *Engine) runAutoFlush(ctx context.Context) (*model.ExecutionResult, error) {
	if len(e.deps) != 1 {
		return nil, fmt.Errorf("%w: auto-flush requires exactly one job", loader.ErrConfigInvalid)
	}
	name := e.deps[0]
	job := e.cfg.Jobs[name]
	if len(job.Endpoints) != 1 {
		return nil, fmt.Errorf("%w: auto-flush requires exactly one endpoint", loader.ErrConfigInvalid)
	}
	if !job.WaitForExit && e.opts.Span <= 0 {
		return nil, fmt.Errorf("%w: auto-flush requires waitForExit or a span", loader.ErrConfigInvalid)
	}

	conn := agent.NewConnection(e.client, e.log, name, job, job.Endpoints[0])
	if err := conn.Start(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	result := &model.ExecutionResult{JobResults: model.JobResults{
		Jobs:       map[string]*model.JobResult{},
		Properties: e.opts.Properties,
	}}

	for {
		if err := e.sleep(ctx, flushInterval); err != nil {
			e.finalizeJob(ctx, name, []*agent.JobConnection{conn})
			return result, err
		}

		if err := conn.TryUpdate(ctx); err != nil {
			e.log.Warn().Err(err).Str("job", name).Msg("update failed, re-polling")
		}

		stop := conn.State().IsTerminal()
		if e.opts.Span > 0 && time.Since(start) >= e.opts.Span {
			// Budget exhausted.
			stop = true
		}

		if batch, ok := conn.DrainAtDelimiter(); ok {
			if err := conn.FlushMeasurements(ctx); err != nil {
				e.log.Warn().Err(err).Str("job", name).Msg("flush failed")
			}
			e.writeFlushWindow(ctx, name, conn, batch, result)
		}

		if stop {
			break
		}
	}

	if conn.State() == model.StateFailed {
		result.ReturnCode = 1
	}
	e.finalizeJob(ctx, name, []*agent.JobConnection{conn})
	return result, nil
}

// writeFlushWindow aggregates one pre-delimiter window into an independent
// result document and writes it to the sinks with a rotated filename.
func (e *Engine) writeFlushWindow(ctx context.Context, name string, conn *agent.JobConnection, batch []model.Measurement, result *model.ExecutionResult) {
	results, metadata := aggregate.Summarize(conn.Metadata(), [][]model.Measurement{batch})
	jr := &model.JobResult{
		Results:      results,
		Metadata:     metadata,
		Measurements: [][]model.Measurement{batch},
		Environment:  e.buildEnvironment(ctx, []*agent.JobConnection{conn}),
	}
	fmt.Fprintln(e.Stdout, render.Summary(name, jr))
	if e.opts.NoMeasurements {
		jr.Measurements = nil
	}
	if e.opts.NoMetadata {
		jr.Metadata = nil
	}

	window := &model.ExecutionResult{JobResults: model.JobResults{
		Jobs:       map[string]*model.JobResult{name: jr},
		Properties: e.opts.Properties,
	}}
	result.JobResults = window.JobResults

	if e.opts.Output != "" {
		path := store.RotatedPath(e.opts.Output)
		if err := store.WriteJSON(path, window); err != nil {
			e.log.Error().Err(err).Str("path", path).Msg("failed to write flush window")
		} else {
			e.log.Info().Str("path", path).Msg("flush window written")
		}
	}
	if e.opts.SQL != nil {
		if err := e.opts.SQL.Write(ctx, e.opts.Session, e.opts.Scenario, e.opts.Description, e.runID(), &window.JobResults); err != nil {
			e.log.Error().Err(err).Msg("failed to write flush window to sql")
		}
	}
}
