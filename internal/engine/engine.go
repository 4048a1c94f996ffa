// Package engine drives the selected jobs through their lifecycle across
// the configured agent endpoints, in dependency order, and assembles the
// aggregated execution result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/sourceplane/benchctl/internal/agent"
	"github.com/sourceplane/benchctl/internal/aggregate"
	"github.com/sourceplane/benchctl/internal/model"
	"github.com/sourceplane/benchctl/internal/render"
	"github.com/sourceplane/benchctl/internal/store"
)

// ErrPreflightFailed is returned when a dependency cannot run at all:
// missing source, missing endpoints, or an unreachable agent.
var ErrPreflightFailed = errors.New("preflight failed")

const (
	preflightTimeout = 10 * time.Second
	pollInterval     = 1 * time.Second
	flushInterval    = 5 * time.Second
)

// Options shapes one invocation of the engine.
type Options struct {
	Scenario       string
	Session        string
	Description    string
	Iterations     int
	Span           time.Duration
	Repeat         string
	AutoFlush      bool
	Output         string
	NoMeasurements bool
	NoMetadata     bool
	Properties     map[string]string
	SQL            *store.SQLWriter
}

// Engine drives one invocation. Configuration is read-only once handed in.
type Engine struct {
	cfg    *model.Configuration
	deps   []string
	client *resty.Client
	log    zerolog.Logger
	opts   Options

	// Stdout receives the per-pass human-readable summaries.
	Stdout io.Writer

	// sleep is replaced in tests to keep poll loops fast.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine over an assembled configuration and its ordered
// dependency list.
func New(cfg *model.Configuration, deps []string, client *resty.Client, log zerolog.Logger, opts Options) *Engine {
	if opts.Iterations < 1 {
		opts.Iterations = 1
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		client: client,
		log:    log,
		opts:   opts,
		Stdout: os.Stdout,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the invocation: preflight, then the iterative/spanning loop
// or the auto-flush stream.
func (e *Engine) Run(ctx context.Context) (*model.ExecutionResult, error) {
	if len(e.deps) == 0 {
		return nil, fmt.Errorf("%w: no jobs selected", ErrPreflightFailed)
	}
	if err := e.preflight(ctx); err != nil {
		return nil, err
	}
	if e.opts.AutoFlush {
		return e.runAutoFlush(ctx)
	}
	return e.runIterative(ctx)
}

// preflight validates every dependency before any job is started: a source
// descriptor, at least one endpoint, and every endpoint answering a GET
// within the deadline. Any unreachable endpoint is fatal.
func (e *Engine) preflight(ctx context.Context) error {
	for _, name := range e.deps {
		job, ok := e.cfg.Jobs[name]
		if !ok {
			return fmt.Errorf("%w: job %q is not defined", ErrPreflightFailed, name)
		}
		if !job.HasSource() {
			return fmt.Errorf("%w: job %q has no source or executable", ErrPreflightFailed, name)
		}
		if len(job.Endpoints) == 0 {
			return fmt.Errorf("%w: job %q has no endpoints", ErrPreflightFailed, name)
		}
		for _, endpoint := range job.Endpoints {
			checkCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
			res, err := e.client.R().SetContext(checkCtx).Get(endpoint)
			cancel()
			if err != nil {
				return fmt.Errorf("%w: endpoint %s of job %q is unreachable: %v",
					ErrPreflightFailed, endpoint, name, err)
			}
			if res.IsError() {
				return fmt.Errorf("%w: endpoint %s of job %q answered HTTP %d",
					ErrPreflightFailed, endpoint, name, res.StatusCode())
			}
			e.log.Debug().Str("job", name).Str("endpoint", endpoint).Msg("endpoint reachable")
		}
	}
	return nil
}

// runIterative is the iterative/spanning mode: every pass runs the
// configured number of iterations over the dependency list, jobs before the
// repeat anchor staying alive across passes while the span lasts.
func (e *Engine) runIterative(ctx context.Context) (*model.ExecutionResult, error) {
	spanStart := time.Now()
	running := make(map[string][]*agent.JobConnection)
	result := &model.ExecutionResult{}
	failedJobs := 0

	for {
		finalized := make(map[string]bool)

		for i := 0; i < e.opts.Iterations; i++ {
			failed, skipped, err := e.runDependencies(ctx, running, spanStart, finalized)
			if err != nil {
				return nil, err
			}
			if skipped {
				return &model.ExecutionResult{JobResults: model.JobResults{
					Jobs:       map[string]*model.JobResult{},
					Properties: e.opts.Properties,
				}}, nil
			}
			if failed {
				// A failure only aborts the current iteration's
				// dependency walk; the remaining iterations and span
				// passes still run.
				failedJobs++
			}

			e.collectTraces(ctx, running, spanStart)
			e.stopNonBlocking(ctx, running, spanStart, finalized)

			result.JobResults = e.buildJobResults(ctx, running)
			result.ReturnCode = failedJobs
		}

		e.writeOutputs(ctx, result)

		if e.spanOver(spanStart) {
			break
		}
	}

	e.teardownKept(ctx, running, terminalByState(running))
	return result, nil
}

// terminalByState rebuilds the finalized view for the post-loop teardown:
// only jobs kept alive by span semantics still need stopping, and those are
// exactly the ones whose connections report a non-terminal state.
func terminalByState(running map[string][]*agent.JobConnection) map[string]bool {
	out := make(map[string]bool)
	for name, conns := range running {
		done := true
		for _, c := range conns {
			if !c.State().IsTerminal() {
				done = false
				break
			}
		}
		out[name] = done
	}
	return out
}

// runDependencies walks the dependency list in order for one iteration.
// Returns failed=true when a job failed to start or reported Failed, and
// skipped=true when an OS/arch requirement did not match (the scenario is
// skipped, not an error).
func (e *Engine) runDependencies(ctx context.Context, running map[string][]*agent.JobConnection, spanStart time.Time, finalized map[string]bool) (failed, skipped bool, err error) {
	for _, name := range e.deps {
		job := e.cfg.Jobs[name]

		if conns, ok := running[name]; ok && e.spanKeepsRunning(name, spanStart) {
			// Reused across passes: only refresh the measurement window.
			if !job.WaitForExit {
				if err := fanOut(conns, func(c *agent.JobConnection) error {
					return c.ClearMeasurements(ctx)
				}); err != nil {
					e.log.Warn().Err(err).Str("job", name).Msg("failed to clear measurements")
				}
			}
		} else {
			conns := make([]*agent.JobConnection, 0, len(job.Endpoints))
			for _, endpoint := range job.Endpoints {
				conns = append(conns, agent.NewConnection(e.client, e.log, name, job, endpoint))
			}
			running[name] = conns
			delete(finalized, name)

			ok, err := e.requirementsMatch(ctx, conns, job)
			if err != nil {
				return false, false, err
			}
			if !ok {
				e.log.Info().Str("job", name).Msg("os/arch requirement not met, skipping scenario")
				return false, true, nil
			}

			e.log.Info().Str("job", name).Int("endpoints", len(conns)).Msg("starting job")
			if err := fanOut(conns, func(c *agent.JobConnection) error {
				return c.Start(ctx)
			}); err != nil {
				e.log.Error().Err(err).Str("job", name).Msg("job start failed")
				return true, false, nil
			}

			if job.WaitForExit {
				if err := e.pollUntilTerminal(ctx, conns); err != nil {
					return false, false, err
				}
				e.finalizeJob(ctx, name, conns)
				finalized[name] = true
			}
		}

		if anyFailed(running[name]) {
			e.log.Error().Str("job", name).Msg("job reported failed state")
			return true, false, nil
		}
	}
	return false, false, nil
}

// pollUntilTerminal polls every connection at the poll interval until all
// report a terminal state.
func (e *Engine) pollUntilTerminal(ctx context.Context, conns []*agent.JobConnection) error {
	for {
		if err := e.sleep(ctx, pollInterval); err != nil {
			return err
		}
		_ = fanOut(conns, func(c *agent.JobConnection) error {
			_, err := c.GetState(ctx)
			return err
		})
		done := true
		for _, c := range conns {
			if !c.State().IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

// finalizeJob runs the stop/update/collect/delete tail of a job's
// lifecycle. Asset download failures never abort the run.
func (e *Engine) finalizeJob(ctx context.Context, name string, conns []*agent.JobConnection) {
	started := conns[:0:0]
	for _, c := range conns {
		if c.Started() {
			started = append(started, c)
		}
	}
	conns = started
	if len(conns) == 0 {
		return
	}
	if err := fanOut(conns, func(c *agent.JobConnection) error { return c.Stop(ctx) }); err != nil {
		e.log.Warn().Err(err).Str("job", name).Msg("stop failed")
	}
	if err := fanOut(conns, func(c *agent.JobConnection) error { return c.TryUpdate(ctx) }); err != nil {
		e.log.Warn().Err(err).Str("job", name).Msg("final update failed")
	}
	if err := fanOut(conns, func(c *agent.JobConnection) error { return c.DownloadAssets(ctx, name) }); err != nil {
		e.log.Warn().Err(err).Str("job", name).Msg("asset download failed")
	}
	if err := fanOut(conns, func(c *agent.JobConnection) error { return c.Delete(ctx) }); err != nil {
		e.log.Warn().Err(err).Str("job", name).Msg("delete failed")
	}
}

// collectTraces downloads traces for every traced job not kept running by
// span semantics. Failures are logged and never fatal.
func (e *Engine) collectTraces(ctx context.Context, running map[string][]*agent.JobConnection, spanStart time.Time) {
	for _, name := range e.deps {
		job := e.cfg.Jobs[name]
		conns := running[name]
		if conns == nil || e.spanKeepsRunning(name, spanStart) {
			continue
		}
		if !job.DotNetTrace && !job.Collect {
			continue
		}
		for _, c := range conns {
			osName := ""
			if info, err := c.GetInfo(ctx); err == nil {
				osName = info.OS
			}
			dest := traceDestination(job, name, osName, time.Now())
			if err := c.DownloadTrace(ctx, dest); err != nil {
				e.log.Warn().Err(err).Str("job", name).Str("path", dest).Msg("trace download failed")
			} else {
				e.log.Info().Str("job", name).Str("path", dest).Msg("trace collected")
			}
		}
	}
}

// stopNonBlocking stops the non-blocking jobs in reverse dependency order,
// skipping those the span keeps alive.
func (e *Engine) stopNonBlocking(ctx context.Context, running map[string][]*agent.JobConnection, spanStart time.Time, finalized map[string]bool) {
	for i := len(e.deps) - 1; i >= 0; i-- {
		name := e.deps[i]
		job := e.cfg.Jobs[name]
		if job.WaitForExit || finalized[name] {
			continue
		}
		if e.spanKeepsRunning(name, spanStart) {
			continue
		}
		if conns := running[name]; conns != nil {
			e.finalizeJob(ctx, name, conns)
			finalized[name] = true
		}
	}
}

// teardownKept stops whatever is still alive, in reverse dependency order.
func (e *Engine) teardownKept(ctx context.Context, running map[string][]*agent.JobConnection, finalized map[string]bool) {
	for i := len(e.deps) - 1; i >= 0; i-- {
		name := e.deps[i]
		if finalized[name] {
			continue
		}
		if conns := running[name]; conns != nil {
			e.finalizeJob(ctx, name, conns)
			finalized[name] = true
		}
	}
}

// spanKeepsRunning reports whether a job stays up across passes: span is
// still running and the job precedes the repeat anchor in the dependency
// list.
func (e *Engine) spanKeepsRunning(name string, spanStart time.Time) bool {
	if e.opts.Span <= 0 || e.opts.Repeat == "" {
		return false
	}
	if e.spanOver(spanStart) {
		return false
	}
	anchor := -1
	self := -1
	for i, dep := range e.deps {
		if strings.EqualFold(dep, e.opts.Repeat) {
			anchor = i
		}
		if strings.EqualFold(dep, name) {
			self = i
		}
	}
	return anchor >= 0 && self >= 0 && self < anchor
}

func (e *Engine) spanOver(spanStart time.Time) bool {
	if e.opts.Span <= 0 {
		return true
	}
	return time.Since(spanStart) > e.opts.Span
}

// buildJobResults aggregates every running job's measurement streams into
// the per-job results and renders the summaries.
func (e *Engine) buildJobResults(ctx context.Context, running map[string][]*agent.JobConnection) model.JobResults {
	jobs := make(map[string]*model.JobResult)
	for _, name := range e.deps {
		conns := running[name]
		if conns == nil {
			continue
		}
		job := e.cfg.Jobs[name]
		if job.Options.DiscardResults {
			continue
		}

		perAgent := make([][]model.Measurement, 0, len(conns))
		var metadata []model.MeasurementMetadata
		for _, c := range conns {
			perAgent = append(perAgent, c.Measurements())
			if len(metadata) == 0 {
				metadata = c.Metadata()
			}
		}

		results, metadata := aggregate.Summarize(metadata, perAgent)
		jr := &model.JobResult{
			Results:      results,
			Metadata:     metadata,
			Measurements: perAgent,
			Environment:  e.buildEnvironment(ctx, conns),
		}
		fmt.Fprintln(e.Stdout, render.Summary(name, jr))

		if e.opts.NoMeasurements {
			jr.Measurements = nil
		}
		if e.opts.NoMetadata {
			jr.Metadata = nil
		}
		jobs[name] = jr
	}
	return model.JobResults{Jobs: jobs, Properties: e.opts.Properties}
}

// buildEnvironment records agent facts plus the controller hostname.
func (e *Engine) buildEnvironment(ctx context.Context, conns []*agent.JobConnection) map[string]string {
	env := make(map[string]string)
	if hostname, err := os.Hostname(); err == nil {
		env["controller"] = hostname
	}
	for _, c := range conns {
		info, err := c.GetInfo(ctx)
		if err != nil {
			continue
		}
		env["os"] = info.OS
		env["arch"] = info.Arch
		if info.Hostname != "" {
			env["agent"] = info.Hostname
		}
		break
	}
	return env
}

// requirementsMatch checks the declared OS/arch requirements against the
// first agent's reported environment.
func (e *Engine) requirementsMatch(ctx context.Context, conns []*agent.JobConnection, job *model.JobTemplate) (bool, error) {
	requiredOS := job.Options.RequiredOperatingSystem
	requiredArch := job.Options.RequiredArchitecture
	if requiredOS == "" && requiredArch == "" {
		return true, nil
	}
	for _, c := range conns {
		info, err := c.GetInfo(ctx)
		if err != nil {
			return false, fmt.Errorf("%w: failed to query agent info at %s: %v", ErrPreflightFailed, c.Endpoint, err)
		}
		if requiredOS != "" && !strings.EqualFold(info.OS, requiredOS) {
			return false, nil
		}
		if requiredArch != "" && !strings.EqualFold(info.Arch, requiredArch) {
			return false, nil
		}
	}
	return true, nil
}

// writeOutputs writes the pass result to the configured sinks. In span mode
// every pass gets a fresh numbered file.
func (e *Engine) writeOutputs(ctx context.Context, result *model.ExecutionResult) {
	if e.opts.Output != "" {
		path := e.opts.Output
		if e.opts.Span > 0 {
			path = store.RotatedPath(e.opts.Output)
		}
		if err := store.WriteJSON(path, result); err != nil {
			e.log.Error().Err(err).Str("path", path).Msg("failed to write results")
		} else {
			e.log.Info().Str("path", path).Msg("results written")
		}
	}
	if e.opts.SQL != nil {
		err := e.opts.SQL.Write(ctx, e.opts.Session, e.opts.Scenario, e.opts.Description, e.runID(), &result.JobResults)
		if err != nil {
			e.log.Error().Err(err).Msg("failed to write results to sql")
		}
	}
}

func (e *Engine) runID() string {
	for _, job := range e.cfg.Jobs {
		if job.RunID != "" {
			return job.RunID
		}
	}
	return ""
}

func anyFailed(conns []*agent.JobConnection) bool {
	for _, c := range conns {
		if c.State() == model.StateFailed {
			return true
		}
	}
	return false
}

// fanOut runs one operation against every connection of a job in parallel
// and waits for all of them; every endpoint completes its call even when a
// peer fails, and the errors are collected afterwards.
func fanOut(conns []*agent.JobConnection, fn func(*agent.JobConnection) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *agent.JobConnection) {
			defer wg.Done()
			errs[i] = fn(c)
		}(i, c)
	}
	wg.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
