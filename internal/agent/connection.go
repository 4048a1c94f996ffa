package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/sourceplane/benchctl/internal/model"
)

// ErrStartFailed is returned when an agent refuses a job start.
var ErrStartFailed = errors.New("job start failed")

const (
	retryAttempts = 3
	retryDelay    = 300 * time.Millisecond
)

// Info holds the environment facts an agent reports about itself.
type Info struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// snapshot is the full job document an agent returns on update.
type snapshot struct {
	ID           string                      `json:"id"`
	State        string                      `json:"state"`
	Measurements []model.Measurement         `json:"measurements"`
	Metadata     []model.MeasurementMetadata `json:"metadata"`
}

// JobConnection drives one job on one agent endpoint. It owns the local
// measurement queue; the poll loop is the single writer, and the auto-flush
// drain serializes against it with the queue mutex.
type JobConnection struct {
	JobName  string
	Job      *model.JobTemplate
	Endpoint string

	client *resty.Client
	log    zerolog.Logger

	jobID string

	mu           sync.Mutex
	measurements []model.Measurement
	seen         int

	metadata []model.MeasurementMetadata
	state    model.JobState
	info     *Info
}

// NewConnection creates a connection for one (job, endpoint) pair. Nothing
// is sent until Start.
func NewConnection(client *resty.Client, log zerolog.Logger, jobName string, job *model.JobTemplate, endpoint string) *JobConnection {
	return &JobConnection{
		JobName:  jobName,
		Job:      job,
		Endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		log:      log.With().Str("job", jobName).Str("endpoint", endpoint).Logger(),
		state:    model.StateNew,
	}
}

// Started reports whether the agent ever accepted this job.
func (c *JobConnection) Started() bool {
	return c.jobID != ""
}

// State returns the most recently observed job state.
func (c *JobConnection) State() model.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metadata returns the most recently delivered measurement metadata.
func (c *JobConnection) Metadata() []model.MeasurementMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.MeasurementMetadata(nil), c.metadata...)
}

// Measurements returns a copy of the local measurement queue.
func (c *JobConnection) Measurements() []model.Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Measurement(nil), c.measurements...)
}

// HasDelimiter reports whether the queue currently contains a delimiter
// measurement.
func (c *JobConnection) HasDelimiter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.measurements {
		if m.IsDelimiter {
			return true
		}
	}
	return false
}

// DrainAtDelimiter atomically removes and returns everything up to and
// including the first delimiter. The remainder stays queued. Returns false
// when no delimiter is present.
func (c *JobConnection) DrainAtDelimiter() ([]model.Measurement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.measurements {
		if m.IsDelimiter {
			batch := append([]model.Measurement(nil), c.measurements[:i+1]...)
			c.measurements = append([]model.Measurement(nil), c.measurements[i+1:]...)
			return batch, true
		}
	}
	return nil, false
}

// Start posts the job template to the agent. The server allocates a job id
// used by every subsequent call.
func (c *JobConnection) Start(ctx context.Context) error {
	var created snapshot
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(c.Job).
		SetResult(&created).
		Post(c.Endpoint + "/jobs")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStartFailed, c.Endpoint, err)
	}
	if res.IsError() {
		return fmt.Errorf("%w: %s: HTTP %d", ErrStartFailed, c.Endpoint, res.StatusCode())
	}
	if created.ID == "" {
		return fmt.Errorf("%w: %s: agent returned no job id", ErrStartFailed, c.Endpoint)
	}
	c.jobID = created.ID
	c.mu.Lock()
	c.state = model.StateInitializing
	c.mu.Unlock()
	c.log.Debug().Str("id", c.jobID).Msg("job accepted by agent")
	return nil
}

// GetState polls the job's current lifecycle state. Cheap and repeatable;
// transient transport failures are retried.
func (c *JobConnection) GetState(ctx context.Context) (model.JobState, error) {
	var body struct {
		State string `json:"state"`
	}
	err := c.retryGet(ctx, c.jobURL("/state"), &body)
	if err != nil {
		return c.State(), err
	}
	state := model.ParseJobState(body.State)
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return state, nil
}

// TryUpdate pulls the full job snapshot and merge-appends any new
// measurements to the local queue in delivery order.
func (c *JobConnection) TryUpdate(ctx context.Context) error {
	var snap snapshot
	if err := c.retryGet(ctx, c.jobURL(""), &snap); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = model.ParseJobState(snap.State)
	if len(snap.Metadata) > 0 {
		c.metadata = snap.Metadata
	}
	if len(snap.Measurements) < c.seen {
		// The server buffer shrank (flush or clear happened); start over.
		c.seen = 0
	}
	if len(snap.Measurements) > c.seen {
		c.measurements = append(c.measurements, snap.Measurements[c.seen:]...)
		c.seen = len(snap.Measurements)
	}
	return nil
}

// ClearMeasurements asks the server to drop all buffered measurements and
// empties the local queue. Idempotent.
func (c *JobConnection) ClearMeasurements(ctx context.Context) error {
	if err := c.post(ctx, c.jobURL("/measurements/clear")); err != nil {
		return err
	}
	c.mu.Lock()
	c.measurements = nil
	c.seen = 0
	c.mu.Unlock()
	return nil
}

// FlushMeasurements asks the server to drop everything up to and including
// the most recent delimiter. Idempotent per delimiter.
func (c *JobConnection) FlushMeasurements(ctx context.Context) error {
	if err := c.post(ctx, c.jobURL("/measurements/flush")); err != nil {
		return err
	}
	c.mu.Lock()
	// The server buffer now starts at the post-delimiter remainder the
	// local queue already holds; only samples beyond it are new.
	c.seen = len(c.measurements)
	c.mu.Unlock()
	return nil
}

// Stop requests a graceful stop. Returns once the server acknowledges; the
// job may still be draining.
func (c *JobConnection) Stop(ctx context.Context) error {
	return c.post(ctx, c.jobURL("/stop"))
}

// Delete removes the job from the agent. Idempotent.
func (c *JobConnection) Delete(ctx context.Context) error {
	res, err := c.client.R().SetContext(ctx).Delete(c.jobURL(""))
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.Endpoint, err)
	}
	if res.IsError() && res.StatusCode() != 404 {
		return fmt.Errorf("delete %s: HTTP %d", c.Endpoint, res.StatusCode())
	}
	return nil
}

// GetInfo returns the agent's environment facts, cached for the connection
// lifetime.
func (c *JobConnection) GetInfo(ctx context.Context) (*Info, error) {
	if c.info != nil {
		return c.info, nil
	}
	var info Info
	if err := c.retryGet(ctx, c.Endpoint+"/info", &info); err != nil {
		return nil, err
	}
	c.info = &info
	return c.info, nil
}

// DownloadAssets pulls agent-side produced artifacts into the working
// directory. Failures are for the caller to log; they never abort a run.
func (c *JobConnection) DownloadAssets(ctx context.Context, name string) error {
	return c.download(ctx, c.jobURL("/assets"), name+".assets.zip")
}

// DownloadTrace streams the collected trace to path, renaming atomically on
// success so a partial download never shadows a complete one.
func (c *JobConnection) DownloadTrace(ctx context.Context, path string) error {
	return c.download(ctx, c.jobURL("/trace"), path)
}

func (c *JobConnection) download(ctx context.Context, url, path string) error {
	res, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if res.IsError() {
		return fmt.Errorf("download %s: HTTP %d", url, res.StatusCode())
	}
	tmp := path + ".tmp"
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("download %s: %w", url, err)
		}
	}
	if err := os.WriteFile(tmp, res.Bytes(), 0644); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}

func (c *JobConnection) jobURL(suffix string) string {
	return c.Endpoint + "/jobs/" + c.jobID + suffix
}

// retryGet wraps idempotent GETs with a short fixed-delay retry to ride out
// transient transport failures.
func (c *JobConnection) retryGet(ctx context.Context, url string, out interface{}) error {
	return retry.Do(
		func() error {
			res, err := c.client.R().SetContext(ctx).SetResult(out).Get(url)
			if err != nil {
				return err
			}
			if res.IsError() {
				return fmt.Errorf("GET %s: HTTP %d", url, res.StatusCode())
			}
			return nil
		},
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (c *JobConnection) post(ctx context.Context, url string) error {
	res, err := c.client.R().SetContext(ctx).Post(url)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	if res.IsError() {
		return fmt.Errorf("POST %s: HTTP %d", url, res.StatusCode())
	}
	return nil
}
