package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/benchctl/internal/model"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeAgent is a minimal in-memory agent speaking the wire protocol.
type fakeAgent struct {
	mu           sync.Mutex
	state        string
	measurements []model.Measurement
	metadata     []model.MeasurementMetadata
	flushCalls   int
	clearCalls   int
	started      bool
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.started = true
		if f.state == "" {
			f.state = "running"
		}
		f.mu.Unlock()
		writeJSON(w, map[string]string{"id": "job-1"})
	})
	mux.HandleFunc("GET /jobs/job-1/state", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]string{"state": f.state})
	})
	mux.HandleFunc("GET /jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"id":           "job-1",
			"state":        f.state,
			"measurements": f.measurements,
			"metadata":     f.metadata,
		})
	})
	mux.HandleFunc("POST /jobs/job-1/measurements/flush", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.flushCalls++
		for i, m := range f.measurements {
			if m.IsDelimiter {
				f.measurements = append([]model.Measurement(nil), f.measurements[i+1:]...)
				break
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /jobs/job-1/measurements/clear", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.clearCalls++
		f.measurements = nil
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /jobs/job-1/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.state = "stopped"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Info{OS: "linux", Arch: "x64", Hostname: "agent-1"})
	})
	mux.HandleFunc("GET /jobs/job-1/trace", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("trace-bytes"))
	})
	mux.HandleFunc("GET /jobs/job-1/assets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("assets-bytes"))
	})
	return mux
}

func sample(name string, value interface{}) model.Measurement {
	return model.Measurement{Name: name, Timestamp: time.Now(), Value: value}
}

func delimiter() model.Measurement {
	return model.Measurement{Name: "delimiter", Timestamp: time.Now(), IsDelimiter: true}
}

func newTestConnection(t *testing.T) (*JobConnection, *fakeAgent) {
	t.Helper()
	fake := &fakeAgent{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	job := &model.JobTemplate{Executable: "echo", Endpoints: []string{srv.URL}}
	conn := NewConnection(NewClient(), zerolog.Nop(), "srv", job, srv.URL)
	return conn, fake
}

func TestStartAssignsJobID(t *testing.T) {
	conn, fake := newTestConnection(t)

	require.NoError(t, conn.Start(context.Background()))
	assert.True(t, fake.started)
	assert.Equal(t, model.StateInitializing, conn.State())
}

func TestStartFailureSurfacesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn := NewConnection(NewClient(), zerolog.Nop(), "srv", &model.JobTemplate{}, srv.URL)
	err := conn.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestTryUpdateMergeAppendsMeasurements(t *testing.T) {
	conn, fake := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))

	fake.mu.Lock()
	fake.measurements = []model.Measurement{sample("rps", 100)}
	fake.mu.Unlock()
	require.NoError(t, conn.TryUpdate(context.Background()))
	require.Len(t, conn.Measurements(), 1)

	fake.mu.Lock()
	fake.measurements = append(fake.measurements, sample("rps", 200))
	fake.mu.Unlock()
	require.NoError(t, conn.TryUpdate(context.Background()))

	got := conn.Measurements()
	require.Len(t, got, 2)
	// Order is preserved end to end; the first sample is not duplicated.
	assert.Equal(t, float64(100), toFloat(t, got[0].Value))
	assert.Equal(t, float64(200), toFloat(t, got[1].Value))
}

func toFloat(t *testing.T, v interface{}) float64 {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok, "expected float64, got %T", v)
	return f
}

func TestFlushDropsPreDelimiterSamplesOnServer(t *testing.T) {
	conn, fake := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))

	fake.mu.Lock()
	fake.measurements = []model.Measurement{sample("rps", 1), delimiter(), sample("rps", 2)}
	fake.mu.Unlock()
	require.NoError(t, conn.TryUpdate(context.Background()))

	batch, ok := conn.DrainAtDelimiter()
	require.True(t, ok)
	assert.Len(t, batch, 2)
	assert.True(t, batch[1].IsDelimiter)
	// The remainder stays queued locally.
	assert.Len(t, conn.Measurements(), 1)

	require.NoError(t, conn.FlushMeasurements(context.Background()))
	assert.Equal(t, 1, fake.flushCalls)

	// Polling again after the flush must not duplicate the post-delimiter
	// sample the agent already delivered.
	require.NoError(t, conn.TryUpdate(context.Background()))
	assert.Len(t, conn.Measurements(), 1)
}

func TestDrainWithoutDelimiter(t *testing.T) {
	conn, _ := newTestConnection(t)
	_, ok := conn.DrainAtDelimiter()
	assert.False(t, ok)
}

func TestClearMeasurements(t *testing.T) {
	conn, fake := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))

	fake.mu.Lock()
	fake.measurements = []model.Measurement{sample("rps", 1)}
	fake.mu.Unlock()
	require.NoError(t, conn.TryUpdate(context.Background()))
	require.NoError(t, conn.ClearMeasurements(context.Background()))

	assert.Equal(t, 1, fake.clearCalls)
	assert.Empty(t, conn.Measurements())
}

func TestStopAndStateRoundTrip(t *testing.T) {
	conn, _ := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Stop(context.Background()))

	state, err := conn.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, state)
	assert.True(t, state.IsTerminal())
}

func TestDeleteIsIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Delete(context.Background()))
	require.NoError(t, conn.Delete(context.Background()))
}

func TestGetInfoIsCached(t *testing.T) {
	conn, _ := newTestConnection(t)

	info, err := conn.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "linux", info.OS)
	assert.Equal(t, "x64", info.Arch)

	again, err := conn.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, again)
}

func TestDownloadTraceWritesFile(t *testing.T) {
	conn, _ := newTestConnection(t)
	require.NoError(t, conn.Start(context.Background()))

	path := filepath.Join(t.TempDir(), "out.nettrace")
	require.NoError(t, conn.DownloadTrace(context.Background(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "trace-bytes", string(data))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
