package worker_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/internal/broker/membroker"
	"github.com/modelrunner/modelrunner/internal/entity"
	"github.com/modelrunner/modelrunner/internal/jobrecord"
	"github.com/modelrunner/modelrunner/internal/worker"
)

type fakeMetrics struct {
	statuses []string
}

func (m *fakeMetrics) IncJob(status string) { m.statuses = append(m.statuses, status) }

func testInputZipBytes(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("payload.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHandleProcessJob_SuccessfulRunMarksProcessed(t *testing.T) {
	zipBytes := testInputZipBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer srv.Close()

	br := membroker.New()
	jobs := entity.New[*jobrecord.Job](br, jobrecord.JobCodec{Prefix: "modelrunner"})
	dataDir := t.TempDir()

	job := jobrecord.NewJob("m1", "job-a")
	job.PrimaryURL = srv.URL
	job.PrimaryDataDir = "data"
	job.Status = jobrecord.StatusQueued
	require.NoError(t, jobs.Set(context.Background(), job.UUID, job))

	metrics := &fakeMetrics{}
	h := worker.New(br, "modelrunner", srv.URL, "http://worker", dataDir, "m1", "true", "test", metrics)

	h.Dispatch()["PROCESS_JOB"](context.Background(), broker.Command{"command": "PROCESS_JOB", "job_uuid": job.UUID})

	updated, err := jobs.Get(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, jobrecord.StatusProcessed, updated.Status)
	assert.False(t, updated.OnPrimary)

	_, err = os.Stat(filepath.Join(dataDir, job.UUID, "output.zip"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dataDir, job.UUID, "job_log.txt"))
	require.NoError(t, err)

	cmd, err := br.Pop(context.Background(), "modelrunner:queues:"+srv.URL, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "COMPLETE_JOB", cmd.Name())

	assert.Contains(t, metrics.statuses, jobrecord.StatusProcessed)
}

func TestHandleProcessJob_MissingJobIsDroppedNotPanicked(t *testing.T) {
	br := membroker.New()
	h := worker.New(br, "modelrunner", "http://primary", "http://worker", t.TempDir(), "m1", "true", "test", nil)

	assert.NotPanics(t, func() {
		h.Dispatch()["PROCESS_JOB"](context.Background(), broker.Command{"command": "PROCESS_JOB", "job_uuid": "does-not-exist"})
	})
}

func TestHandleProcessJob_FetchFailureMarksFailedAndNotifiesPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	br := membroker.New()
	jobs := entity.New[*jobrecord.Job](br, jobrecord.JobCodec{Prefix: "modelrunner"})
	dataDir := t.TempDir()

	job := jobrecord.NewJob("m1", "job-a")
	job.PrimaryURL = srv.URL
	job.PrimaryDataDir = "data"
	require.NoError(t, jobs.Set(context.Background(), job.UUID, job))

	h := worker.New(br, "modelrunner", srv.URL, "http://worker", dataDir, "m1", "true", "test", nil)
	h.Dispatch()["PROCESS_JOB"](context.Background(), broker.Command{"command": "PROCESS_JOB", "job_uuid": job.UUID})

	updated, err := jobs.Get(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, jobrecord.StatusFailed, updated.Status)

	logData, err := os.ReadFile(filepath.Join(dataDir, job.UUID, "job_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Failed prepping data")

	cmd, err := br.Pop(context.Background(), "modelrunner:queues:"+srv.URL, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "COMPLETE_JOB", cmd.Name())
}

func TestHandleKillJob_IgnoredWhenNotRunningThatJob(t *testing.T) {
	br := membroker.New()
	h := worker.New(br, "modelrunner", "http://primary", "http://worker", t.TempDir(), "m1", "true", "test", nil)

	assert.NotPanics(t, func() {
		h.Dispatch()["KILL_JOB"](context.Background(), broker.Command{"command": "KILL_JOB", "job_uuid": "some-uuid"})
	})
}

func TestHandleUpdateStatus_WritesWorkerNodeRecord(t *testing.T) {
	br := membroker.New()
	nodes := entity.New[*jobrecord.Node](br, jobrecord.NodeCodec{Prefix: "modelrunner"})
	h := worker.New(br, "modelrunner", "http://primary", "http://worker", t.TempDir(), "m1", "true", "1.0.0", nil)

	h.Dispatch()["UPDATE_STATUS"](context.Background(), broker.Command{"command": "UPDATE_STATUS"})

	node, err := nodes.Get(context.Background(), jobrecord.WorkerNodeName("http://worker", "m1"))
	require.NoError(t, err)
	assert.Equal(t, jobrecord.NodeTypeWorker, node.NodeType)
	assert.Equal(t, "m1", node.Model)
}
