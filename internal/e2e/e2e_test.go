// Package e2e exercises a primary and a worker node wired together
// over a shared in-memory broker, covering the literal-input scenarios
// from spec.md's end-to-end testable properties (S1-S6): happy path,
// bad input, non-zero exit, kill while queued, kill while running, and
// a stale kill after completion.
package e2e

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

	"github.com/modelrunner/modelrunner/internal/broker/membroker"
	"github.com/modelrunner/modelrunner/internal/dispatch"
	"github.com/modelrunner/modelrunner/internal/entity"
	"github.com/modelrunner/modelrunner/internal/jobrecord"
	"github.com/modelrunner/modelrunner/internal/primary"
	"github.com/modelrunner/modelrunner/internal/worker"
)

// node bundles a running primary+worker pair sharing one membroker, so
// scenario tests can submit jobs and read back status/log/output.
type node struct {
	primaryHandler *primary.Handler
	workerHandler  *worker.Handler
	jobs           *entity.Store[*jobrecord.Job]
	primaryDataDir string
	workerDataDir  string
	stop           func()
}

func startNode(t *testing.T, model, modelCommand string) *node {
	t.Helper()

	primaryDataDir := t.TempDir()
	workerDataDir := t.TempDir()

	primarySrv := httptest.NewServer(http.FileServer(http.Dir("/")))
	t.Cleanup(primarySrv.Close)
	workerSrv := httptest.NewServer(http.FileServer(http.Dir("/")))
	t.Cleanup(workerSrv.Close)

	br := membroker.New()

	ph := primary.New(br, "modelrunner", primarySrv.URL, primaryDataDir, "test")
	wh := worker.New(br, "modelrunner", primarySrv.URL, workerSrv.URL, workerDataDir, model, modelCommand, "test", nil)

	pd := dispatch.New(br, ph, ph.QueueName(), ph.ChannelNames(), nil)
	wd := dispatch.New(br, wh, wh.QueueName(), wh.ChannelNames(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go pd.WaitForQueueCommands(ctx)
	go pd.WaitForChannelCommands(ctx)
	go wd.WaitForQueueCommands(ctx)
	go wd.WaitForChannelCommands(ctx)

	return &node{
		primaryHandler: ph,
		workerHandler:  wh,
		jobs:           entity.New[*jobrecord.Job](br, jobrecord.JobCodec{Prefix: "modelrunner"}),
		primaryDataDir: primaryDataDir,
		workerDataDir:  workerDataDir,
		stop:           cancel,
	}
}

func zipWithFile(t *testing.T, name, contents string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeCopyScript returns a shell script path that copies every file
// from its first argument (input dir) into its second (output dir),
// standing in for a "model" that echoes its input back.
func writeCopyScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "copy-model.sh")
	script := "#!/bin/sh\ncp \"$1\"/* \"$2\"/ 2>/dev/null\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// writeSleepScript returns a shell script path that sleeps for seconds
// regardless of the input/output dir arguments appended by the worker.
func writeSleepScript(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sleep-model.sh")
	script := "#!/bin/sh\nsleep " + itoa(seconds) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// pollJob polls the shared entity store for uuid until its status
// equals want or timeout elapses, returning the last job seen (nil if
// the job was never found).
func pollJob(t *testing.T, n *node, uuid, want string, timeout time.Duration) *jobrecord.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *jobrecord.Job
	for time.Now().Before(deadline) {
		job, err := n.jobs.Get(context.Background(), uuid)
		if err == nil {
			last = job
			if job.Status == want {
				return job
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return last
}

func TestS1_HappyPath(t *testing.T) {
	n := startNode(t, "test", writeCopyScript(t))
	defer n.stop()

	job := jobrecord.NewJob("test", "s1")
	input := zipWithFile(t, "a.txt", "ok\n")
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job, input, ""))

	final := pollJob(t, n, job.UUID, jobrecord.StatusComplete, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, jobrecord.StatusComplete, final.Status)

	jobDir := filepath.Join(n.primaryDataDir, job.UUID)
	_, err := os.Stat(filepath.Join(jobDir, "output.zip"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(jobDir, "job_log.txt"))
	require.NoError(t, err)

	zr, err := zip.OpenReader(filepath.Join(jobDir, "output.zip"))
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["a.txt"])
}

func TestS2_BadInput(t *testing.T) {
	n := startNode(t, "test", writeCopyScript(t))
	defer n.stop()

	job := jobrecord.NewJob("test", "s2")
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job, []byte("not a zip"), ""))

	final := pollJob(t, n, job.UUID, jobrecord.StatusFailed, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, jobrecord.StatusFailed, final.Status)

	logData, err := os.ReadFile(filepath.Join(n.workerDataDir, job.UUID, "job_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Failed prepping data for job")
}

func TestS3_NonZeroExit(t *testing.T) {
	n := startNode(t, "test", "/bin/false")
	defer n.stop()

	job := jobrecord.NewJob("test", "s3")
	input := zipWithFile(t, "a.txt", "ok\n")
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job, input, ""))

	final := pollJob(t, n, job.UUID, jobrecord.StatusFailed, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, jobrecord.StatusFailed, final.Status)

	_, err := os.Stat(filepath.Join(n.primaryDataDir, job.UUID, "output.zip"))
	assert.True(t, os.IsNotExist(err))
}

func TestS4_KillWhileQueued(t *testing.T) {
	// job1's model sleeps long enough to keep the worker busy so job2
	// is still sitting in the queue when we kill it.
	n := startNode(t, "test", writeSleepScript(t, 2))
	defer n.stop()

	job1 := jobrecord.NewJob("test", "s4-first")
	job2 := jobrecord.NewJob("test", "s4-second")
	input := zipWithFile(t, "a.txt", "ok\n")

	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job1, input, ""))
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job2, input, ""))
	require.NoError(t, n.primaryHandler.KillJob(context.Background(), job2))

	final := pollJob(t, n, job2.UUID, jobrecord.StatusKilled, 2*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, jobrecord.StatusKilled, final.Status)
}

func TestS5_KillWhileRunning(t *testing.T) {
	n := startNode(t, "test", writeSleepScript(t, 10))
	defer n.stop()

	job := jobrecord.NewJob("test", "s5")
	input := zipWithFile(t, "a.txt", "ok\n")
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job, input, ""))

	running := pollJob(t, n, job.UUID, jobrecord.StatusRunning, 2*time.Second)
	require.NotNil(t, running)

	require.NoError(t, n.primaryHandler.KillJob(context.Background(), running))

	final := pollJob(t, n, job.UUID, jobrecord.StatusKilled, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, jobrecord.StatusKilled, final.Status)
}

func TestS6_StaleKillAfterCompletion(t *testing.T) {
	n := startNode(t, "test", writeCopyScript(t))
	defer n.stop()

	job := jobrecord.NewJob("test", "s6")
	input := zipWithFile(t, "a.txt", "ok\n")
	require.NoError(t, n.primaryHandler.Enqueue(context.Background(), job, input, ""))

	completed := pollJob(t, n, job.UUID, jobrecord.StatusComplete, 5*time.Second)
	require.NotNil(t, completed)

	assert.NotPanics(t, func() {
		require.NoError(t, n.primaryHandler.KillJob(context.Background(), completed))
	})

	stillComplete := pollJob(t, n, job.UUID, jobrecord.StatusComplete, time.Second)
	require.NotNil(t, stillComplete)
	assert.Equal(t, jobrecord.StatusComplete, stillComplete.Status)
}
