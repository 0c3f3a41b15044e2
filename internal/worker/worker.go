// Package worker implements the worker node's command handler and its
// PROCESS_JOB subprocess supervisor, grounded on
// modelrunner/manager.py's WorkerServer/WorkerListener.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/internal/entity"
	"github.com/modelrunner/modelrunner/internal/jobrecord"
	"github.com/modelrunner/modelrunner/internal/transfer"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// Metrics is the subset of instrumentation the subprocess supervisor
// emits per finished job (worker_jobs_total{status}).
type Metrics interface {
	IncJob(status string)
}

// Handler implements dispatch.Handler for a worker node bound to a
// single model: PROCESS_JOB, KILL_JOB, UPDATE_STATUS.
type Handler struct {
	br     broker.Broker
	jobs   *entity.Store[*jobrecord.Job]
	nodes  *entity.Store[*jobrecord.Node]
	prefix string

	primaryURL   string
	workerURL    string
	model        string
	modelCommand string
	dataDir      string
	version      string
	metrics      Metrics

	mu        sync.Mutex
	status    string
	jobUUID   string
	jobPID    int

	table map[string]func(context.Context, broker.Command)
}

// New returns a worker Handler bound to model, running modelCommand for
// every job (with input/output dirs appended as the final two argv
// elements at spawn time).
func New(br broker.Broker, prefix, primaryURL, workerURL, dataDir, model, modelCommand, version string, metrics Metrics) *Handler {
	h := &Handler{
		br:           br,
		jobs:         entity.New[*jobrecord.Job](br, jobrecord.JobCodec{Prefix: prefix}),
		nodes:        entity.New[*jobrecord.Node](br, jobrecord.NodeCodec{Prefix: prefix}),
		prefix:       prefix,
		primaryURL:   primaryURL,
		workerURL:    workerURL,
		model:        model,
		modelCommand: modelCommand,
		dataDir:      dataDir,
		version:      version,
		metrics:      metrics,
		status:       jobrecord.NodeStatusWaiting,
	}
	h.table = map[string]func(context.Context, broker.Command){
		"PROCESS_JOB":   h.handleProcessJob,
		"KILL_JOB":      h.handleKillJob,
		"UPDATE_STATUS": h.handleUpdateStatus,
	}
	return h
}

// Dispatch satisfies dispatch.Handler.
func (h *Handler) Dispatch() map[string]func(context.Context, broker.Command) {
	return h.table
}

// QueueName is this worker's model queue.
func (h *Handler) QueueName() string {
	return fmt.Sprintf("%s:queues:%s", h.prefix, h.model)
}

// ChannelNames is this worker's own channel plus the all-nodes broadcast.
func (h *Handler) ChannelNames() []string {
	return []string{
		fmt.Sprintf("%s:channels:%s", h.prefix, jobrecord.WorkerNodeName(h.workerURL, h.model)),
		fmt.Sprintf("%s:channels:nodes", h.prefix),
	}
}

func (h *Handler) setStatus(status, jobUUID string, pid int) {
	h.mu.Lock()
	h.status, h.jobUUID, h.jobPID = status, jobUUID, pid
	h.mu.Unlock()
}

func (h *Handler) snapshot() (status, jobUUID string, pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.jobUUID, h.jobPID
}

func (h *Handler) incMetric(status string) {
	if h.metrics != nil {
		h.metrics.IncJob(status)
	}
}

// handleProcessJob runs the full PROCESS_JOB algorithm from §4.5:
// claim, prep input, spawn, wait, resolve outcome, notify.
func (h *Handler) handleProcessJob(ctx context.Context, cmd broker.Command) {
	uuid := cmd.JobUUID()
	job, err := h.jobs.Get(ctx, uuid)
	if err != nil {
		logger.Warn("job missing, dropping stale queue entry", "job_uuid", uuid, "error", err)
		return
	}

	job.WorkerURL = h.workerURL
	job.WorkerDataDir = h.dataDir

	jobDataDir := filepath.Join(h.dataDir, job.UUID)
	inputDir := filepath.Join(jobDataDir, "input")
	outputDir := filepath.Join(jobDataDir, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		logger.Error("failed to create input dir", "job_uuid", uuid, "error", err)
		return
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		logger.Error("failed to create output dir", "job_uuid", uuid, "error", err)
		return
	}

	logPath := filepath.Join(jobDataDir, "job_log.txt")
	logFile, err := os.Create(logPath)
	if err != nil {
		logger.Error("failed to open job log", "job_uuid", uuid, "error", err)
		return
	}

	primaryQueue := fmt.Sprintf("%s:queues:%s", h.prefix, h.primaryURL)

	logger.Info("preparing input for job", "job_uuid", uuid)
	inputURL := fmt.Sprintf("%s/%s/%s/input.zip", job.PrimaryURL, job.PrimaryDataDir, job.UUID)
	if err := transfer.Fetch(ctx, inputURL, jobDataDir, "input.zip"); err != nil {
		h.failJob(ctx, job, logFile, primaryQueue, fmt.Sprintf("Failed prepping data for job %s: %v", job.UUID, err))
		return
	}
	if err := transfer.UnzipTo(filepath.Join(jobDataDir, "input.zip"), inputDir); err != nil {
		h.failJob(ctx, job, logFile, primaryQueue, fmt.Sprintf("Failed prepping data for job %s: %v", job.UUID, err))
		return
	}

	job.Status = jobrecord.StatusRunning
	job.OnPrimary = false
	if err := h.jobs.Set(ctx, job.UUID, job); err != nil {
		logger.Error("failed to persist running job", "job_uuid", uuid, "error", err)
	}

	args := strings.Fields(h.modelCommand)
	absInput, _ := filepath.Abs(inputDir)
	absOutput, _ := filepath.Abs(outputDir)
	args = append(args, absInput, absOutput)

	logger.Info("starting job", "job_uuid", uuid, "command", strings.Join(args, " "))

	proc := exec.Command(args[0], args[1:]...)
	proc.Stdout = logFile
	proc.Stderr = logFile

	// The in-memory status only becomes RUNNING once Start returns a
	// real pid: publishing it any earlier would let a KILL_JOB racing
	// the queue loop pass handleKillJob's guard with pid == 0, and
	// syscall.Kill(0, SIGKILL) signals this worker's entire process
	// group, not just the job's subprocess.
	if err := proc.Start(); err != nil {
		logFile.Close()
		h.completeWithStatus(ctx, job, primaryQueue, jobrecord.StatusFailed)
		return
	}

	h.setStatus(jobrecord.NodeStatusRunning, job.UUID, proc.Process.Pid)
	logger.Info("job running with pid", "job_uuid", uuid, "pid", proc.Process.Pid)

	waitErr := proc.Wait()
	h.setStatus(jobrecord.NodeStatusWaiting, "", 0)
	logFile.Close()

	logger.Info("finished job", "job_uuid", uuid, "error", waitErr)

	switch {
	case waitErr == nil:
		logger.Info("zipping output of job", "job_uuid", uuid)
		if err := transfer.ZipDir(outputDir, filepath.Join(jobDataDir, "output.zip")); err != nil {
			logger.Error("failed to zip output", "job_uuid", uuid, "error", err)
			job.Status = jobrecord.StatusFailed
		} else {
			job.Status = jobrecord.StatusProcessed
		}
	case wasKilled(waitErr):
		job.Status = jobrecord.StatusKilled
	default:
		job.Status = jobrecord.StatusFailed
	}

	h.completeWithStatus(ctx, job, primaryQueue, job.Status)
}

// failJob is the input-prep failure path: write the message to the
// log, mark FAILED, persist, and notify the primary so it can still
// retrieve the log.
func (h *Handler) failJob(ctx context.Context, job *jobrecord.Job, logFile *os.File, primaryQueue, message string) {
	logger.Error(message, "job_uuid", job.UUID)
	if _, err := logFile.WriteString(message); err != nil {
		logger.Error("failed to write failure message to job log", "job_uuid", job.UUID, "error", err)
	}
	logFile.Close()
	// The log lives on this worker, so the primary must fetch it from here.
	job.OnPrimary = false
	h.completeWithStatus(ctx, job, primaryQueue, jobrecord.StatusFailed)
}

func (h *Handler) completeWithStatus(ctx context.Context, job *jobrecord.Job, primaryQueue, status string) {
	job.Status = status
	if err := h.jobs.Set(ctx, job.UUID, job); err != nil {
		logger.Error("failed to persist finished job", "job_uuid", job.UUID, "error", err)
	}
	if err := h.br.Enqueue(ctx, primaryQueue, broker.Command{"command": "COMPLETE_JOB", "job_uuid": job.UUID}); err != nil {
		logger.Error("failed to notify primary", "job_uuid", job.UUID, "error", err)
	}
	h.incMetric(status)
}

// handleKillJob kills the subprocess tree only if this worker is
// currently RUNNING the same job_uuid; a stale or mismatched kill is a
// no-op, per §5's late-kill guarantee.
func (h *Handler) handleKillJob(_ context.Context, cmd broker.Command) {
	status, currentUUID, pid := h.snapshot()
	uuid := cmd.JobUUID()

	if status != jobrecord.NodeStatusRunning || currentUUID != uuid {
		logger.Warn("kill command ignored", "command_job_uuid", uuid, "current_job_uuid", currentUUID, "status", status)
		return
	}
	if pid <= 0 {
		logger.Warn("kill command ignored: no pid recorded for running job", "job_uuid", uuid)
		return
	}

	if err := KillProcessTree(pid); err != nil {
		logger.Error("failed to kill process tree", "job_uuid", uuid, "pid", pid, "error", err)
	}
}

// handleUpdateStatus writes this worker's own Node record.
func (h *Handler) handleUpdateStatus(ctx context.Context, _ broker.Command) {
	status, _, _ := h.snapshot()
	node := jobrecord.NewWorkerNode(h.workerURL, h.model, h.version, status)
	if err := h.nodes.Set(ctx, node.Name, node); err != nil {
		logger.Error("failed to write worker node record", "error", err)
	}
}

// wasKilled reports whether err represents a subprocess terminated by
// SIGKILL (the signal the supervisor uses for KILL_JOB).
func wasKilled(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() && status.Signal() == syscall.SIGKILL
}
