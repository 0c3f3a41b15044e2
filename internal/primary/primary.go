// Package primary implements the primary node's command handler and
// its two non-command operations (enqueue, kill_job), grounded on
// modelrunner/manager.py's PrimaryServer.
package primary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/internal/entity"
	"github.com/modelrunner/modelrunner/internal/jobrecord"
	"github.com/modelrunner/modelrunner/internal/transfer"
	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// Handler implements dispatch.Handler for a primary node: COMPLETE_JOB
// and UPDATE_STATUS, plus Enqueue and KillJob for the web tier to call
// directly.
type Handler struct {
	br         broker.Broker
	jobs       *entity.Store[*jobrecord.Job]
	nodes      *entity.Store[*jobrecord.Node]
	prefix     string
	primaryURL string
	dataDir    string
	version    string

	table map[string]func(context.Context, broker.Command)
}

// New returns a primary Handler rooted at dataDir, identified by primaryURL.
func New(br broker.Broker, prefix, primaryURL, dataDir, version string) *Handler {
	h := &Handler{
		br:         br,
		jobs:       entity.New[*jobrecord.Job](br, jobrecord.JobCodec{Prefix: prefix}),
		nodes:      entity.New[*jobrecord.Node](br, jobrecord.NodeCodec{Prefix: prefix}),
		prefix:     prefix,
		primaryURL: primaryURL,
		dataDir:    dataDir,
		version:    version,
	}
	h.table = map[string]func(context.Context, broker.Command){
		"COMPLETE_JOB":  h.handleCompleteJob,
		"UPDATE_STATUS": h.handleUpdateStatus,
	}
	return h
}

// Dispatch satisfies dispatch.Handler.
func (h *Handler) Dispatch() map[string]func(context.Context, broker.Command) {
	return h.table
}

// QueueName is this primary's completion queue, where workers post
// COMPLETE_JOB.
func (h *Handler) QueueName() string {
	return fmt.Sprintf("%s:queues:%s", h.prefix, h.primaryURL)
}

// ChannelNames is this primary's own control channel plus the
// all-nodes broadcast channel.
func (h *Handler) ChannelNames() []string {
	return []string{
		fmt.Sprintf("%s:channels:%s", h.prefix, h.primaryURL),
		fmt.Sprintf("%s:channels:nodes", h.prefix),
	}
}

// handleCompleteJob pulls the job's log (and, if processed, its output
// archive) from the worker that ran it, then flips the job back onto
// the primary.
func (h *Handler) handleCompleteJob(ctx context.Context, cmd broker.Command) {
	uuid := cmd.JobUUID()
	job, err := h.jobs.Get(ctx, uuid)
	if err != nil {
		logger.Error("COMPLETE_JOB for unknown job", "job_uuid", uuid, "error", err)
		return
	}

	jobDataDir := filepath.Join(h.dataDir, job.UUID)
	if err := os.MkdirAll(jobDataDir, 0o755); err != nil {
		logger.Error("failed to create job data dir", "job_uuid", uuid, "error", err)
		return
	}

	logger.Info("retrieving log for job", "job_uuid", uuid)
	if err := transfer.Fetch(ctx, job.LogURL(), jobDataDir, "job_log.txt"); err != nil {
		logger.Error("failed to retrieve job log", "job_uuid", uuid, "error", err)
	}

	if job.Status == jobrecord.StatusProcessed {
		logger.Info("retrieving output for job", "job_uuid", uuid)
		if err := transfer.Fetch(ctx, job.DownloadURL(), jobDataDir, "output.zip"); err != nil {
			logger.Error("failed to retrieve job output", "job_uuid", uuid, "error", err)
		} else {
			job.Status = jobrecord.StatusComplete
		}
	}

	job.PrimaryDataDir = h.dataDir
	job.OnPrimary = true

	if err := h.jobs.Set(ctx, job.UUID, job); err != nil {
		logger.Error("failed to persist completed job", "job_uuid", uuid, "error", err)
	}
}

// handleUpdateStatus writes this primary's own Node record.
func (h *Handler) handleUpdateStatus(ctx context.Context, _ broker.Command) {
	node := jobrecord.NewPrimaryNode(h.primaryURL, h.version)
	if err := h.nodes.Set(ctx, node.Name, node); err != nil {
		logger.Error("failed to write primary node record", "error", err)
	}
}

// Enqueue writes job data to disk and queues the job for processing.
// Exactly one of dataBytes or sourceURL must be given.
func (h *Handler) Enqueue(ctx context.Context, job *jobrecord.Job, dataBytes []byte, sourceURL string) error {
	haveBytes := len(dataBytes) > 0
	haveURL := sourceURL != ""
	if haveBytes == haveURL {
		return modelerrors.ErrAmbiguousSource
	}

	jobDataDir := filepath.Join(h.dataDir, job.UUID)
	if err := os.MkdirAll(jobDataDir, 0o755); err != nil {
		return modelerrors.WrapTransfer("enqueue", job.UUID, err)
	}

	if haveBytes {
		logger.Info("writing input file for job", "job_uuid", job.UUID)
		if err := os.WriteFile(filepath.Join(jobDataDir, "input.zip"), dataBytes, 0o644); err != nil {
			return modelerrors.WrapTransfer("enqueue", job.UUID, err)
		}
	} else {
		logger.Info("retrieving input file for job", "job_uuid", job.UUID)
		if err := transfer.Fetch(ctx, sourceURL, jobDataDir, "input.zip"); err != nil {
			return err
		}
	}

	job.PrimaryURL = h.primaryURL
	job.PrimaryDataDir = h.dataDir
	job.Status = jobrecord.StatusQueued

	if err := h.jobs.Set(ctx, job.UUID, job); err != nil {
		return err
	}

	queue := fmt.Sprintf("%s:queues:%s", h.prefix, job.Model)
	return h.br.Enqueue(ctx, queue, broker.Command{"command": "PROCESS_JOB", "job_uuid": job.UUID})
}

// KillJob notifies the right party that job should stop, three ways
// depending on its current status.
func (h *Handler) KillJob(ctx context.Context, job *jobrecord.Job) error {
	switch job.Status {
	case jobrecord.StatusQueued:
		queue := fmt.Sprintf("%s:queues:%s", h.prefix, job.Model)
		logger.Info("killing job by removing from queue", "job_uuid", job.UUID, "queue", queue)
		if err := h.br.Remove(ctx, queue, broker.Command{"command": "PROCESS_JOB", "job_uuid": job.UUID}); err != nil {
			return err
		}
		job.Status = jobrecord.StatusKilled
		return h.jobs.Set(ctx, job.UUID, job)

	case jobrecord.StatusRunning:
		workerChannel := fmt.Sprintf("%s:channels:%s", h.prefix, jobrecord.WorkerNodeName(job.WorkerURL, job.Model))
		logger.Info("sending message to kill job", "job_uuid", job.UUID, "channel", workerChannel)
		return h.br.Publish(ctx, workerChannel, broker.Command{"command": "KILL_JOB", "job_uuid": job.UUID})

	default:
		logger.Info("kill called on job in incompatible state", "job_uuid", job.UUID, "status", job.Status)
		return nil
	}
}
