package render

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avendel/stagehand/internal/config"
	"github.com/avendel/stagehand/internal/dispatch"
	"github.com/avendel/stagehand/internal/fault"
)

// Renderer is the slice of the command dispatcher the queue needs.
type Renderer interface {
	ExecuteSequence(ctx context.Context, sessionID string, cmds []dispatch.Command, continueOnError bool) ([]dispatch.Result, error)
}

// Recorder persists finished jobs for history queries.
type Recorder interface {
	RecordJob(job Job)
}

// Opts configures a Queue.
type Opts struct {
	Config   config.RenderConfig
	Renderer Renderer
	Recorder Recorder  // optional
	Out      io.Writer // optional
}

// Queue is the rendering job queue. Submit admits jobs; Run dispatches
// them against the engine pool with at most MaxConcurrentJobs in flight.
type Queue struct {
	cfg      config.RenderConfig
	renderer Renderer
	recorder Recorder
	out      io.Writer

	mu      sync.Mutex
	jobs    map[string]*Job
	heap    jobHeap
	seq     uint64
	pending int
	running int

	wake chan struct{}
}

// NewQueue creates a Queue.
func NewQueue(opts Opts) (*Queue, error) {
	if opts.Renderer == nil {
		return nil, fmt.Errorf("render: renderer is required")
	}
	if opts.Config.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("render: max concurrent jobs must be positive")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Queue{
		cfg:      opts.Config,
		renderer: opts.Renderer,
		recorder: opts.Recorder,
		out:      opts.Out,
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Submit admits a job and returns its pending snapshot. The job runs when
// a worker slot frees up, after any higher-priority pending jobs.
func (q *Queue) Submit(sessionID string, params Params, priority int) (Job, error) {
	if sessionID == "" {
		return Job{}, fault.New(fault.CodeInvalidCommand, "render: session id is required")
	}
	if err := params.Validate(); err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxPending > 0 && q.pending >= q.cfg.MaxPending {
		return Job{}, fault.New(fault.CodeQueueFull, "render: %d jobs pending (limit %d)", q.pending, q.cfg.MaxPending)
	}

	q.seq++
	job := &Job{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Params:      params,
		Priority:    priority,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		seq:         q.seq,
	}
	q.jobs[job.ID] = job
	heap.Push(&q.heap, job)
	q.pending++

	q.signal()
	return *job, nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, fault.New(fault.CodeNotFound, "render: job %s not found", id)
	}
	return *job, nil
}

// Cancel cancels a pending job. A job already processing or finished is
// left alone and Cancel reports false.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false, fault.New(fault.CodeNotFound, "render: job %s not found", id)
	}
	if job.Status != StatusPending {
		return false, nil
	}
	now := time.Now()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	q.pending--
	q.record(*job)
	return true, nil
}

// List returns snapshots of all retained jobs, newest first.
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Counts returns the number of pending and running jobs.
func (q *Queue) Counts() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.running
}

// Run dispatches jobs until ctx is cancelled. Jobs started before
// cancellation fail with their context error.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

// dispatch starts pending jobs while worker slots are free. Cancelled
// entries left in the heap are skipped here.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running < q.cfg.MaxConcurrentJobs && q.heap.Len() > 0 {
		job := heap.Pop(&q.heap).(*Job)
		if job.Status != StatusPending {
			continue
		}
		now := time.Now()
		job.Status = StatusProcessing
		job.StartedAt = &now
		q.pending--
		q.running++
		go q.runJob(ctx, job.ID)
	}
}

// runJob drives one job through the engine and settles its terminal
// state.
func (q *Queue) runJob(ctx context.Context, id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.running--
		q.mu.Unlock()
		q.signal()
		return
	}
	sessionID := job.SessionID
	params := job.Params
	q.mu.Unlock()

	artifact := filepath.Join(q.cfg.OutputDir, id+formatExts[params.Format])
	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout())
	err := q.render(jobCtx, sessionID, params, artifact)
	cancel()

	var size int64
	if err == nil {
		size, err = artifactSize(artifact)
	}

	q.mu.Lock()
	job, ok = q.jobs[id]
	if ok && !job.Status.Terminal() {
		now := time.Now()
		job.FinishedAt = &now
		if err != nil {
			job.Status = StatusFailed
			job.Error = err.Error()
		} else {
			job.Status = StatusCompleted
			job.ArtifactPath = artifact
			job.ArtifactSize = size
		}
		q.record(*job)
	}
	q.running--
	q.mu.Unlock()

	if err != nil {
		log.Printf("render: job %s failed: %v", id, err)
	} else {
		fmt.Fprintf(q.out, "Job %s completed (%s, %d bytes)\n", id, artifact, size)
	}
	q.signal()
}

// render issues the setup commands and the capture for one job.
func (q *Queue) render(ctx context.Context, sessionID string, params Params, artifact string) error {
	var cmds []dispatch.Command
	if params.Style != "" {
		cmds = append(cmds, dispatch.Command{Kind: dispatch.KindStyle, Preset: params.Style})
	}
	if params.Position != "" || params.Target != "" || params.Zoom != 0 {
		cmds = append(cmds, dispatch.Command{
			Kind:     dispatch.KindCamera,
			Position: params.Position,
			Target:   params.Target,
			Zoom:     params.Zoom,
		})
	}
	if params.Background != "" {
		cmds = append(cmds, dispatch.Command{Kind: dispatch.KindBackground, Color: params.Background})
	}
	cmds = append(cmds, dispatch.Command{
		Kind:   dispatch.KindCapture,
		Output: artifact,
		Width:  params.Width,
		Height: params.Height,
		Format: params.Format,
	})

	results, err := q.renderer.ExecuteSequence(ctx, sessionID, cmds, false)
	if err != nil {
		return fault.Wrap(fault.CodeRenderingFailed, err, "render job")
	}
	last := results[len(results)-1]
	if !last.Success {
		return fault.New(fault.CodeRenderingFailed, "engine rejected %q: %s", last.Command, last.Error)
	}
	return nil
}

// artifactSize confirms the engine wrote a non-empty artifact.
func artifactSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fault.New(fault.CodeRenderingFailed, "artifact %s was not produced", filepath.Base(path))
	}
	if info.Size() == 0 {
		return 0, fault.New(fault.CodeRenderingFailed, "artifact %s is empty", filepath.Base(path))
	}
	return info.Size(), nil
}

// Prune drops terminal jobs finished before the retention window and
// deletes their artifacts. Returns the number pruned.
func (q *Queue) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	q.mu.Lock()
	var stale []*Job
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			stale = append(stale, job)
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()

	for _, job := range stale {
		if job.ArtifactPath == "" {
			continue
		}
		if err := os.Remove(job.ArtifactPath); err != nil && !os.IsNotExist(err) {
			log.Printf("render: prune artifact %s: %v", job.ArtifactPath, err)
		}
	}
	return len(stale)
}

func (q *Queue) record(job Job) {
	if q.recorder != nil {
		q.recorder.RecordJob(job)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
