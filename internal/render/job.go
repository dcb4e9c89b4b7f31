// Package render owns the rendering job queue: prioritized admission,
// bounded concurrency against the engine pool, artifact tracking, and
// retention of finished jobs.
package render

import (
	"time"

	"github.com/avendel/stagehand/internal/fault"
)

// Status is the lifecycle state of one rendering job. completed, failed
// and cancelled are terminal; a terminal job never changes again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// maxDimension bounds requested artifact dimensions.
const maxDimension = 8192

// formatExts maps artifact formats to file extensions.
var formatExts = map[string]string{
	"png":  ".png",
	"jpeg": ".jpg",
	"mp4":  ".mp4",
}

// Params describes what one job asks the engine to produce. Style, the
// camera fields and Background are optional scene setup applied before the
// capture.
type Params struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`

	Style      string  `json:"style,omitempty"`
	Position   string  `json:"position,omitempty"`
	Target     string  `json:"target,omitempty"`
	Zoom       float64 `json:"zoom,omitempty"`
	Background string  `json:"background,omitempty"`
}

// Validate checks job parameters at admission.
func (p Params) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fault.New(fault.CodeInvalidCommand, "render: width and height must be positive")
	}
	if p.Width > maxDimension || p.Height > maxDimension {
		return fault.New(fault.CodeInvalidCommand, "render: dimensions exceed %d", maxDimension)
	}
	if _, ok := formatExts[p.Format]; !ok {
		return fault.New(fault.CodeInvalidCommand, "render: unsupported format %q", p.Format)
	}
	return nil
}

// Job is a snapshot of one rendering job. Higher Priority runs first;
// equal priorities run in submission order.
type Job struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Params    Params `json:"params"`
	Priority  int    `json:"priority"`
	Status    Status `json:"status"`

	ArtifactPath string `json:"artifact_path,omitempty"`
	ArtifactSize int64  `json:"artifact_size,omitempty"`
	Error        string `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// seq orders equal-priority jobs by submission.
	seq uint64
}

// jobHeap orders pending jobs by priority, then submission order. It
// satisfies container/heap.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
