package handlers

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job types.
const (
	JobTypeRebuild   = "rebuild"
	JobTypeRecluster = "recluster"
)

// isJobTerminal returns true if the job status is a terminal state
func isJobTerminal(status JobStatus) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Job is a long running index rebuild or recluster.
type Job struct {
	EventBroadcaster

	id        string
	jobType   string
	kind      vector.Kind
	status    JobStatus
	done      int
	total     int
	err       string
	startedAt time.Time
	endedAt   *time.Time
	result    any
}

// JobView is the JSON form of a job.
type JobView struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Kind        vector.Kind `json:"kind,omitempty"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"`
	Done        int         `json:"done"`
	Total       int         `json:"total"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      any         `json:"result,omitempty"`
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// View returns a consistent copy of the job state.
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v := JobView{
		ID:          j.id,
		Type:        j.jobType,
		Kind:        j.kind,
		Status:      j.status,
		Done:        j.done,
		Total:       j.total,
		Error:       j.err,
		StartedAt:   j.startedAt,
		CompletedAt: j.endedAt,
		Result:      j.result,
	}
	if j.total > 0 {
		v.Progress = j.done * 100 / j.total
	}
	return v
}

// GetStatus returns the current job status (implements SSEJob).
func (j *Job) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Cancel cancels a job that has not finished yet.
func (j *Job) Cancel() bool {
	if isJobTerminal(j.GetStatus()) {
		return false
	}
	j.EventBroadcaster.Cancel()
	j.finish(JobStatusCancelled, nil, "")
	return true
}

// progress records progress and notifies listeners.
func (j *Job) progress(done, total int) {
	j.mu.Lock()
	j.done, j.total = done, total
	j.mu.Unlock()
	j.SendEvent(JobEvent{Type: "progress", Data: map[string]int{"done": done, "total": total}})
}

func (j *Job) finish(status JobStatus, result any, errMsg string) {
	j.mu.Lock()
	if isJobTerminal(j.status) {
		j.mu.Unlock()
		return
	}
	now := time.Now()
	j.status = status
	j.result = result
	j.err = errMsg
	j.endedAt = &now
	j.mu.Unlock()

	switch status {
	case JobStatusCompleted:
		j.SendEvent(JobEvent{Type: "completed", Data: result})
	case JobStatusFailed:
		j.SendEvent(JobEvent{Type: "job_error", Message: errMsg})
	}
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = slices.Delete(b.listeners, i, i+1)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobFunc is the body of a job. It reports progress and returns the result
// shown once the job completes.
type JobFunc func(ctx context.Context, progress func(done, total int)) (any, error)

// JobManager manages async jobs.
type JobManager struct {
	log  *zap.Logger
	jobs map[string]*Job
	mu   sync.RWMutex
	wg   sync.WaitGroup
}

// NewJobManager creates a new job manager.
func NewJobManager(log *zap.Logger) *JobManager {
	return &JobManager{
		log:  log,
		jobs: make(map[string]*Job),
	}
}

// Start creates a job and runs fn in the background.
func (m *JobManager) Start(jobType string, kind vector.Kind, fn JobFunc) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:        uuid.NewString(),
		jobType:   jobType,
		kind:      kind,
		status:    JobStatusPending,
		startedAt: time.Now(),
	}
	job.cancel = cancel

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.jobs[job.id] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, cancel, job, fn)
	return job
}

func (m *JobManager) run(ctx context.Context, cancel context.CancelFunc, job *Job, fn JobFunc) {
	defer m.wg.Done()
	defer cancel()

	job.mu.Lock()
	if job.status == JobStatusPending {
		job.status = JobStatusRunning
	}
	job.mu.Unlock()

	log := m.log.With(zap.String("job", job.id), zap.String("type", job.jobType))
	log.Info("job started")

	result, err := fn(ctx, job.progress)
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		job.finish(JobStatusCancelled, nil, "")
		log.Info("job cancelled")
	case err != nil:
		job.finish(JobStatusFailed, nil, err.Error())
		log.Error("job failed", zap.Error(err))
	default:
		job.finish(JobStatusCompleted, result, "")
		log.Info("job completed")
	}
}

// pruneLocked drops jobs that finished more than the retention period ago.
func (m *JobManager) pruneLocked(now time.Time) {
	for id, job := range m.jobs {
		v := job.View()
		if v.CompletedAt != nil && now.Sub(*v.CompletedAt) > constants.JobRetention {
			delete(m.jobs, id)
		}
	}
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// ListJobs returns all jobs, newest first.
func (m *JobManager) ListJobs() []JobView {
	m.mu.RLock()
	views := make([]JobView, 0, len(m.jobs))
	for _, job := range m.jobs {
		views = append(views, job.View())
	}
	m.mu.RUnlock()
	slices.SortFunc(views, func(a, b JobView) int { return b.StartedAt.Compare(a.StartedAt) })
	return views
}

// Shutdown cancels every running job and waits for them to stop.
func (m *JobManager) Shutdown() {
	m.mu.RLock()
	for _, job := range m.jobs {
		job.Cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}
