package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/retry"
	"github.com/insight-sync/internal/types"
)

// Persister mirrors job transitions to durable storage so the queue can be
// reloaded after a restart. Nil disables persistence (tests).
type Persister interface {
	SaveJob(ctx context.Context, job *models.SyncJob) error
	UpdateJob(ctx context.Context, job *models.SyncJob) error
	LoadQueuedJobs(ctx context.Context, limit int) ([]*models.SyncJob, error)
}

// MemoryQueue is the in-process Queue implementation: a ready heap ordered
// by (priority, insertion order) plus a delayed heap ordered by eligibility
// time. A dedup index enforces one non-terminal job per (connection, date
// range) tuple.
type MemoryQueue struct {
	mu sync.Mutex

	ready   *readyHeap
	delayed *delayedHeap
	active  map[string]*models.SyncJob
	dead    map[string]*models.SyncJob
	byID    map[string]*models.SyncJob
	dedup   map[string]string // dedup key -> job id holding the slot
	seq     uint64

	persister Persister
	logger    *logging.Logger
	now       func() time.Time
}

// NewMemoryQueue creates an empty queue. persister may be nil.
func NewMemoryQueue(persister Persister) *MemoryQueue {
	q := &MemoryQueue{
		ready:     &readyHeap{},
		delayed:   &delayedHeap{},
		active:    make(map[string]*models.SyncJob),
		dead:      make(map[string]*models.SyncJob),
		byID:      make(map[string]*models.SyncJob),
		dedup:     make(map[string]string),
		persister: persister,
		logger:    logging.GetGlobalLogger().WithField("component", "queue"),
		now:       time.Now,
	}
	heap.Init(q.ready)
	heap.Init(q.delayed)
	return q
}

// Start reloads queued jobs from the persister. Jobs reloaded after a
// restart are immediately eligible: their original pacing delay has passed.
func (q *MemoryQueue) Start(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}

	jobs, err := q.persister.LoadQueuedJobs(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to load queued jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		job.Status = types.JobQueued
		job.Delay = 0
		q.insertLocked(job, q.now())
	}

	q.logger.Infof("Loaded %d queued jobs from storage", len(jobs))
	return nil
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	job.Status = types.JobQueued
	job.EnqueuedAt = q.now()

	q.mu.Lock()
	if holder, exists := q.dedup[job.DedupKey()]; exists {
		q.mu.Unlock()
		q.logger.WithFields(map[string]interface{}{
			"dedupKey": job.DedupKey(),
			"holder":   holder,
		}).Debug("Rejecting duplicate job")
		return ErrDuplicateJob
	}
	q.insertLocked(job, q.now().Add(job.Delay))
	q.mu.Unlock()

	if q.persister != nil {
		if err := q.persister.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to persist job: %w", err)
		}
	}
	return nil
}

// insertLocked registers the job in every index and pushes it to the
// appropriate heap. Caller holds q.mu.
func (q *MemoryQueue) insertLocked(job *models.SyncJob, eligibleAt time.Time) {
	q.seq++
	item := &queueItem{job: job, seq: q.seq, eligibleAt: eligibleAt}
	q.byID[job.ID] = job
	q.dedup[job.DedupKey()] = job.ID

	if eligibleAt.After(q.now()) {
		heap.Push(q.delayed, item)
	} else {
		heap.Push(q.ready, item)
	}
}

// Dequeue implements Queue
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.SyncJob, bool) {
	q.mu.Lock()
	q.promoteLocked()

	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return nil, false
	}

	item := heap.Pop(q.ready).(*queueItem)
	job := item.job
	job.Status = types.JobActive
	job.Attempts++
	q.active[job.ID] = job
	q.mu.Unlock()

	if q.persister != nil {
		if err := q.persister.UpdateJob(ctx, job); err != nil {
			q.logger.ErrorWithErr("Failed to persist job claim", err)
		}
	}
	return job, true
}

// promoteLocked moves delay-expired jobs onto the ready heap. Caller holds q.mu.
func (q *MemoryQueue) promoteLocked() {
	now := q.now()
	for q.delayed.Len() > 0 {
		next := (*q.delayed)[0]
		if next.eligibleAt.After(now) {
			break
		}
		heap.Pop(q.delayed)
		heap.Push(q.ready, next)
	}
}

// Complete implements Queue
func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	job, exists := q.active[jobID]
	if !exists {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	job.Status = types.JobCompleted
	delete(q.active, jobID)
	delete(q.byID, jobID)
	delete(q.dedup, job.DedupKey())
	q.mu.Unlock()

	if q.persister != nil {
		if err := q.persister.UpdateJob(ctx, job); err != nil {
			q.logger.ErrorWithErr("Failed to persist job completion", err)
		}
	}
	return nil
}

// Fail implements Queue
func (q *MemoryQueue) Fail(ctx context.Context, jobID string, cause error) error {
	q.mu.Lock()
	job, exists := q.active[jobID]
	if !exists {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	delete(q.active, jobID)

	msg := cause.Error()
	job.LastError = &msg

	if job.Attempts >= job.MaxAttempts {
		// Exhausted. The job stays inspectable in the dead set and the gap
		// detector will resurface its range on the next sweep.
		job.Status = types.JobDead
		q.dead[jobID] = job
		delete(q.byID, jobID)
		delete(q.dedup, job.DedupKey())
		q.mu.Unlock()

		q.logger.WithFields(map[string]interface{}{
			"jobId":    jobID,
			"range":    job.Range().String(),
			"attempts": job.Attempts,
			"error":    msg,
		}).Error("Job moved to dead set after exhausting retries")
	} else {
		backoff := retry.BackoffDelay(job.Attempts)
		job.Status = types.JobQueued
		q.seq++
		heap.Push(q.delayed, &queueItem{job: job, seq: q.seq, eligibleAt: q.now().Add(backoff)})
		q.mu.Unlock()

		q.logger.WithFields(map[string]interface{}{
			"jobId":   jobID,
			"range":   job.Range().String(),
			"attempt": job.Attempts,
			"backoff": backoff.String(),
			"error":   msg,
		}).Warn("Job failed, requeued with backoff")
	}

	if q.persister != nil {
		if err := q.persister.UpdateJob(ctx, job); err != nil {
			q.logger.ErrorWithErr("Failed to persist job failure", err)
		}
	}
	return nil
}

// Remove implements Queue
func (q *MemoryQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	job, exists := q.byID[jobID]
	if !exists {
		if job, exists = q.dead[jobID]; !exists {
			q.mu.Unlock()
			return ErrJobNotFound
		}
		delete(q.dead, jobID)
	} else {
		q.removeLocked(job)
	}
	q.mu.Unlock()

	// The durable row mirrors the removal whichever set the job came from
	if q.persister != nil {
		job.Status = types.JobDead
		if err := q.persister.UpdateJob(ctx, job); err != nil {
			q.logger.ErrorWithErr("Failed to persist job removal", err)
		}
	}
	return nil
}

// removeLocked drops the job from every structure. Caller holds q.mu.
func (q *MemoryQueue) removeLocked(job *models.SyncJob) {
	delete(q.byID, job.ID)
	delete(q.active, job.ID)
	delete(q.dedup, job.DedupKey())
	q.ready.removeJob(job.ID)
	q.delayed.removeJob(job.ID)
}

// PruneConnection implements Queue
func (q *MemoryQueue) PruneConnection(ctx context.Context, connectionID string) int {
	return q.prune(ctx, func(j *models.SyncJob) bool {
		return j.ConnectionID == connectionID
	})
}

// PruneStale implements Queue
func (q *MemoryQueue) PruneStale(ctx context.Context, live func(connectionID string) bool) int {
	return q.prune(ctx, func(j *models.SyncJob) bool {
		return !live(j.ConnectionID)
	})
}

func (q *MemoryQueue) prune(ctx context.Context, doomed func(*models.SyncJob) bool) int {
	q.mu.Lock()
	var victims []*models.SyncJob
	for _, job := range q.byID {
		// Active jobs are skipped: the in-flight worker detects the revoked
		// connection at write time.
		if job.Status == types.JobActive {
			continue
		}
		if doomed(job) {
			victims = append(victims, job)
		}
	}
	for _, job := range victims {
		q.removeLocked(job)
	}
	q.mu.Unlock()

	if q.persister != nil {
		for _, job := range victims {
			job.Status = types.JobDead
			if err := q.persister.UpdateJob(ctx, job); err != nil {
				q.logger.ErrorWithErr("Failed to persist pruned job", err)
			}
		}
	}

	if len(victims) > 0 {
		q.logger.Infof("Pruned %d jobs", len(victims))
	}
	return len(victims)
}

// Inspect implements Queue
func (q *MemoryQueue) Inspect(filter Filter) []*models.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.SyncJob
	collect := func(job *models.SyncJob) {
		if filter.Matches(job) {
			copied := *job
			out = append(out, &copied)
		}
	}
	for _, job := range q.byID {
		collect(job)
	}
	for _, job := range q.dead {
		collect(job)
	}
	return out
}

// Depth implements Queue
func (q *MemoryQueue) Depth(brandID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, job := range q.byID {
		if job.BrandID == brandID {
			n++
		}
	}
	return n
}

// Outstanding implements Queue
func (q *MemoryQueue) Outstanding(connectionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, job := range q.byID {
		if job.ConnectionID == connectionID {
			n++
		}
	}
	return n
}

// queueItem wraps a job with its heap bookkeeping
type queueItem struct {
	job        *models.SyncJob
	seq        uint64
	eligibleAt time.Time
}

// readyHeap orders eligible jobs by priority (higher first), then insertion
// order (FIFO among equals).
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *readyHeap) removeJob(jobID string) {
	for i, item := range *h {
		if item.job.ID == jobID {
			heap.Remove(h, i)
			return
		}
	}
}

// delayedHeap orders not-yet-eligible jobs by eligibility time
type delayedHeap []*queueItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].eligibleAt.Before(h[j].eligibleAt)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *delayedHeap) removeJob(jobID string) {
	for i, item := range *h {
		if item.job.ID == jobID {
			heap.Remove(h, i)
			return
		}
	}
}
