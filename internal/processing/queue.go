package processing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/primal-host/vidscope/internal/detector"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Store persists analysis state changes. analysis.Store implements it.
type Store interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, res *detector.Result, processingSeconds float64) error
	MarkFailed(ctx context.Context, id, message string) error
	MarkCancelled(ctx context.Context, id string) error
}

// Publisher receives job events. events.Manager implements it.
type Publisher interface {
	Publish(ev events.Event)
	Record(ctx context.Context, ev events.Event) error
}

// Options configures a Queue.
type Options struct {
	TickInterval  time.Duration    // default 2s
	MaxFinalizing int64            // concurrent detector runs, default 4
	Rand          func() float64   // progress source in [0, 1), default math/rand
	Now           func() time.Time // default time.Now
}

// Queue owns the in-memory jobs, keyed by analysis ID.
type Queue struct {
	log     logs.Log
	store   Store
	det     detector.Detector
	events  Publisher
	metrics *metrics.Metrics

	interval time.Duration
	rand     func() float64
	now      func() time.Time
	sem      *semaphore.Weighted

	mu       sync.Mutex
	jobs     map[string]*Job
	starting map[string]bool // being marked processing, not yet in jobs
	lastID   int64
	seq      int64
	running  bool
	cancel   context.CancelFunc
	loop     sync.WaitGroup
	inFlight sync.WaitGroup
}

// NewQueue creates a Queue. m may be nil.
func NewQueue(log logs.Log, store Store, det detector.Detector, pub Publisher, m *metrics.Metrics, opts Options) *Queue {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.MaxFinalizing <= 0 {
		opts.MaxFinalizing = 4
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		log:      log,
		store:    store,
		det:      det,
		events:   pub,
		metrics:  m,
		interval: opts.TickInterval,
		rand:     opts.Rand,
		now:      opts.Now,
		sem:      semaphore.NewWeighted(opts.MaxFinalizing),
		jobs:     make(map[string]*Job),
		starting: make(map[string]bool),
	}
}

// Start begins ticking. Calling Start on a running queue does nothing.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.loop.Add(1)
	go q.run(runCtx)
}

// Stop halts ticking and waits for running detector calls to finish or
// ctx to expire. Jobs still in the queue keep their processing state in
// the database and are enqueued again at the next start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.loop.Wait()

	done := make(chan struct{})
	go func() {
		q.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processing: stop: %w", ctx.Err())
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.loop.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// Enqueue marks an analysis processing and adds it to the queue. The job
// only becomes visible once the store has accepted the state change, so
// a concurrent Cancel cannot be overwritten. Enqueueing an analysis that
// is already queued returns the existing job.
func (q *Queue) Enqueue(ctx context.Context, p Params) (*Job, error) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	if j, ok := q.jobs[p.AnalysisID]; ok {
		cp := *j
		q.mu.Unlock()
		return &cp, nil
	}
	if q.starting[p.AnalysisID] {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStarting, p.AnalysisID)
	}
	q.starting[p.AnalysisID] = true
	q.mu.Unlock()

	err := q.store.MarkProcessing(ctx, p.AnalysisID)

	q.mu.Lock()
	delete(q.starting, p.AnalysisID)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("processing: enqueue %s: %w", p.AnalysisID, err)
	}
	if !q.running {
		// The row stays processing and is picked up at the next start.
		q.mu.Unlock()
		return nil, ErrStopped
	}

	now := q.now()
	id := now.UnixMilli()
	if id <= q.lastID {
		id = q.lastID + 1
	}
	q.lastID = id
	q.seq++
	j := &Job{
		ID:         fmt.Sprintf("job_%d", id),
		AnalysisID: p.AnalysisID,
		VideoID:    p.VideoID,
		UserID:     p.UserID,
		Title:      p.Title,
		Priority:   p.Priority,
		State:      StateProcessing,
		ETA:        ETA(0),
		StartedAt:  now,
		videoURL:   p.VideoURL,
		duration:   p.DurationSeconds,
		seq:        q.seq,
	}
	q.jobs[p.AnalysisID] = j
	depth := len(q.jobs)
	cp := *j
	q.mu.Unlock()

	q.metrics.RecordJob("queued")
	q.metrics.SetQueueDepth(depth)
	q.record(ctx, cp, events.TypeJobQueued, fmt.Sprintf("%s queued for analysis", cp.Title))
	return &cp, nil
}

// tick advances every running job. Priority jobs go first.
func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	jobs := q.sortedLocked("")
	var progressed []Job
	var finished []*Job
	for _, j := range jobs {
		if j.State == StateProcessing && !j.Paused {
			j.Progress = Advance(j.Progress, q.rand())
			j.ETA = ETA(j.Progress)
			if j.Progress >= 100 {
				j.State = StateFinalizing
			}
			progressed = append(progressed, *j)
		}
		if j.State == StateFinalizing && !j.launched {
			finished = append(finished, j)
		}
	}

	var launch []Job
	for _, j := range finished {
		if !q.sem.TryAcquire(1) {
			// Retried on the next tick.
			break
		}
		j.launched = true
		q.inFlight.Add(1)
		launch = append(launch, *j)
	}
	q.mu.Unlock()

	for _, j := range progressed {
		q.events.Publish(events.Event{
			Type:      events.TypeJobProgress,
			UserID:    j.UserID,
			SubjectID: j.AnalysisID,
			Progress:  j.Progress,
			ETA:       j.ETA,
		})
	}
	for _, j := range launch {
		go q.finalize(context.WithoutCancel(ctx), j)
	}
}

// finalize runs the detector for a job at 100% and stores the outcome.
func (q *Queue) finalize(ctx context.Context, j Job) {
	defer q.inFlight.Done()
	defer q.sem.Release(1)
	defer q.remove(j.AnalysisID)

	start := q.now()
	res, err := q.det.Detect(ctx, detector.Request{
		AnalysisID:      j.AnalysisID,
		VideoURL:        j.videoURL,
		ModelVersion:    detector.DefaultModel,
		DurationSeconds: j.duration,
	})
	if err != nil {
		q.fail(ctx, j, fmt.Errorf("detection failed: %w", err))
		return
	}

	classes := make([]string, len(res.Detections))
	for i, d := range res.Detections {
		classes[i] = d.ObjectClass
	}
	q.metrics.RecordDetection(q.now().Sub(start).Seconds(), classes)

	elapsed := q.now().Sub(j.StartedAt).Seconds()
	if err := q.store.MarkCompleted(ctx, j.AnalysisID, res, elapsed); err != nil {
		q.fail(ctx, j, fmt.Errorf("saving detections failed: %w", err))
		return
	}

	q.log.Infof("Analysis %s completed: %d objects in %.1fs", j.AnalysisID, len(res.Detections), elapsed)
	q.metrics.RecordJob("completed")
	j.Progress = 100
	j.ETA = ETAComplete
	q.record(ctx, j, events.TypeJobCompleted, fmt.Sprintf("%s analysed: %d objects detected", j.Title, len(res.Detections)))
}

func (q *Queue) fail(ctx context.Context, j Job, cause error) {
	q.log.Errorf("Analysis %s failed: %v", j.AnalysisID, cause)
	if err := q.store.MarkFailed(ctx, j.AnalysisID, cause.Error()); err != nil {
		q.log.Errorf("Marking analysis %s failed: %v", j.AnalysisID, err)
	}
	q.metrics.RecordJob("failed")
	q.record(ctx, j, events.TypeJobFailed, cause.Error())
}

// record persists and broadcasts a job event, logging persistence errors.
func (q *Queue) record(ctx context.Context, j Job, typ, msg string) {
	err := q.events.Record(ctx, events.Event{
		Type:      typ,
		UserID:    j.UserID,
		SubjectID: j.AnalysisID,
		Message:   msg,
		Progress:  j.Progress,
		ETA:       j.ETA,
	})
	if err != nil {
		q.log.Warnf("Recording %s event for %s: %v", typ, j.AnalysisID, err)
	}
}

func (q *Queue) remove(analysisID string) {
	q.mu.Lock()
	delete(q.jobs, analysisID)
	depth := len(q.jobs)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)
}

// Pause stops a job from advancing.
func (q *Queue) Pause(ctx context.Context, analysisID string) (*Job, error) {
	return q.setPaused(ctx, analysisID, true)
}

// Resume lets a paused job advance again.
func (q *Queue) Resume(ctx context.Context, analysisID string) (*Job, error) {
	return q.setPaused(ctx, analysisID, false)
}

func (q *Queue) setPaused(ctx context.Context, analysisID string, paused bool) (*Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[analysisID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, analysisID)
	}
	if j.State == StateFinalizing {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFinalizing, analysisID)
	}
	changed := j.Paused != paused
	j.Paused = paused
	j.State = StateProcessing
	if paused {
		j.State = StatePaused
	}
	cp := *j
	q.mu.Unlock()

	if changed {
		typ := events.TypeJobResumed
		if paused {
			typ = events.TypeJobPaused
		}
		q.record(ctx, cp, typ, cp.Title)
	}
	return &cp, nil
}

// Cancel removes a job and marks its analysis cancelled. A job that is
// still being queued returns ErrStarting.
func (q *Queue) Cancel(ctx context.Context, analysisID string) error {
	q.mu.Lock()
	j, ok := q.jobs[analysisID]
	if !ok && q.starting[analysisID] {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStarting, analysisID)
	}
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, analysisID)
	}
	if j.State == StateFinalizing {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFinalizing, analysisID)
	}
	delete(q.jobs, analysisID)
	depth := len(q.jobs)
	cp := *j
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	if err := q.store.MarkCancelled(ctx, analysisID); err != nil {
		return fmt.Errorf("processing: cancel %s: %w", analysisID, err)
	}
	q.metrics.RecordJob("cancelled")
	q.record(ctx, cp, events.TypeJobCancelled, cp.Title)
	return nil
}

// Get returns a copy of the job for analysisID.
func (q *Queue) Get(analysisID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[analysisID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Snapshot returns copies of the jobs of userID, or of every job when
// userID is empty, in processing order.
func (q *Queue) Snapshot(userID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.sortedLocked(userID)
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out
}

// Len returns the number of jobs in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// sortedLocked returns jobs with priority jobs first, then in enqueue
// order. Caller must hold q.mu.
func (q *Queue) sortedLocked(userID string) []*Job {
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if userID == "" || j.UserID == userID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority
		}
		return jobs[a].seq < jobs[b].seq
	})
	return jobs
}
