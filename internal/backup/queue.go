package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/metrics"
)

// RunFunc performs one backup run.
type RunFunc func(ctx context.Context) error

// Queue runs backups in the background, one at a time. Requests that arrive
// while a run is in flight collapse into a single follow-up run, so bursts of
// mutations produce at most two runs and pushes never interleave.
type Queue struct {
	run     RunFunc
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	pending bool
	runs    int
	wg      sync.WaitGroup
}

// NewQueue creates a queue bounding each run by timeout.
func NewQueue(run RunFunc, timeout time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{run: run, timeout: timeout, ctx: ctx, cancel: cancel}
}

// Request asks for a run. It never blocks.
func (q *Queue) Request() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		return
	}
	if q.running {
		q.pending = true
		return
	}
	q.running = true
	q.wg.Add(1)
	go q.loop()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		q.execute()

		q.mu.Lock()
		if !q.pending || q.ctx.Err() != nil {
			q.running = false
			q.pending = false
			q.mu.Unlock()
			return
		}
		q.pending = false
		q.mu.Unlock()
	}
}

func (q *Queue) execute() {
	runID := uuid.New().String()
	start := time.Now()

	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(q.ctx, q.timeout)
		defer cancel()
	}

	L_debug("backup: run started", "runID", runID)
	err := q.run(ctx)

	q.mu.Lock()
	q.runs++
	q.mu.Unlock()

	m := metrics.GetInstance()
	m.RecordDuration("backup", "run", time.Since(start))
	if err != nil {
		L_warn("backup: run failed", "runID", runID, "error", err, "elapsed", time.Since(start))
		m.RecordFailure("backup", "run", failureReason(err))
		return
	}
	m.RecordSuccess("backup", "run")
	L_debug("backup: run finished", "runID", runID, "elapsed", time.Since(start))
}

// Runs returns the number of completed runs.
func (q *Queue) Runs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs
}

// Wait blocks until no run is in flight.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels the in-flight run, drops pending requests and waits.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPushFailed):
		return "push"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
