package backup

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// SnapshotFunc fetches a fresh credential snapshot from the live session.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// CredentialUpdater stores a credential snapshot.
type CredentialUpdater interface {
	Update(blob []byte) error
}

// Schedule periodically snapshots the live credentials into the store and
// requests a publish. Credential changes that the transport does not announce
// (key rotations, new sessions) are captured this way.
type Schedule struct {
	cron     *cronlib.Cron
	snapshot SnapshotFunc
	timeout  time.Duration
	store    CredentialUpdater
	queue    *Queue
}

// NewSchedule parses spec (standard 5-field or a descriptor such as
// "@every 1h") and returns a stopped schedule. Each snapshot is bounded by
// timeout.
func NewSchedule(spec string, timeout time.Duration, snapshot SnapshotFunc, store CredentialUpdater, queue *Queue) (*Schedule, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &Schedule{
		cron:     cronlib.New(),
		snapshot: snapshot,
		timeout:  timeout,
		store:    store,
		queue:    queue,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Schedule) Start() {
	s.cron.Start()
	L_debug("backup: snapshot schedule started")
}

// Stop halts the schedule and waits for a running tick.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()
}

// Tick takes one snapshot. Exported for the CLI and tests.
func (s *Schedule) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	blob, err := s.snapshot(ctx)
	cancel()
	if err != nil {
		L_debug("backup: credential snapshot skipped", "error", err)
		return
	}
	if err := s.store.Update(blob); err != nil {
		L_warn("backup: credential snapshot rejected", "error", err)
		return
	}
	if s.queue != nil {
		s.queue.Request()
	}
}
