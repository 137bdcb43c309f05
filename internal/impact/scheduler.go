package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type QueueState string

const (
	QueueQueued     QueueState = "queued"
	QueueDispatched QueueState = "dispatched"
)

// QueueEntry is a deferred request to analyse an artefact.
type QueueEntry struct {
	ID                 string     `json:"id"`
	ArtefactID         string     `json:"artefact_id"`
	TriggerChangeSetID string     `json:"trigger_change_set_id,omitempty"`
	ScheduledAtUnixMs  int64      `json:"scheduled_at_unix_ms"`
	State              QueueState `json:"state"`
	DispatchedAtUnixMs int64      `json:"dispatched_at_unix_ms,omitempty"`
}

// Starter starts an analysis pass; *Engine implements it.
type Starter interface {
	StartAnalysis(ctx context.Context, req AnalysisRequest) (string, error)
}

type SchedulerOptions struct {
	Logger  *slog.Logger
	Queue   QueueStore
	Starter Starter
	Now     func() time.Time
}

// Scheduler fires queued analysis requests when their time arrives. Retry
// and backoff belong to whoever enqueues.
type Scheduler struct {
	log     *slog.Logger
	queue   QueueStore
	starter Starter
	now     func() time.Time

	mu      sync.Mutex
	running bool
	wake    chan QueueEntry
	timers  map[string]*time.Timer
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Queue == nil {
		return nil, errors.New("missing Queue")
	}
	if opts.Starter == nil {
		return nil, errors.New("missing Starter")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		log:     logger,
		queue:   opts.Queue,
		starter: opts.Starter,
		now:     now,
		wake:    make(chan QueueEntry, 64),
		timers:  map[string]*time.Timer{},
	}, nil
}

// Delay is how long to wait before firing an entry scheduled at scheduledAt.
func Delay(scheduledAt time.Time, now time.Time) time.Duration {
	d := scheduledAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Enqueue persists a deferred request. A running scheduler picks it up
// immediately; otherwise it fires on the next Run.
func (s *Scheduler) Enqueue(ctx context.Context, artefactID string, scheduledAt time.Time, triggerChangeSetID string) (QueueEntry, error) {
	artefactID = strings.TrimSpace(artefactID)
	if artefactID == "" {
		return QueueEntry{}, fmt.Errorf("%w: missing artefact_id", ErrArtefactNotFound)
	}
	e := QueueEntry{
		ID:                 newQueueID(),
		ArtefactID:         artefactID,
		TriggerChangeSetID: strings.TrimSpace(triggerChangeSetID),
		ScheduledAtUnixMs:  scheduledAt.UnixMilli(),
		State:              QueueQueued,
	}
	if err := s.queue.Enqueue(ctx, e); err != nil {
		return QueueEntry{}, err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		select {
		case s.wake <- e:
		default:
			s.log.Warn("scheduler wake channel full; entry fires on next start", "queue_id", e.ID)
		}
	}
	return e, nil
}

// Run loads queued entries, arms a timer for each and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	fire := make(chan QueueEntry, 64)
	defer func() {
		s.mu.Lock()
		s.running = false
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	}()

	pending, err := s.queue.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	for _, e := range pending {
		s.arm(ctx, e, fire)
	}
	s.log.Info("scheduler started", "queued", len(pending))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.wake:
			s.arm(ctx, e, fire)
		case e := <-fire:
			s.dispatch(ctx, e)
		}
	}
}

func (s *Scheduler) arm(ctx context.Context, e QueueEntry, fire chan<- QueueEntry) {
	d := Delay(time.UnixMilli(e.ScheduledAtUnixMs), s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[e.ID]; ok {
		return
	}
	s.timers[e.ID] = time.AfterFunc(d, func() {
		select {
		case fire <- e:
		case <-ctx.Done():
		}
	})
}

func (s *Scheduler) dispatch(ctx context.Context, e QueueEntry) {
	s.mu.Lock()
	delete(s.timers, e.ID)
	s.mu.Unlock()

	ok, err := s.queue.MarkDispatched(ctx, e.ID, s.now().UnixMilli())
	if err != nil {
		s.log.Warn("scheduler dispatch mark failed", "queue_id", e.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	runID, err := s.starter.StartAnalysis(ctx, AnalysisRequest{
		ArtefactID:         e.ArtefactID,
		TriggerChangeSetID: e.TriggerChangeSetID,
	})
	if err != nil {
		s.log.Warn("scheduled analysis rejected", "queue_id", e.ID, "artefact_id", e.ArtefactID, "error", err)
		return
	}
	s.log.Info("scheduled analysis started", "queue_id", e.ID, "artefact_id", e.ArtefactID, "run_id", runID)
}
