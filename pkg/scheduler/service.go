// Package scheduler fires typed jobs at future wall-clock times. Jobs are
// rows in cwa_scheduled_jobs, so they survive process restarts; dispatch is
// guarded by a compare-and-swap on state, so a job's handler runs at most
// once even with several processes pointed at the same database.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	// rehydrateLookback bounds how far back a startup scan considers missed
	// jobs. Anything older stays in the table but never fires.
	rehydrateLookback = 24 * time.Hour
	// graceWindow is how late a job may be and still count as on time.
	graceWindow = 5 * time.Minute
	// idlePoll is how often the run loop re-checks the table when no timer
	// is pending, catching rows written by other processes.
	idlePoll = time.Minute
)

// Handler executes one dispatched job. Retry policy belongs to the handler;
// the scheduler records failure and moves on.
type Handler func(ctx context.Context, job *models.ScheduledJob) error

type Service struct {
	db       *bun.DB
	log      logger.Logger
	handlers map[string]Handler

	wake     chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

func NewService(db *bun.DB, log logger.Logger) *Service {
	return &Service{
		db:       db,
		log:      log,
		handlers: map[string]Handler{},
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterHandler binds a job type to its handler. Must be called before
// Start; a dispatched job with no handler is marked failed.
func (svc *Service) RegisterHandler(jobType string, fn Handler) {
	svc.handlers[jobType] = fn
}

// Schedule persists a job and nudges the run loop.
func (svc *Service) Schedule(ctx context.Context, jobType string, runAt time.Time, data interface{}) (*models.ScheduledJob, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	job := &models.ScheduledJob{
		CreatedAt: time.Now().UTC(),
		Type:      jobType,
		State:     models.JobStateScheduled,
		RunAt:     runAt.UTC(),
		Data:      string(payload),
	}
	if _, err := svc.db.NewInsert().Model(job).Exec(ctx); err != nil {
		return nil, errors.WithStack(err)
	}

	svc.nudge()
	return job, nil
}

// Cancel transitions scheduled -> cancelled. It fails with AlreadyDispatched
// when the job's handler has started, and NotFound when no such job exists.
func (svc *Service) Cancel(ctx context.Context, id int) error {
	res, err := svc.db.
		NewUpdate().
		Model((*models.ScheduledJob)(nil)).
		Set("state = ?", models.JobStateCancelled).
		Where("sj.id = ?", id).
		Where("sj.state = ?", models.JobStateScheduled).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected > 0 {
		return nil
	}

	job := &models.ScheduledJob{}
	err = svc.db.NewSelect().Model(job).Where("sj.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Scheduled job")
		}
		return errors.WithStack(err)
	}
	if job.State == models.JobStateDispatched {
		return errcodes.AlreadyDispatched()
	}
	return nil
}

// ListPending returns scheduled jobs inside the rehydrate window, ordered by
// run time.
func (svc *Service) ListPending(ctx context.Context) ([]*models.ScheduledJob, error) {
	jobs := []*models.ScheduledJob{}

	err := svc.db.
		NewSelect().
		Model(&jobs).
		Where("sj.state = ?", models.JobStateScheduled).
		Where("sj.run_at >= ?", time.Now().UTC().Add(-rehydrateLookback)).
		Order("run_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return jobs, nil
}

// Start launches the run loop. Overdue-but-inside-the-window jobs fire
// immediately; that is the whole restart-survival story.
func (svc *Service) Start() {
	go svc.run()
}

func (svc *Service) Shutdown() {
	close(svc.shutdown)
	<-svc.done
}

func (svc *Service) nudge() {
	select {
	case svc.wake <- struct{}{}:
	default:
	}
}

func (svc *Service) run() {
	defer close(svc.done)

	for {
		ctx := svc.log.WithContext(context.Background())

		next, err := svc.nextJob(ctx)
		if err != nil {
			svc.log.Err(err).Error("failed to load next job")
			next = nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if next != nil {
			wait := time.Until(next.RunAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		} else {
			timer = time.NewTimer(idlePoll)
			fire = timer.C
		}

		select {
		case <-svc.shutdown:
			timer.Stop()
			return
		case <-svc.wake:
			timer.Stop()
		case <-fire:
			if next != nil {
				svc.dispatch(ctx, next.ID)
			}
		}
	}
}

// nextJob returns the earliest runnable job, or nil when the table has none.
func (svc *Service) nextJob(ctx context.Context) (*models.ScheduledJob, error) {
	job := &models.ScheduledJob{}

	err := svc.db.
		NewSelect().
		Model(job).
		Where("sj.state = ?", models.JobStateScheduled).
		Where("sj.run_at >= ?", time.Now().UTC().Add(-rehydrateLookback)).
		Order("run_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return job, nil
}

// dispatch claims and executes one job. The claim (scheduled -> dispatched)
// happens in the same transaction that loads the payload; losing the swap
// means another process got there first and this one walks away.
func (svc *Service) dispatch(ctx context.Context, id int) {
	job := &models.ScheduledJob{}
	claimed := false

	err := svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(job).Where("sj.id = ?", id).Scan(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if job.State != models.JobStateScheduled {
			return nil
		}

		res, err := tx.
			NewUpdate().
			Model((*models.ScheduledJob)(nil)).
			Set("state = ?", models.JobStateDispatched).
			Where("sj.id = ?", id).
			Where("sj.state = ?", models.JobStateScheduled).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		claimed = affected > 0
		return nil
	})
	if err != nil {
		svc.log.Err(err).Error("failed to claim job", logger.Data{"job_id": id})
		return
	}
	if !claimed {
		return
	}

	dispatchID, err := uuid.NewRandom()
	if err != nil {
		svc.log.Err(err).Error("new uuid error")
		return
	}
	log := svc.log.ID(dispatchID.String()).Root(logger.Data{"job_id": job.ID, "type": job.Type})
	jobCtx := log.WithContext(context.Background())

	if err := job.UnmarshalData(); err != nil {
		svc.recordError(jobCtx, job.ID, err)
		return
	}

	fn, ok := svc.handlers[job.Type]
	if !ok {
		svc.recordError(jobCtx, job.ID, errors.Errorf("no handler for job type %q", job.Type))
		return
	}

	late := time.Since(job.RunAt)
	if late > graceWindow {
		log.Warn("job firing late", logger.Data{"late": late.String()})
	}

	if err := fn(jobCtx, job); err != nil {
		svc.recordError(jobCtx, job.ID, err)
		return
	}
	log.Info("job completed")
}

// recordError stores the handler failure on the row. The state stays
// dispatched: the attempt happened.
func (svc *Service) recordError(ctx context.Context, id int, cause error) {
	svc.log.Err(cause).Error("job failed", logger.Data{"job_id": id})

	msg := cause.Error()
	_, err := svc.db.
		NewUpdate().
		Model((*models.ScheduledJob)(nil)).
		Set("last_error = ?", msg).
		Where("sj.id = ?", id).
		Exec(ctx)
	if err != nil {
		svc.log.Err(err).Error("failed to record job error", logger.Data{"job_id": id})
	}
}
