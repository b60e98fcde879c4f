package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/observability"
	"github.com/example/cleaner-tracking/internal/storage"
)

// PaymentReleaser holds a price when work is booked and releases it to the
// cleaner once the customer confirms.
type PaymentReleaser interface {
	Hold(ctx context.Context, amount int64, customerID, reference string) (string, error)
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
}

// Notifier pushes events to relay rooms and returns how many connections
// received them.
type Notifier interface {
	Publish(room, event string, payload interface{}) int
}

// JobDraft is a customer's booking request.
type JobDraft struct {
	Frequency     models.Frequency   `json:"frequency"`
	ScheduledDate time.Time          `json:"scheduled_date"`
	Location      models.Location    `json:"location"`
	Recurrence    *models.Recurrence `json:"recurrence,omitempty"`
}

type Option func(*Service)

func WithPayments(p PaymentReleaser) Option { return func(s *Service) { s.payments = p } }
func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDs replaces uuid generation, mostly for tests.
func WithIDs(next func() string) Option { return func(s *Service) { s.newID = next } }

// Service applies lifecycle transitions against a JobStore. Operations on the
// same job are serialized, so concurrent confirmations release payment once.
type Service struct {
	store    storage.JobStore
	payments PaymentReleaser
	notifier Notifier
	guard    *channel.Guard
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	locks map[string]*jobLock
}

// jobLock serializes operations on one job. Events raised while it is held
// are published after it is released.
type jobLock struct {
	mu     sync.Mutex
	outbox []outgoing
}

type outgoing struct {
	room, event string
	payload     interface{}
}

func NewService(store storage.JobStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		guard:  channel.NewGuard(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		locks:  make(map[string]*jobLock),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) lock(jobID string) *jobLock {
	s.mu.Lock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &jobLock{}
		s.locks[jobID] = l
	}
	s.mu.Unlock()
	l.mu.Lock()
	return l
}

func (s *Service) unlock(l *jobLock) {
	out := l.outbox
	l.outbox = nil
	l.mu.Unlock()
	for _, m := range out {
		s.publish(m)
	}
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Mark(err, ErrNotFound)
	}
	return err
}

func (s *Service) load(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	return j, notFound(err)
}

// notify queues an event on the held job lock.
func (s *Service) notify(l *jobLock, room, event string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	l.outbox = append(l.outbox, outgoing{room: room, event: event, payload: payload})
}

func (s *Service) publish(m outgoing) {
	n := s.notifier.Publish(m.room, m.event, m.payload)
	s.logger.Debug("lifecycle event published", "room", m.room, "event", m.event, "receivers", n)
}

func (s *Service) jobChanged(l *jobLock, j *models.Job) {
	observability.Transitions.WithLabelValues("job", string(j.Status)).Inc()
	s.logger.Info("job transition", "job_id", j.ID, "status", j.Status)
	s.notify(l, channel.JobRoom(j.ID), models.EventJobStatus, models.JobStatusEvent{JobID: j.ID, Status: j.Status, UpdatedAt: j.UpdatedAt})
}

func (s *Service) occurrenceChanged(l *jobLock, o *models.Occurrence) {
	observability.Transitions.WithLabelValues("occurrence", string(o.Status)).Inc()
	s.logger.Info("occurrence transition", "job_id", o.JobID, "occurrence_id", o.ID, "status", o.Status)
	s.notify(l, channel.JobRoom(o.JobID), models.EventOccurrenceStatus, models.OccurrenceStatusEvent{
		JobID: o.JobID, OccurrenceID: o.ID, Status: o.Status, UpdatedAt: s.now(),
	})
}

func (s *Service) CreateJob(ctx context.Context, a Actor, d JobDraft) (*models.Job, error) {
	if a.Role != RoleCustomer || a.ID == "" {
		return nil, errors.Wrap(ErrForbidden, "only customers book jobs")
	}
	if d.ScheduledDate.IsZero() {
		return nil, errors.Wrap(ErrInvalidInput, "scheduled_date is required")
	}
	now := s.now()
	j := &models.Job{
		ID:            s.newID(),
		Status:        models.JobPosted,
		Frequency:     d.Frequency,
		ScheduledDate: d.ScheduledDate,
		Location:      d.Location,
		CustomerID:    a.ID,
		Recurrence:    d.Recurrence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch d.Frequency {
	case models.OneTime:
		j.Recurrence = nil
	case models.Weekly:
		if _, err := GenerateOccurrences(*j, 0); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unknown frequency %q", d.Frequency)
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", j.ID, "customer_id", a.ID, "frequency", j.Frequency)
	return j, nil
}

// Snapshot returns the authoritative state of a job.
func (s *Service) Snapshot(ctx context.Context, jobID string) (models.Snapshot, error) {
	j, err := s.load(ctx, jobID)
	if err != nil {
		return models.Snapshot{}, err
	}
	occs, err := s.store.ListOccurrences(ctx, jobID)
	if err != nil {
		return models.Snapshot{}, err
	}
	pending, err := s.PendingExtraTime(ctx, jobID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Job: *j, Occurrences: occs, PendingExtraTime: pending}, nil
}

// effects carries what an operation did outside the store before the job is
// persisted (undo) and what may only happen once it is (after).
type effects struct {
	undo  []func()
	after func() error
}

func (e *effects) onRollback(f func()) { e.undo = append(e.undo, f) }

func (e *effects) rollback() {
	for i := len(e.undo) - 1; i >= 0; i-- {
		e.undo[i]()
	}
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Quotes = append([]models.Quote(nil), j.Quotes...)
	return &cp
}

// mutate runs fn on the job under its lock and persists the result when fn
// reports a change. Holds taken by fn are undone when the job cannot be
// saved; when the after step fails the saved job is put back.
func (s *Service) mutate(ctx context.Context, jobID string, fn func(j *models.Job, e *effects) (bool, error)) (*models.Job, error) {
	l := s.lock(jobID)
	defer s.unlock(l)
	j, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	prev := cloneJob(j)
	var e effects
	changed, err := fn(j, &e)
	if err != nil {
		e.rollback()
		return j, err
	}
	if !changed {
		return j, nil
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		e.rollback()
		return nil, err
	}
	if e.after != nil {
		if err := e.after(); err != nil {
			s.restore(ctx, prev, nil)
			return nil, err
		}
	}
	s.jobChanged(l, j)
	return j, nil
}

// restore writes back the state an operation started from after a later
// step failed.
func (s *Service) restore(ctx context.Context, j *models.Job, o *models.Occurrence) {
	if o != nil {
		if err := s.store.UpdateOccurrence(ctx, o); err != nil {
			s.logger.Error("restore occurrence failed", "job_id", o.JobID, "occurrence_id", o.ID, "error", err)
		}
	}
	if j != nil {
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.logger.Error("restore job failed", "job_id", j.ID, "error", err)
		}
	}
}

func (s *Service) SubmitQuote(ctx context.Context, a Actor, jobID string, amount int64, message string) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, _ *effects) (bool, error) {
		err := SubmitQuote(j, a, models.Quote{ID: s.newID(), Amount: amount, Message: message}, s.now())
		return err == nil, err
	})
}

// AcceptQuote books the cleaner. Weekly jobs expand into occurrences here and
// every payable unit gets its own hold.
func (s *Service) AcceptQuote(ctx context.Context, a Actor, jobID, quoteID string) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, e *effects) (bool, error) {
		q, err := AcceptQuote(j, a, quoteID, s.now())
		if err != nil {
			return false, err
		}
		if j.Frequency != models.Weekly {
			id, err := s.hold(ctx, q.Amount, j.CustomerID, j.ID)
			if err != nil {
				return false, err
			}
			e.onRollback(func() { s.cancelHold(ctx, id) })
			j.PaymentIntentID = id
			return true, nil
		}
		occs, err := GenerateOccurrences(*j, q.Amount)
		if err != nil {
			return false, err
		}
		for i := range occs {
			id, err := s.hold(ctx, occs[i].Amount, j.CustomerID, occs[i].ID)
			if err != nil {
				return false, err
			}
			e.onRollback(func() { s.cancelHold(ctx, id) })
			occs[i].PaymentIntentID = id
		}
		if err := s.store.SaveOccurrences(ctx, j.ID, occs); err != nil {
			return false, err
		}
		e.onRollback(func() {
			if err := s.store.SaveOccurrences(ctx, jobID, nil); err != nil {
				s.logger.Error("drop occurrences failed", "job_id", jobID, "error", err)
			}
		})
		return true, nil
	})
}

func (s *Service) StartJob(ctx context.Context, a Actor, jobID string) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, _ *effects) (bool, error) {
		return StartJob(j, a, s.now())
	})
}

// CompleteJob submits photo evidence on a one-time job.
func (s *Service) CompleteJob(ctx context.Context, a Actor, jobID string, ev models.Evidence) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, _ *effects) (bool, error) {
		err := SubmitEvidence(j, a, ev, s.now())
		return err == nil, err
	})
}

// ConfirmJob completes a one-time job and releases its payment. Confirming a
// completed job is a no-op. The payment is captured only once the completed
// job is saved.
func (s *Service) ConfirmJob(ctx context.Context, a Actor, jobID string) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, e *effects) (bool, error) {
		changed, err := ConfirmJob(j, a, s.now())
		if err != nil || !changed {
			return changed, err
		}
		intentID := j.PaymentIntentID
		e.after = func() error {
			if err := s.release(ctx, intentID); err != nil {
				return err
			}
			s.releaseExtraTime(ctx, jobID, "")
			return nil
		}
		return true, nil
	})
}

// CancelJob cancels the job and, once that is saved, every hold that was not
// yet released.
func (s *Service) CancelJob(ctx context.Context, a Actor, jobID string) (*models.Job, error) {
	return s.mutate(ctx, jobID, func(j *models.Job, e *effects) (bool, error) {
		if err := CancelJob(j, a, s.now()); err != nil {
			return false, err
		}
		intentID := j.PaymentIntentID
		e.after = func() error {
			s.cancelHold(ctx, intentID)
			occs, err := s.store.ListOccurrences(ctx, jobID)
			if err != nil {
				s.logger.Warn("list occurrences failed", "job_id", jobID, "error", err)
			}
			for _, o := range occs {
				if o.Status != models.OccurrenceCompleted {
					s.cancelHold(ctx, o.PaymentIntentID)
				}
			}
			reqs, err := s.store.ListExtraTime(ctx, jobID)
			if err != nil {
				s.logger.Warn("list extra time failed", "job_id", jobID, "error", err)
			}
			for i := range reqs {
				if reqs[i].Status == models.ExtraTimeAccepted && !reqs[i].Captured {
					s.cancelHold(ctx, reqs[i].PaymentIntentID)
				}
			}
			return nil
		}
		return true, nil
	})
}

// occurrenceOp loads job and occurrence under the job lock, applies fn and
// persists the occurrence (and the job when jobChanged). A failed after step
// puts both back.
func (s *Service) occurrenceOp(ctx context.Context, jobID, occID string, fn func(j *models.Job, o *models.Occurrence, occs []models.Occurrence, e *effects) (changed, jobChanged bool, err error)) (*models.Occurrence, error) {
	l := s.lock(jobID)
	defer s.unlock(l)
	j, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	occs, err := s.store.ListOccurrences(ctx, jobID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range occs {
		if occs[i].ID == occID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, errors.Wrapf(ErrNotFound, "occurrence %s of job %s", occID, jobID)
	}
	o := &occs[idx]
	prevJob, prevOcc := cloneJob(j), *o
	var e effects
	changed, jobChanged, err := fn(j, o, occs, &e)
	if err != nil {
		e.rollback()
		return o, err
	}
	if !changed {
		return o, nil
	}
	if err := s.store.UpdateOccurrence(ctx, o); err != nil {
		e.rollback()
		return nil, err
	}
	if jobChanged {
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.restore(ctx, nil, &prevOcc)
			e.rollback()
			return nil, err
		}
	}
	if e.after != nil {
		if err := e.after(); err != nil {
			if !jobChanged {
				prevJob = nil
			}
			s.restore(ctx, prevJob, &prevOcc)
			return nil, err
		}
	}
	s.occurrenceChanged(l, o)
	if jobChanged {
		s.jobChanged(l, j)
	}
	return o, nil
}

// requireLive rejects work on visits of a completed or cancelled job.
func requireLive(j *models.Job) error {
	if j.Status.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "job %s is %s", j.ID, j.Status)
	}
	return nil
}

// StartOccurrence starts a weekly visit; the first started visit moves the
// job into progress.
func (s *Service) StartOccurrence(ctx context.Context, a Actor, jobID, occID string) (*models.Occurrence, error) {
	return s.occurrenceOp(ctx, jobID, occID, func(j *models.Job, o *models.Occurrence, _ []models.Occurrence, _ *effects) (bool, bool, error) {
		if err := requireCleaner(j, a); err != nil {
			return false, false, err
		}
		if j.Status != models.JobAccepted && j.Status != models.JobInProgress {
			return false, false, errors.Wrapf(ErrInvalidTransition, "job %s is %s", j.ID, j.Status)
		}
		changed, err := StartOccurrence(o)
		if err != nil || !changed {
			return changed, false, err
		}
		jobMoved := false
		if j.Status == models.JobAccepted {
			if err := transition(j, models.JobInProgress, s.now()); err != nil {
				return false, false, err
			}
			jobMoved = true
		}
		return true, jobMoved, nil
	})
}

func (s *Service) SubmitOccurrence(ctx context.Context, a Actor, jobID, occID string, ev models.Evidence) (*models.Occurrence, error) {
	return s.occurrenceOp(ctx, jobID, occID, func(j *models.Job, o *models.Occurrence, _ []models.Occurrence, _ *effects) (bool, bool, error) {
		if err := requireCleaner(j, a); err != nil {
			return false, false, err
		}
		if err := requireLive(j); err != nil {
			return false, false, err
		}
		err := SubmitOccurrence(o, ev)
		return err == nil, false, err
	})
}

// ConfirmOccurrence completes a visit and releases its payment exactly once,
// after the visit is saved. The job completes with its last visit.
func (s *Service) ConfirmOccurrence(ctx context.Context, a Actor, jobID, occID string) (*models.Occurrence, error) {
	return s.occurrenceOp(ctx, jobID, occID, func(j *models.Job, o *models.Occurrence, occs []models.Occurrence, e *effects) (bool, bool, error) {
		if err := requireCustomer(j, a); err != nil {
			return false, false, err
		}
		if o.Status != models.OccurrenceCompleted {
			if err := requireLive(j); err != nil {
				return false, false, err
			}
		}
		changed, err := ConfirmOccurrence(o, s.now())
		if err != nil || !changed {
			return changed, false, err
		}
		intentID := o.PaymentIntentID
		e.after = func() error {
			if err := s.release(ctx, intentID); err != nil {
				return err
			}
			s.releaseExtraTime(ctx, jobID, occID)
			return nil
		}
		return true, CompleteIfAllDone(j, occs, s.now()), nil
	})
}

func (s *Service) RejectOccurrence(ctx context.Context, a Actor, jobID, occID string) (*models.Occurrence, error) {
	return s.occurrenceOp(ctx, jobID, occID, func(j *models.Job, o *models.Occurrence, _ []models.Occurrence, _ *effects) (bool, bool, error) {
		if err := requireCustomer(j, a); err != nil {
			return false, false, err
		}
		if err := requireLive(j); err != nil {
			return false, false, err
		}
		err := RejectOccurrence(o)
		return err == nil, false, err
	})
}

// RequestExtraTime records a pending request and offers it to the customer.
func (s *Service) RequestExtraTime(ctx context.Context, a Actor, jobID string, d ExtraTimeDraft) (*models.ExtraTimeRequest, error) {
	if err := s.guard.Check(d.Reason); err != nil {
		observability.PolicyViolations.Inc()
		return nil, err
	}
	l := s.lock(jobID)
	defer s.unlock(l)
	j, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d.OccurrenceID != "" {
		occs, err := s.store.ListOccurrences(ctx, jobID)
		if err != nil {
			return nil, err
		}
		found := false
		for _, o := range occs {
			found = found || o.ID == d.OccurrenceID
		}
		if !found {
			return nil, errors.Wrapf(ErrNotFound, "occurrence %s of job %s", d.OccurrenceID, jobID)
		}
	}
	req, err := NewExtraTimeRequest(j, a, s.newID(), d, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveExtraTime(ctx, &req); err != nil {
		return nil, err
	}
	s.logger.Info("extra time requested", "job_id", jobID, "request_id", req.ID, "minutes", req.ExtraMinutes)
	s.notify(l, channel.UserRoom(req.CustomerID), models.EventExtraTimeRequest, req)
	s.notify(l, channel.JobRoom(jobID), models.EventExtraTimeRequest, req)
	return &req, nil
}

// ResolveExtraTime answers a request. Answering a request that is no longer
// pending returns it unchanged. An accepted amount is held and released with
// the job or occurrence it belongs to.
func (s *Service) ResolveExtraTime(ctx context.Context, a Actor, reqID string, accept bool) (*models.ExtraTimeRequest, error) {
	req, err := s.store.GetExtraTime(ctx, reqID)
	if err != nil {
		return nil, notFound(err)
	}
	l := s.lock(req.JobID)
	defer s.unlock(l)
	req, err = s.store.GetExtraTime(ctx, reqID)
	if err != nil {
		return nil, notFound(err)
	}
	changed, err := ResolveExtraTime(req, a, accept, s.now())
	if err != nil || !changed {
		return req, err
	}
	if req.Status == models.ExtraTimeAccepted && req.ExtraAmount > 0 {
		id, err := s.hold(ctx, req.ExtraAmount, req.CustomerID, req.ID)
		if err != nil {
			return nil, err
		}
		req.PaymentIntentID = id
	}
	if err := s.store.SaveExtraTime(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info("extra time resolved", "job_id", req.JobID, "request_id", req.ID, "status", req.Status)
	s.notify(l, channel.UserRoom(req.CleanerID), models.EventExtraTimeRequest, req)
	s.notify(l, channel.JobRoom(req.JobID), models.EventExtraTimeRequest, req)
	return req, nil
}

// PendingExtraTime returns unanswered requests so they can be re-offered.
func (s *Service) PendingExtraTime(ctx context.Context, jobID string) ([]models.ExtraTimeRequest, error) {
	reqs, err := s.store.ListExtraTime(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return PendingOnly(reqs), nil
}

func (s *Service) hold(ctx context.Context, amount int64, customerID, reference string) (string, error) {
	if s.payments == nil || amount <= 0 {
		return "", nil
	}
	id, err := s.payments.Hold(ctx, amount, customerID, reference)
	if err != nil {
		return "", errors.WithHint(errors.Wrapf(err, "hold payment for %s", reference), "retry once the payment processor is reachable")
	}
	return id, nil
}

func (s *Service) release(ctx context.Context, intentID string) error {
	if s.payments == nil || intentID == "" {
		return nil
	}
	if err := s.payments.Capture(ctx, intentID); err != nil {
		observability.PaymentReleases.WithLabelValues("failed").Inc()
		return errors.Wrapf(err, "release payment %s", intentID)
	}
	observability.PaymentReleases.WithLabelValues("released").Inc()
	return nil
}

// releaseExtraTime captures accepted extra time attached to the job (occID
// empty) or to one occurrence. Failures are logged and left for a retry.
func (s *Service) releaseExtraTime(ctx context.Context, jobID, occID string) {
	reqs, err := s.store.ListExtraTime(ctx, jobID)
	if err != nil {
		s.logger.Warn("list extra time failed", "job_id", jobID, "error", err)
		return
	}
	for i := range reqs {
		r := &reqs[i]
		if r.OccurrenceID != occID || r.Status != models.ExtraTimeAccepted || r.Captured || r.PaymentIntentID == "" {
			continue
		}
		if err := s.release(ctx, r.PaymentIntentID); err != nil {
			s.logger.Warn("extra time release failed", "request_id", r.ID, "error", err)
			continue
		}
		r.Captured = true
		if err := s.store.SaveExtraTime(ctx, r); err != nil {
			s.logger.Warn("save extra time failed", "request_id", r.ID, "error", err)
		}
	}
}

func (s *Service) cancelHold(ctx context.Context, intentID string) {
	if s.payments == nil || intentID == "" {
		return
	}
	if err := s.payments.Cancel(ctx, intentID); err != nil {
		observability.PaymentReleases.WithLabelValues("cancel_failed").Inc()
		s.logger.Warn("cancel payment hold failed", "intent_id", intentID, "error", err)
		return
	}
	observability.PaymentReleases.WithLabelValues("cancelled").Inc()
}
