// Package lifecycle holds the job and occurrence state machines and the
// service that persists transitions, releases payments and notifies rooms.
package lifecycle

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("actor not permitted")
	ErrEvidenceRequired  = errors.New("before and after photos required")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleCleaner  Role = "cleaner"
)

// Actor is the party performing an operation.
type Actor struct {
	ID   string
	Role Role
}

var jobTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobPosted:              {models.JobQuoted, models.JobCancelled},
	models.JobQuoted:              {models.JobQuoted, models.JobAccepted, models.JobCancelled},
	models.JobAccepted:            {models.JobInProgress, models.JobCancelled},
	models.JobInProgress:          {models.JobPendingConfirmation, models.JobCompleted, models.JobCancelled},
	models.JobPendingConfirmation: {models.JobCompleted, models.JobCancelled},
}

// CanTransition reports whether from -> to appears in the job table. The
// in_progress -> completed edge is reserved for weekly jobs.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(j *models.Job, to models.JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, to)
	}
	if to == models.JobCompleted && j.Status == models.JobInProgress && j.Frequency != models.Weekly {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, to),
			"one-time jobs complete through customer confirmation")
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

func requireCustomer(j *models.Job, a Actor) error {
	if a.Role != RoleCustomer || a.ID != j.CustomerID {
		return errors.Wrapf(ErrForbidden, "%s %s on job %s", a.Role, a.ID, j.ID)
	}
	return nil
}

func requireCleaner(j *models.Job, a Actor) error {
	if a.Role != RoleCleaner || j.CleanerID == "" || a.ID != j.CleanerID {
		return errors.Wrapf(ErrForbidden, "%s %s on job %s", a.Role, a.ID, j.ID)
	}
	return nil
}

// SubmitQuote adds a pending quote from a cleaner.
func SubmitQuote(j *models.Job, a Actor, q models.Quote, now time.Time) error {
	if a.Role != RoleCleaner {
		return errors.Wrapf(ErrForbidden, "%s cannot quote", a.Role)
	}
	if q.Amount <= 0 {
		return errors.Wrap(ErrInvalidInput, "quote amount must be positive")
	}
	for _, existing := range j.Quotes {
		if existing.CleanerID == a.ID && existing.Status == models.QuotePending {
			return errors.WithHint(errors.Wrapf(ErrInvalidTransition, "cleaner %s already quoted", a.ID),
				"withdraw the existing quote first")
		}
	}
	if err := transition(j, models.JobQuoted, now); err != nil {
		return err
	}
	q.CleanerID = a.ID
	q.Status = models.QuotePending
	q.CreatedAt = now
	j.Quotes = append(j.Quotes, q)
	return nil
}

// AcceptQuote accepts quoteID and rejects every other quote, keeping at most
// one accepted quote per job.
func AcceptQuote(j *models.Job, a Actor, quoteID string, now time.Time) (models.Quote, error) {
	if err := requireCustomer(j, a); err != nil {
		return models.Quote{}, err
	}
	idx := -1
	for i := range j.Quotes {
		if j.Quotes[i].ID == quoteID {
			idx = i
		}
	}
	if idx < 0 {
		return models.Quote{}, errors.Wrapf(ErrNotFound, "quote %s", quoteID)
	}
	if j.Quotes[idx].Status != models.QuotePending {
		return models.Quote{}, errors.Wrapf(ErrInvalidTransition, "quote %s is %s", quoteID, j.Quotes[idx].Status)
	}
	if err := transition(j, models.JobAccepted, now); err != nil {
		return models.Quote{}, err
	}
	for i := range j.Quotes {
		if i == idx {
			j.Quotes[i].Status = models.QuoteAccepted
		} else if j.Quotes[i].Status == models.QuotePending {
			j.Quotes[i].Status = models.QuoteRejected
		}
	}
	j.AcceptedQuoteID = quoteID
	j.CleanerID = j.Quotes[idx].CleanerID
	return j.Quotes[idx], nil
}

// StartJob moves an accepted job to in_progress. Starting a job that is
// already in progress is a no-op.
func StartJob(j *models.Job, a Actor, now time.Time) (bool, error) {
	if err := requireCleaner(j, a); err != nil {
		return false, err
	}
	if j.Status == models.JobInProgress {
		return false, nil
	}
	return true, transition(j, models.JobInProgress, now)
}

// SubmitEvidence hands a one-time job over for customer confirmation.
func SubmitEvidence(j *models.Job, a Actor, ev models.Evidence, now time.Time) error {
	if err := requireCleaner(j, a); err != nil {
		return err
	}
	if j.Frequency == models.Weekly {
		return errors.WithHint(errors.Wrapf(ErrInvalidTransition, "job %s is weekly", j.ID),
			"submit evidence per occurrence")
	}
	if !ev.Complete() {
		return errors.Wrapf(ErrEvidenceRequired, "job %s", j.ID)
	}
	if err := transition(j, models.JobPendingConfirmation, now); err != nil {
		return err
	}
	j.Evidence = ev
	return nil
}

// ConfirmJob completes a one-time job. It reports false when the job was
// already completed so the caller releases payment exactly once.
func ConfirmJob(j *models.Job, a Actor, now time.Time) (bool, error) {
	if err := requireCustomer(j, a); err != nil {
		return false, err
	}
	if j.Status == models.JobCompleted {
		return false, nil
	}
	if j.Status != models.JobPendingConfirmation {
		return false, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, models.JobCompleted)
	}
	return true, transition(j, models.JobCompleted, now)
}

// CancelJob cancels a non-terminal job. Either assigned party may cancel.
func CancelJob(j *models.Job, a Actor, now time.Time) error {
	if requireCustomer(j, a) != nil && requireCleaner(j, a) != nil {
		return errors.Wrapf(ErrForbidden, "%s %s on job %s", a.Role, a.ID, j.ID)
	}
	return transition(j, models.JobCancelled, now)
}

// CompleteIfAllDone completes an in-progress weekly job whose occurrences are
// all completed.
func CompleteIfAllDone(j *models.Job, occs []models.Occurrence, now time.Time) bool {
	if j.Frequency != models.Weekly || j.Status != models.JobInProgress || len(occs) == 0 {
		return false
	}
	for _, o := range occs {
		if o.Status != models.OccurrenceCompleted {
			return false
		}
	}
	return transition(j, models.JobCompleted, now) == nil
}
