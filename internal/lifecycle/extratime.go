package lifecycle

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

// ExtraTimeDraft is what a cleaner asks for while a job is running.
type ExtraTimeDraft struct {
	OccurrenceID string `json:"occurrence_id,omitempty"`
	ExtraMinutes int    `json:"extra_minutes"`
	ExtraAmount  int64  `json:"extra_amount"`
	Reason       string `json:"reason"`
}

// NewExtraTimeRequest validates d against the job and returns a pending
// request.
func NewExtraTimeRequest(j *models.Job, a Actor, id string, d ExtraTimeDraft, now time.Time) (models.ExtraTimeRequest, error) {
	if err := requireCleaner(j, a); err != nil {
		return models.ExtraTimeRequest{}, err
	}
	if j.Status != models.JobInProgress {
		return models.ExtraTimeRequest{}, errors.Wrapf(ErrInvalidTransition, "job %s is %s", j.ID, j.Status)
	}
	if d.ExtraMinutes <= 0 || d.ExtraAmount < 0 {
		return models.ExtraTimeRequest{}, errors.Wrap(ErrInvalidInput, "extra minutes must be positive")
	}
	return models.ExtraTimeRequest{
		ID:           id,
		JobID:        j.ID,
		OccurrenceID: d.OccurrenceID,
		CleanerID:    a.ID,
		CustomerID:   j.CustomerID,
		ExtraMinutes: d.ExtraMinutes,
		ExtraAmount:  d.ExtraAmount,
		Reason:       d.Reason,
		Status:       models.ExtraTimePending,
		CreatedAt:    now,
	}, nil
}

// ResolveExtraTime accepts or rejects a pending request. Resolving a request
// that is no longer pending leaves it untouched and reports false.
func ResolveExtraTime(r *models.ExtraTimeRequest, a Actor, accept bool, now time.Time) (bool, error) {
	if a.Role != RoleCustomer || a.ID != r.CustomerID {
		return false, errors.Wrapf(ErrForbidden, "%s %s on extra time request %s", a.Role, a.ID, r.ID)
	}
	if r.Status != models.ExtraTimePending {
		return false, nil
	}
	r.Status = models.ExtraTimeRejected
	if accept {
		r.Status = models.ExtraTimeAccepted
	}
	t := now
	r.ResolvedAt = &t
	return true, nil
}

// PendingOnly filters requests still awaiting an answer.
func PendingOnly(reqs []models.ExtraTimeRequest) []models.ExtraTimeRequest {
	var out []models.ExtraTimeRequest
	for _, r := range reqs {
		if r.Status == models.ExtraTimePending {
			out = append(out, r)
		}
	}
	return out
}
