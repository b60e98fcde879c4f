package lifecycle

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

// GenerateOccurrences expands a weekly job into RepeatWeeks x |PreferredDays|
// visits. Week N covers the seven days starting N-1 weeks after the scheduled
// date, so no visit falls before it. Visits keep the scheduled time of day and
// are ordered by date.
func GenerateOccurrences(j models.Job, amountPerVisit int64) ([]models.Occurrence, error) {
	if j.Frequency != models.Weekly {
		return nil, errors.Wrapf(ErrInvalidInput, "job %s is %s", j.ID, j.Frequency)
	}
	r := j.Recurrence
	if r == nil || r.RepeatWeeks <= 0 {
		return nil, errors.Wrap(ErrInvalidInput, "weekly job needs repeat_weeks > 0")
	}
	first := j.ScheduledDate.Weekday()
	var days []time.Weekday
	for i := 0; i < 7; i++ {
		if d := (first + time.Weekday(i)) % 7; r.PreferredDays[d] {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "weekly job needs at least one preferred day")
	}

	out := make([]models.Occurrence, 0, r.RepeatWeeks*len(days))
	for w := 0; w < r.RepeatWeeks; w++ {
		for _, d := range days {
			offset := (int(d) - int(first) + 7) % 7
			out = append(out, models.Occurrence{
				ID:            fmt.Sprintf("%s-w%d-%s", j.ID, w+1, shortDay(d)),
				JobID:         j.ID,
				Label:         fmt.Sprintf("%s – Week %d", d, w+1),
				Week:          w + 1,
				Day:           d,
				ScheduledDate: j.ScheduledDate.AddDate(0, 0, w*7+offset),
				Status:        models.OccurrencePending,
				Amount:        amountPerVisit,
			})
		}
	}
	return out, nil
}

func shortDay(d time.Weekday) string { return d.String()[:3] }

func occurrenceErr(o *models.Occurrence, to models.OccurrenceStatus) error {
	return errors.Wrapf(ErrInvalidTransition, "occurrence %s: %s -> %s", o.ID, o.Status, to)
}

// StartOccurrence moves a pending visit to in_progress. Restarting an
// in-progress visit is a no-op.
func StartOccurrence(o *models.Occurrence) (bool, error) {
	switch o.Status {
	case models.OccurrenceInProgress:
		return false, nil
	case models.OccurrencePending:
		o.Status = models.OccurrenceInProgress
		return true, nil
	}
	return false, occurrenceErr(o, models.OccurrenceInProgress)
}

// SubmitOccurrence hands a visit to the customer with its photo evidence.
func SubmitOccurrence(o *models.Occurrence, ev models.Evidence) error {
	if o.Status != models.OccurrenceInProgress {
		return occurrenceErr(o, models.OccurrencePendingCustomerConfirmation)
	}
	if !ev.Complete() {
		return errors.Wrapf(ErrEvidenceRequired, "occurrence %s", o.ID)
	}
	o.Evidence = ev
	o.Status = models.OccurrencePendingCustomerConfirmation
	return nil
}

// ConfirmOccurrence completes a visit awaiting confirmation. A second
// confirmation of a completed visit reports false and no error.
func ConfirmOccurrence(o *models.Occurrence, now time.Time) (bool, error) {
	switch o.Status {
	case models.OccurrenceCompleted:
		return false, nil
	case models.OccurrencePendingCustomerConfirmation:
		o.Status = models.OccurrenceCompleted
		t := now
		o.ConfirmedAt = &t
		return true, nil
	}
	return false, occurrenceErr(o, models.OccurrenceCompleted)
}

// RejectOccurrence sends a visit back to the cleaner for rework.
func RejectOccurrence(o *models.Occurrence) error {
	if o.Status != models.OccurrencePendingCustomerConfirmation {
		return occurrenceErr(o, models.OccurrenceInProgress)
	}
	o.Status = models.OccurrenceInProgress
	return nil
}
