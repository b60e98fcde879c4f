package lifecycle

import (
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/proximity"
)

type Action string

const (
	ActionSubmitQuote      Action = "submit_quote"
	ActionAcceptQuote      Action = "accept_quote"
	ActionOnMyWay          Action = "on_my_way"
	ActionStartJob         Action = "start_job"
	ActionSubmitEvidence   Action = "submit_evidence"
	ActionRequestExtraTime Action = "request_extra_time"
	ActionConfirm          Action = "confirm"
	ActionReject           Action = "reject"
	ActionRespondExtraTime Action = "respond_extra_time"
	ActionCancel           Action = "cancel"
)

// AvailableActions lists what role may do on the job right now. Start is a
// soft guard: a cleaner who is not near (or not yet tracked) is offered
// on_my_way instead.
func AvailableActions(j models.Job, occs []models.Occurrence, pendingExtra int, role Role, prox proximity.State) []Action {
	if j.Status.Terminal() {
		return nil
	}
	var out []Action
	switch role {
	case RoleCleaner:
		out = cleanerActions(j, occs, prox)
	case RoleCustomer:
		out = customerActions(j, occs, pendingExtra)
	default:
		return nil
	}
	return append(out, ActionCancel)
}

func startOrOnMyWay(prox proximity.State) Action {
	if prox.Tracked && prox.Near {
		return ActionStartJob
	}
	return ActionOnMyWay
}

func cleanerActions(j models.Job, occs []models.Occurrence, prox proximity.State) []Action {
	switch j.Status {
	case models.JobPosted, models.JobQuoted:
		return []Action{ActionSubmitQuote}
	}
	if j.Frequency == models.Weekly {
		for _, o := range occs {
			if o.Status == models.OccurrenceInProgress {
				return []Action{ActionSubmitEvidence, ActionRequestExtraTime}
			}
		}
		for _, o := range occs {
			if o.Status == models.OccurrencePending {
				return []Action{startOrOnMyWay(prox)}
			}
		}
		return nil
	}
	switch j.Status {
	case models.JobAccepted:
		return []Action{startOrOnMyWay(prox)}
	case models.JobInProgress:
		return []Action{ActionSubmitEvidence, ActionRequestExtraTime}
	}
	return nil
}

func customerActions(j models.Job, occs []models.Occurrence, pendingExtra int) []Action {
	var out []Action
	switch j.Status {
	case models.JobQuoted:
		out = append(out, ActionAcceptQuote)
	case models.JobPendingConfirmation:
		out = append(out, ActionConfirm)
	}
	for _, o := range occs {
		if o.Status == models.OccurrencePendingCustomerConfirmation {
			out = append(out, ActionConfirm, ActionReject)
			break
		}
	}
	if pendingExtra > 0 {
		out = append(out, ActionRespondExtraTime)
	}
	return out
}

// Reconcile resolves local job state against a fresh snapshot. The snapshot
// always wins; conflict reports whether local disagreed with it.
func Reconcile(local *models.Job, snapshot models.Job) (models.Job, bool) {
	if local == nil {
		return snapshot, false
	}
	conflict := local.ID == snapshot.ID && local.Status != snapshot.Status
	return snapshot, conflict
}
