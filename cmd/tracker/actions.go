package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/models"
)

// actionClient is the part of backend.Client that posts lifecycle actions.
type actionClient interface {
	StartJob(ctx context.Context, jobID string) (models.Job, error)
	ConfirmJob(ctx context.Context, jobID string) (models.Job, error)
	StartOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error)
	ConfirmOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error)
	RejectOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error)
	ResolveExtraTime(ctx context.Context, reqID string, accept bool) (models.ExtraTimeRequest, error)
}

// actionRequest is one action given on the command line. OccurrenceID
// targets a weekly visit instead of the whole job.
type actionRequest struct {
	Action       lifecycle.Action
	JobID        string
	OccurrenceID string
	RequestID    string
	Accept       bool
}

var errUnsupportedAction = errors.New("unsupported action")

// perform posts the action and returns a one-line summary of the result.
func perform(ctx context.Context, api actionClient, req actionRequest) (string, error) {
	switch req.Action {
	case lifecycle.ActionStartJob:
		if req.OccurrenceID != "" {
			o, err := api.StartOccurrence(ctx, req.JobID, req.OccurrenceID)
			return occurrenceLine(o), err
		}
		j, err := api.StartJob(ctx, req.JobID)
		return jobLine(j), err
	case lifecycle.ActionConfirm:
		if req.OccurrenceID != "" {
			o, err := api.ConfirmOccurrence(ctx, req.JobID, req.OccurrenceID)
			return occurrenceLine(o), err
		}
		j, err := api.ConfirmJob(ctx, req.JobID)
		return jobLine(j), err
	case lifecycle.ActionReject:
		if req.OccurrenceID == "" {
			return "", errors.Wrap(errUnsupportedAction, "reject needs -occurrence")
		}
		o, err := api.RejectOccurrence(ctx, req.JobID, req.OccurrenceID)
		return occurrenceLine(o), err
	case lifecycle.ActionRespondExtraTime:
		if req.RequestID == "" {
			return "", errors.Wrap(errUnsupportedAction, "respond_extra_time needs -request")
		}
		r, err := api.ResolveExtraTime(ctx, req.RequestID, req.Accept)
		return fmt.Sprintf("extra time %s: %s", r.ID, r.Status), err
	}
	return "", errors.Wrapf(errUnsupportedAction, "%q", req.Action)
}

func jobLine(j models.Job) string { return fmt.Sprintf("job %s: %s", j.ID, j.Status) }

func occurrenceLine(o models.Occurrence) string {
	return fmt.Sprintf("occurrence %s of job %s: %s", o.ID, o.JobID, o.Status)
}
