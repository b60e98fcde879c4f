package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/payments"
	"github.com/example/cleaner-tracking/internal/storage"
)

type published struct {
	room, event string
	payload     interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Publish(room, event string, payload interface{}) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{room, event, payload})
	return 1
}

func (n *recordingNotifier) count(room, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.room == room && e.event == event {
			c++
		}
	}
	return c
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	ledger   *payments.Ledger
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), ledger: payments.NewLedger(), notifier: &recordingNotifier{}}
	h.svc = h.service(h.store, h.ledger)
	return h
}

// service builds a Service with a fixed clock and sequential ids. Later
// options override the harness defaults.
func (h *harness) service(store storage.JobStore, pay PaymentReleaser, opts ...Option) *Service {
	var mu sync.Mutex
	seq := 0
	base := []Option{
		WithPayments(pay),
		WithNotifier(h.notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return t0 }),
		WithIDs(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id%d", seq)
		}),
	}
	return NewService(store, append(base, opts...)...)
}

// quoted creates a job of freq carrying cleanerA's quote of amount.
func (h *harness) quoted(t *testing.T, freq models.Frequency, amount int64) *models.Job {
	t.Helper()
	ctx := context.Background()
	d := JobDraft{Frequency: freq, ScheduledDate: t0, Location: models.Location{Address: "1 George St", Coord: &models.Coord{Lat: -33.8, Lng: 151.2}}}
	if freq == models.Weekly {
		d.Recurrence = &models.Recurrence{RepeatWeeks: 2, PreferredDays: map[time.Weekday]bool{time.Monday: true, time.Saturday: true}}
	}
	j, err := h.svc.CreateJob(ctx, customer, d)
	require.NoError(t, err)
	j, err = h.svc.SubmitQuote(ctx, cleanerA, j.ID, amount, "happy to help")
	require.NoError(t, err)
	return j
}

// booked is quoted followed by the customer accepting the quote.
func (h *harness) booked(t *testing.T, freq models.Frequency, amount int64) *models.Job {
	t.Helper()
	j := h.quoted(t, freq, amount)
	j, err := h.svc.AcceptQuote(context.Background(), customer, j.ID, j.Quotes[0].ID)
	require.NoError(t, err)
	return j
}

var evidence = models.Evidence{BeforePhotos: []string{"before.jpg"}, AfterPhotos: []string{"after.jpg"}}

func TestServiceCreateJobValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateJob(ctx, cleanerA, JobDraft{Frequency: models.OneTime, ScheduledDate: t0})
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = h.svc.CreateJob(ctx, customer, JobDraft{Frequency: "daily", ScheduledDate: t0})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = h.svc.CreateJob(ctx, customer, JobDraft{Frequency: models.Weekly, ScheduledDate: t0})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = h.svc.Snapshot(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestServiceOneTimeHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.OneTime, 12000)
	require.NotEmpty(t, j.PaymentIntentID)
	assert.Equal(t, 1, h.ledger.Count(payments.IntentHeld))

	_, err := h.svc.StartJob(ctx, cleanerA, j.ID)
	require.NoError(t, err)
	_, err = h.svc.CompleteJob(ctx, cleanerA, j.ID, evidence)
	require.NoError(t, err)
	j, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, j.Status)

	in, ok := h.ledger.Get(j.PaymentIntentID)
	require.True(t, ok)
	assert.Equal(t, payments.IntentCaptured, in.State)
	assert.Equal(t, int64(12000), in.Amount)

	// accepted, in_progress, pending_confirmation, completed and the quote
	assert.Equal(t, 5, h.notifier.count(channel.JobRoom(j.ID), models.EventJobStatus))
}

func TestServiceConcurrentConfirmationReleasesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.OneTime, 8000)
	_, err := h.svc.StartJob(ctx, cleanerA, j.ID)
	require.NoError(t, err)
	_, err = h.svc.CompleteJob(ctx, cleanerA, j.ID, evidence)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ConfirmJob(ctx, customer, j.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.ledger.Count(payments.IntentCaptured))
}

func TestServiceWeeklyOccurrencesReleasePerVisit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.Weekly, 5000)

	snap, err := h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, snap.Occurrences, 4)
	assert.Equal(t, 4, h.ledger.Count(payments.IntentHeld))

	for i, o := range snap.Occurrences {
		_, err := h.svc.StartOccurrence(ctx, cleanerA, j.ID, o.ID)
		require.NoError(t, err)
		if i == 0 {
			got, err := h.svc.Snapshot(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobInProgress, got.Job.Status)
		}
		_, err = h.svc.SubmitOccurrence(ctx, cleanerA, j.ID, o.ID, evidence)
		require.NoError(t, err)

		_, err = h.svc.ConfirmOccurrence(ctx, cleanerA, j.ID, o.ID)
		assert.True(t, errors.Is(err, ErrForbidden))

		done, err := h.svc.ConfirmOccurrence(ctx, customer, j.ID, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OccurrenceCompleted, done.Status)

		again, err := h.svc.ConfirmOccurrence(ctx, customer, j.ID, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OccurrenceCompleted, again.Status)
		assert.Equal(t, i+1, h.ledger.Count(payments.IntentCaptured))
	}

	snap, err = h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.Job.Status)
	assert.Equal(t, 12, h.notifier.count(channel.JobRoom(j.ID), models.EventOccurrenceStatus))
}

func TestServiceRejectedOccurrenceGoesBackToCleaner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.Weekly, 5000)
	snap, err := h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	occ := snap.Occurrences[0].ID

	_, err = h.svc.StartOccurrence(ctx, cleanerA, j.ID, occ)
	require.NoError(t, err)
	_, err = h.svc.SubmitOccurrence(ctx, cleanerA, j.ID, occ, evidence)
	require.NoError(t, err)
	o, err := h.svc.RejectOccurrence(ctx, customer, j.ID, occ)
	require.NoError(t, err)
	assert.Equal(t, models.OccurrenceInProgress, o.Status)
	assert.Zero(t, h.ledger.Count(payments.IntentCaptured))

	_, err = h.svc.ConfirmOccurrence(ctx, customer, j.ID, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestServiceExtraTimeNegotiation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.OneTime, 10000)

	_, err := h.svc.RequestExtraTime(ctx, cleanerA, j.ID, ExtraTimeDraft{ExtraMinutes: 30, ExtraAmount: 2500})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "job not started yet")

	_, err = h.svc.StartJob(ctx, cleanerA, j.ID)
	require.NoError(t, err)

	_, err = h.svc.RequestExtraTime(ctx, cleanerA, j.ID, ExtraTimeDraft{ExtraMinutes: 30, Reason: "text me on 0412 345 678"})
	assert.True(t, errors.Is(err, channel.ErrPolicyViolation))

	req, err := h.svc.RequestExtraTime(ctx, cleanerA, j.ID, ExtraTimeDraft{ExtraMinutes: 30, ExtraAmount: 2500, Reason: "oven is worse than expected"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.notifier.count(channel.UserRoom("cust"), models.EventExtraTimeRequest))

	pending, err := h.svc.PendingExtraTime(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := h.svc.ResolveExtraTime(ctx, customer, req.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ExtraTimeAccepted, resolved.Status)
	require.NotEmpty(t, resolved.PaymentIntentID)

	again, err := h.svc.ResolveExtraTime(ctx, customer, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ExtraTimeAccepted, again.Status)

	pending, err = h.svc.PendingExtraTime(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.svc.CompleteJob(ctx, cleanerA, j.ID, evidence)
	require.NoError(t, err)
	_, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, h.ledger.Count(payments.IntentCaptured))

	stored, err := h.store.GetExtraTime(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, stored.Captured)
}

func TestServiceCancelReleasesHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.Weekly, 5000)

	_, err := h.svc.CancelJob(ctx, cleanerB, j.ID)
	assert.True(t, errors.Is(err, ErrForbidden))

	j, err = h.svc.CancelJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, j.Status)
	assert.Equal(t, 4, h.ledger.Count(payments.IntentCancelled))
	assert.Zero(t, h.ledger.Count(payments.IntentHeld))
}

func TestServiceClosedJobRejectsVisitWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.booked(t, models.Weekly, 5000)
	snap, err := h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	submitted, started := snap.Occurrences[0].ID, snap.Occurrences[1].ID

	_, err = h.svc.StartOccurrence(ctx, cleanerA, j.ID, submitted)
	require.NoError(t, err)
	_, err = h.svc.SubmitOccurrence(ctx, cleanerA, j.ID, submitted, evidence)
	require.NoError(t, err)
	_, err = h.svc.StartOccurrence(ctx, cleanerA, j.ID, started)
	require.NoError(t, err)

	_, err = h.svc.CancelJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, h.ledger.Count(payments.IntentCancelled))

	_, err = h.svc.SubmitOccurrence(ctx, cleanerA, j.ID, started, evidence)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "submit: %v", err)
	_, err = h.svc.RejectOccurrence(ctx, customer, j.ID, submitted)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "reject: %v", err)
	_, err = h.svc.ConfirmOccurrence(ctx, customer, j.ID, submitted)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "confirm: %v", err)
	_, err = h.svc.StartOccurrence(ctx, cleanerA, j.ID, snap.Occurrences[2].ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "start: %v", err)

	assert.Zero(t, h.ledger.Count(payments.IntentCaptured))
	snap, err = h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OccurrencePendingCustomerConfirmation, snap.Occurrences[0].Status)
	assert.Equal(t, models.OccurrenceInProgress, snap.Occurrences[1].Status)
}

// flakyStore fails job writes while failing is set.
type flakyStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyStore) UpdateJob(ctx context.Context, j *models.Job) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.UpdateJob(ctx, j)
}

// flakyPayments fails captures while failing is set.
type flakyPayments struct {
	*payments.Ledger
	mu      sync.Mutex
	failing bool
}

func (p *flakyPayments) setFailing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = v
}

func (p *flakyPayments) Capture(ctx context.Context, intentID string) error {
	p.mu.Lock()
	failing := p.failing
	p.mu.Unlock()
	if failing {
		return errors.New("processor unavailable")
	}
	return p.Ledger.Capture(ctx, intentID)
}

func TestServiceAcceptUndoesHoldsWhenJobCannotBeSaved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &flakyStore{MemoryStore: h.store}
	h.svc = h.service(store, h.ledger)
	j := h.quoted(t, models.Weekly, 5000)
	room := channel.JobRoom(j.ID)
	events := h.notifier.count(room, models.EventJobStatus)

	store.setFailing(true)
	_, err := h.svc.AcceptQuote(ctx, customer, j.ID, j.Quotes[0].ID)
	require.Error(t, err)
	assert.Equal(t, 4, h.ledger.Count(payments.IntentCancelled))
	assert.Zero(t, h.ledger.Count(payments.IntentHeld))
	assert.Equal(t, events, h.notifier.count(room, models.EventJobStatus))

	snap, err := h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQuoted, snap.Job.Status)
	assert.Empty(t, snap.Occurrences)

	store.setFailing(false)
	j, err = h.svc.AcceptQuote(ctx, customer, j.ID, j.Quotes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAccepted, j.Status)
	assert.Equal(t, 4, h.ledger.Count(payments.IntentHeld))
}

func TestServiceOneTimeAcceptUndoesHoldWhenJobCannotBeSaved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &flakyStore{MemoryStore: h.store}
	h.svc = h.service(store, h.ledger)
	j := h.quoted(t, models.OneTime, 9000)

	store.setFailing(true)
	_, err := h.svc.AcceptQuote(ctx, customer, j.ID, j.Quotes[0].ID)
	require.Error(t, err)
	assert.Equal(t, 1, h.ledger.Count(payments.IntentCancelled))
	assert.Zero(t, h.ledger.Count(payments.IntentHeld))
}

func TestServiceConfirmCapturesOnlyAfterSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &flakyStore{MemoryStore: h.store}
	h.svc = h.service(store, h.ledger)
	j := h.booked(t, models.OneTime, 8000)
	_, err := h.svc.StartJob(ctx, cleanerA, j.ID)
	require.NoError(t, err)
	_, err = h.svc.CompleteJob(ctx, cleanerA, j.ID, evidence)
	require.NoError(t, err)

	store.setFailing(true)
	_, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.Error(t, err)
	assert.Zero(t, h.ledger.Count(payments.IntentCaptured))
	assert.Equal(t, 1, h.ledger.Count(payments.IntentHeld))

	store.setFailing(false)
	j, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, j.Status)
	_, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.Count(payments.IntentCaptured))
}

func TestServiceFailedCaptureKeepsJobAwaitingConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pay := &flakyPayments{Ledger: h.ledger}
	h.svc = h.service(h.store, pay)
	j := h.booked(t, models.OneTime, 8000)
	_, err := h.svc.StartJob(ctx, cleanerA, j.ID)
	require.NoError(t, err)
	_, err = h.svc.CompleteJob(ctx, cleanerA, j.ID, evidence)
	require.NoError(t, err)
	room := channel.JobRoom(j.ID)
	events := h.notifier.count(room, models.EventJobStatus)

	pay.setFailing(true)
	_, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.Error(t, err)
	stored, err := h.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPendingConfirmation, stored.Status)
	assert.Equal(t, events, h.notifier.count(room, models.EventJobStatus))

	pay.setFailing(false)
	j, err = h.svc.ConfirmJob(ctx, customer, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, j.Status)
	assert.Equal(t, 1, h.ledger.Count(payments.IntentCaptured))
}

func TestServiceFailedVisitCaptureKeepsVisitAwaitingConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pay := &flakyPayments{Ledger: h.ledger}
	h.svc = h.service(h.store, pay)
	j := h.booked(t, models.Weekly, 5000)
	snap, err := h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	occ := snap.Occurrences[0].ID
	_, err = h.svc.StartOccurrence(ctx, cleanerA, j.ID, occ)
	require.NoError(t, err)
	_, err = h.svc.SubmitOccurrence(ctx, cleanerA, j.ID, occ, evidence)
	require.NoError(t, err)

	pay.setFailing(true)
	_, err = h.svc.ConfirmOccurrence(ctx, customer, j.ID, occ)
	require.Error(t, err)
	snap, err = h.svc.Snapshot(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OccurrencePendingCustomerConfirmation, snap.Occurrences[0].Status)
	assert.Nil(t, snap.Occurrences[0].ConfirmedAt)

	pay.setFailing(false)
	o, err := h.svc.ConfirmOccurrence(ctx, customer, j.ID, occ)
	require.NoError(t, err)
	assert.Equal(t, models.OccurrenceCompleted, o.Status)
	assert.Equal(t, 1, h.ledger.Count(payments.IntentCaptured))
}

// blockingNotifier holds its first Publish until release is closed.
type blockingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) Publish(room, event string, payload interface{}) int {
	first := false
	n.once.Do(func() { first = true })
	if first {
		close(n.entered)
		<-n.release
	}
	return 1
}

func TestServicePublishesAfterReleasingJobLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.quoted(t, models.OneTime, 8000)
	n := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	svc := h.service(h.store, h.ledger, WithNotifier(n))

	accepted := make(chan error, 1)
	go func() {
		_, err := svc.AcceptQuote(ctx, customer, j.ID, j.Quotes[0].ID)
		accepted <- err
	}()
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never published")
	}

	started := make(chan error, 1)
	go func() {
		_, err := svc.StartJob(ctx, cleanerA, j.ID)
		started <- err
	}()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(n.release)
		t.Fatal("start waited on a slow publish")
	}

	close(n.release)
	require.NoError(t, <-accepted)
	stored, err := h.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobInProgress, stored.Status)
}
