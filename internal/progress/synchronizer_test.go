package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cleaner-tracking/internal/backend"
	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/models"
)

type pipeConn struct {
	in     chan models.Frame
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []models.Frame
}

func (c *pipeConn) ReadJSON(v interface{}) error {
	select {
	case f := <-c.in:
		b, _ := json.Marshal(f)
		return json.Unmarshal(b, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f models.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, f)
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) push(event string, v interface{}) {
	b, _ := json.Marshal(v)
	c.in <- models.Frame{Event: event, Data: b}
}

// sent returns "event:payload" for every frame written.
func (c *pipeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.out {
		out = append(out, f.Event+":"+string(f.Data))
	}
	return out
}

type pipeDialer struct{ conn *pipeConn }

func (d *pipeDialer) Dial(ctx context.Context, cred channel.Credential) (channel.Conn, error) {
	d.conn = &pipeConn{in: make(chan models.Frame, 32), closed: make(chan struct{})}
	d.conn.in <- models.Frame{Event: models.EventConnect, Data: json.RawMessage(`{"sid":"s1"}`)}
	return d.conn, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, ctx context.Context, jobID string) (models.Snapshot, error)
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, jobID string) (models.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, ctx, jobID)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticFetcher(snaps map[string]models.Snapshot) *fakeFetcher {
	return &fakeFetcher{fn: func(_ int, _ context.Context, jobID string) (models.Snapshot, error) {
		s, ok := snaps[jobID]
		if !ok {
			return models.Snapshot{}, errors.New("404")
		}
		return s, nil
	}}
}

var jobCoord = models.Coord{Lat: -33.8000, Lng: 151.2000}

func snapshot(id string, status models.JobStatus) models.Snapshot {
	return models.Snapshot{Job: models.Job{
		ID: id, Status: status, Frequency: models.OneTime, CustomerID: "cust", CleanerID: "clean",
		Location: models.Location{Address: "1 George St", Coord: &models.Coord{Lat: jobCoord.Lat, Lng: jobCoord.Lng}},
	}}
}

var trackedEvents = []string{
	models.EventCleanerLocationUpdate, models.EventExtraTimeRequest, models.EventJobStatus, models.EventOccurrenceStatus,
}

func connected(t *testing.T) (*channel.Session, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	s := channel.New(d, channel.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Connect(context.Background(), channel.Credential{Token: "t", UserID: "u"}))
	return s, d
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSync(ch Channel, f SnapshotFetcher, role lifecycle.Role) *Synchronizer {
	return New(ch, f, role, WithLogger(quietLogger()))
}

func TestMountJoinsRoomAndAppliesSnapshot(t *testing.T) {
	sess, d := connected(t)
	ps := newSync(sess, staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobAccepted)}), lifecycle.RoleCustomer)

	require.NoError(t, ps.Mount(context.Background(), "j1"))
	v := ps.View()
	assert.True(t, v.Loaded)
	assert.Equal(t, models.JobAccepted, v.Job.Status)
	assert.False(t, v.Proximity.Tracked)
	assert.False(t, v.FetchedAt.IsZero())

	assert.Contains(t, d.conn.sent(), `join_job_room:{"jobId":"j1"}`)
	for _, ev := range trackedEvents {
		assert.Equal(t, 1, sess.ListenerCount(ev), ev)
	}
}

func TestNavigatingBetweenJobsDoesNotLeakListeners(t *testing.T) {
	sess, d := connected(t)
	ps := newSync(sess, staticFetcher(map[string]models.Snapshot{
		"j1": snapshot("j1", models.JobAccepted),
		"j2": snapshot("j2", models.JobInProgress),
	}), lifecycle.RoleCustomer)

	require.NoError(t, ps.Mount(context.Background(), "j1"))
	require.NoError(t, ps.Mount(context.Background(), "j2"))
	for _, ev := range trackedEvents {
		assert.Equal(t, 1, sess.ListenerCount(ev), ev)
	}
	assert.Equal(t, []string{"job:j2"}, sess.Rooms())

	ps.Unmount()
	ps.Unmount()
	for _, ev := range trackedEvents {
		assert.Zero(t, sess.ListenerCount(ev), ev)
	}
	assert.Empty(t, sess.Rooms())
	sent := d.conn.sent()
	assert.Contains(t, sent, `leave_job_room:{"jobId":"j1"}`)
	assert.Contains(t, sent, `leave_job_room:{"jobId":"j2"}`)

	assert.True(t, errors.Is(ps.Refresh(context.Background()), ErrNotMounted))
}

func TestNearCleanerIsOfferedStartJob(t *testing.T) {
	sess, d := connected(t)
	ps := newSync(sess, staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobAccepted)}), lifecycle.RoleCleaner)
	require.NoError(t, ps.Mount(context.Background(), "j1"))
	assert.Equal(t, []lifecycle.Action{lifecycle.ActionOnMyWay, lifecycle.ActionCancel}, ps.View().Actions)

	base := time.Now().UTC()
	d.conn.push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "j1", Latitude: -33.8003, Longitude: 151.2003, Timestamp: base})
	require.Eventually(t, func() bool { return ps.View().Proximity.Tracked }, 2*time.Second, 5*time.Millisecond)

	v := ps.View()
	assert.True(t, v.Proximity.Near)
	assert.InDelta(t, 43, v.Proximity.DistanceMeters, 2)
	assert.Equal(t, []lifecycle.Action{lifecycle.ActionStartJob, lifecycle.ActionCancel}, v.Actions)
	assert.Equal(t, models.JobAccepted, v.Job.Status)

	// an older sample arriving late never replaces a newer one
	d.conn.push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "j1", Latitude: -33.9, Longitude: 151.3, Timestamp: base.Add(-time.Minute)})
	d.conn.push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "other", Latitude: -33.9, Longitude: 151.3, Timestamp: base.Add(time.Minute)})
	d.conn.push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "j1", Latitude: -33.81, Longitude: 151.2, Timestamp: base.Add(time.Second)})
	require.Eventually(t, func() bool { return !ps.View().Proximity.Near }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []lifecycle.Action{lifecycle.ActionOnMyWay, lifecycle.ActionCancel}, ps.View().Actions)
	c, ok := ps.View().CleanerCoord.Get()
	require.True(t, ok)
	assert.Equal(t, -33.81, c.Lat)
}

func TestTrackLocalGatesStartWithoutRelay(t *testing.T) {
	sess, _ := connected(t)
	ps := newSync(sess, staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobAccepted)}), lifecycle.RoleCleaner)
	require.NoError(t, ps.Mount(context.Background(), "j1"))

	ps.TrackLocal(models.LocationSample{Coord: models.Coord{Lat: -33.8003, Lng: 151.2003}, CapturedAt: time.Now()})
	assert.Contains(t, ps.View().Actions, lifecycle.ActionStartJob)
}

func TestDuplicateExtraTimeEventsKeepOneEntry(t *testing.T) {
	sess, d := connected(t)
	ps := newSync(sess, staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobInProgress)}), lifecycle.RoleCustomer)
	require.NoError(t, ps.Mount(context.Background(), "j1"))

	req := models.ExtraTimeRequest{ID: "x1", JobID: "j1", CustomerID: "cust", ExtraMinutes: 30, Status: models.ExtraTimePending}
	d.conn.push(models.EventExtraTimeRequest, req)
	d.conn.push(models.EventExtraTimeRequest, req)
	d.conn.push(models.EventExtraTimeRequest, models.ExtraTimeRequest{ID: "x2", JobID: "j1", Status: models.ExtraTimePending})
	require.Eventually(t, func() bool { return len(ps.View().PendingExtraTime) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, ps.View().Actions, lifecycle.ActionRespondExtraTime)

	req.Status = models.ExtraTimeAccepted
	d.conn.push(models.EventExtraTimeRequest, req)
	require.Eventually(t, func() bool { return len(ps.View().PendingExtraTime) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "x2", ps.View().PendingExtraTime[0].ID)
	assert.Equal(t, models.JobInProgress, ps.View().Job.Status)
}

func TestLifecycleEventTriggersRefetchAndSnapshotWins(t *testing.T) {
	sess, d := connected(t)
	var mu sync.Mutex
	status := models.JobInProgress
	f := &fakeFetcher{fn: func(_ int, _ context.Context, jobID string) (models.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return snapshot(jobID, status), nil
	}}
	s := newSync(sess, f, lifecycle.RoleCustomer)
	require.NoError(t, s.Mount(context.Background(), "j1"))
	assert.Equal(t, models.JobInProgress, s.View().Job.Status)

	mu.Lock()
	status = models.JobPendingConfirmation
	mu.Unlock()
	// the event payload claims completed, only the refetched snapshot counts
	d.conn.push(models.EventJobStatus, models.JobStatusEvent{JobID: "j1", Status: models.JobCompleted})
	require.Eventually(t, func() bool { return s.View().Job.Status == models.JobPendingConfirmation }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, s.View().Actions, lifecycle.ActionConfirm)
}

func TestStaleFetchResolvingLastIsDiscarded(t *testing.T) {
	sess, _ := connected(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(call int, ctx context.Context, jobID string) (models.Snapshot, error) {
		if call == 1 {
			close(started)
			<-release
			return snapshot(jobID, models.JobAccepted), nil
		}
		return snapshot(jobID, models.JobInProgress), nil
	}}
	s := newSync(sess, f, lifecycle.RoleCustomer)

	mounted := make(chan error, 1)
	go func() { mounted <- s.Mount(context.Background(), "j1") }()
	<-started

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, models.JobInProgress, s.View().Job.Status)

	close(release)
	select {
	case err := <-mounted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mount never returned")
	}
	assert.Equal(t, models.JobInProgress, s.View().Job.Status)
}

func TestSnapshotFailureIsSurfaced(t *testing.T) {
	sess, _ := connected(t)
	s := newSync(sess, staticFetcher(nil), lifecycle.RoleCustomer)
	err := s.Mount(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotUnavailable))
	v := s.View()
	assert.False(t, v.Loaded)
	assert.True(t, errors.Is(v.Err, ErrSnapshotUnavailable))
}

func TestSubscribeReceivesCopies(t *testing.T) {
	sess, _ := connected(t)
	s := newSync(sess, staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobAccepted)}), lifecycle.RoleCleaner)
	views := make(chan View, 8)
	stop := s.Subscribe(func(v View) { views <- v })
	require.NoError(t, s.Mount(context.Background(), "j1"))

	v := <-views
	assert.Equal(t, "j1", v.Job.ID)
	v.Actions[0] = "tampered"
	assert.Equal(t, lifecycle.ActionOnMyWay, s.View().Actions[0])

	stop()
	s.TrackLocal(models.LocationSample{Coord: jobCoord, CapturedAt: time.Now()})
	select {
	case <-views:
		t.Fatal("unsubscribed listener called")
	default:
	}
}

func TestLateRefreshOfPreviousJobLeavesNextMountAlone(t *testing.T) {
	sess, _ := connected(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ int, ctx context.Context, jobID string) (models.Snapshot, error) {
		if jobID == "j2" {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return models.Snapshot{}, err
			}
		}
		return snapshot(jobID, models.JobAccepted), nil
	}}
	s := newSync(sess, f, lifecycle.RoleCustomer)
	require.NoError(t, s.Mount(context.Background(), "j1"))
	s.mu.Lock()
	first := s.gen
	s.mu.Unlock()
	// the mount context of j1 is cancelled by the unmount
	firstCtx, cancel := context.WithCancel(context.Background())
	cancel()

	mounted := make(chan error, 1)
	go func() { mounted <- s.Mount(context.Background(), "j2") }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("j2 never fetched")
	}

	// a j1 status event dispatched just before the unmount
	s.refreshAsync(firstCtx, first)
	assert.True(t, errors.Is(s.refresh(firstCtx, first), backend.ErrStaleRequest))
	assert.True(t, errors.Is(s.refresh(context.Background(), first), backend.ErrStaleRequest))

	close(release)
	select {
	case err := <-mounted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mount never returned")
	}
	v := s.View()
	assert.True(t, v.Loaded)
	assert.NoError(t, v.Err)
	assert.Equal(t, "j2", v.Job.ID)
	assert.Equal(t, 2, f.count())
}

func TestStatusEventOfAnotherJobIsIgnored(t *testing.T) {
	sess, d := connected(t)
	f := staticFetcher(map[string]models.Snapshot{"j1": snapshot("j1", models.JobAccepted)})
	s := newSync(sess, f, lifecycle.RoleCustomer)
	require.NoError(t, s.Mount(context.Background(), "j1"))
	require.Equal(t, 1, f.count())

	d.conn.push(models.EventJobStatus, models.JobStatusEvent{JobID: "other", Status: models.JobCompleted})
	d.conn.push(models.EventOccurrenceStatus, models.OccurrenceStatusEvent{JobID: "other", OccurrenceID: "o1"})
	d.conn.push(models.EventOccurrenceStatus, models.OccurrenceStatusEvent{JobID: "j1", OccurrenceID: "o1"})
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.count() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}
