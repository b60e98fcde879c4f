// Package progress merges a job's REST snapshot with live relay events into
// one view model per party.
//
// Snapshot data is replaced wholesale on every fetch. Relay events only touch
// the slices they describe: the cleaner coordinate, proximity and pending
// extra time. Lifecycle events (job_status, occurrence_status) trigger a
// refetch instead of being written into the view.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/mo"

	"github.com/example/cleaner-tracking/internal/backend"
	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/eta"
	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/proximity"
)

var (
	ErrSnapshotUnavailable = errors.New("job snapshot unavailable")
	ErrNotMounted          = errors.New("synchronizer not mounted")
)

// Channel is the part of channel.Session the synchronizer uses.
type Channel interface {
	JoinRoom(room string) error
	LeaveRoom(room string) error
	On(event string, fn channel.Handler) channel.Handle
	Off(h channel.Handle) bool
}

type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, jobID string) (models.Snapshot, error)
}

// View is a point-in-time copy of what a party sees.
type View struct {
	JobID            string
	Loaded           bool
	Job              models.Job
	Occurrences      []models.Occurrence
	PendingExtraTime []models.ExtraTimeRequest
	CleanerCoord     mo.Option[models.Coord]
	LastLocationAt   time.Time
	Proximity        proximity.State
	Actions          []lifecycle.Action
	FetchedAt        time.Time
	Err              error
}

type Option func(*Synchronizer)

func WithLogger(l *slog.Logger) Option      { return func(s *Synchronizer) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Synchronizer) { s.now = now } }

type Synchronizer struct {
	ch      Channel
	fetcher SnapshotFetcher
	engine  *proximity.Engine
	role    lifecycle.Role
	logger  *slog.Logger
	now     func() time.Time
	latest  backend.Latest[models.Snapshot]

	mu      sync.Mutex
	mounted bool
	gen     uint64 // bumped by every Mount
	jobID   string
	handles []channel.Handle
	cancel  context.CancelFunc
	view    View
	subs    map[int]func(View)
	nextSub int
}

func New(ch Channel, fetcher SnapshotFetcher, role lifecycle.Role, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		ch:      ch,
		fetcher: fetcher,
		engine:  proximity.NewEngine(),
		role:    role,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[int]func(View)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mount subscribes to the job's relay events, joins its room and fetches the
// first snapshot. Mounting while another job is mounted unmounts it first.
// A failed fetch leaves the synchronizer mounted with View().Err set.
func (s *Synchronizer) Mount(ctx context.Context, jobID string) error {
	s.Unmount()

	mountCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.mounted = true
	s.gen++
	gen := s.gen
	s.jobID = jobID
	s.cancel = cancel
	s.view = View{JobID: jobID}
	s.engine = proximity.NewEngine()
	s.handles = []channel.Handle{
		s.ch.On(models.EventCleanerLocationUpdate, s.onLocation),
		s.ch.On(models.EventExtraTimeRequest, s.onExtraTime),
		s.ch.On(models.EventJobStatus, s.onLifecycle(mountCtx, gen, jobID)),
		s.ch.On(models.EventOccurrenceStatus, s.onLifecycle(mountCtx, gen, jobID)),
	}
	s.mu.Unlock()

	if err := s.ch.JoinRoom(channel.JobRoom(jobID)); err != nil {
		s.Unmount()
		return errors.Wrapf(err, "join room of job %s", jobID)
	}
	s.logger.Debug("progress mounted", "job_id", jobID, "role", s.role)
	err := s.refresh(ctx, gen)
	if errors.Is(err, backend.ErrStaleRequest) {
		return ctx.Err()
	}
	return err
}

// Unmount leaves the job room, removes exactly the listeners Mount added and
// abandons any fetch in flight. It is safe to call more than once.
func (s *Synchronizer) Unmount() {
	s.latest.Cancel()
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	handles := s.handles
	jobID := s.jobID
	cancel := s.cancel
	s.handles = nil
	s.mounted = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	for _, h := range handles {
		s.ch.Off(h)
	}
	if err := s.ch.LeaveRoom(channel.JobRoom(jobID)); err != nil {
		s.logger.Warn("leave job room failed", "job_id", jobID, "error", err)
	}
	s.logger.Debug("progress unmounted", "job_id", jobID)
}

// Refresh refetches the snapshot. A fetch overtaken by a newer one returns
// backend.ErrStaleRequest and leaves the view alone.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.refresh(ctx, gen)
}

// refresh fetches for the mount gen names. Once another Mount has happened
// it returns backend.ErrStaleRequest without fetching.
func (s *Synchronizer) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return ErrNotMounted
	}
	if s.gen != gen {
		s.mu.Unlock()
		return backend.ErrStaleRequest
	}
	jobID := s.jobID
	s.mu.Unlock()

	err := s.latest.Run(ctx, func(ctx context.Context) (models.Snapshot, error) {
		return s.fetcher.FetchSnapshot(ctx, jobID)
	}, func(snap models.Snapshot, err error) {
		s.update(func(v *View) {
			if s.gen != gen || v.JobID != jobID {
				return
			}
			if err != nil {
				v.Err = errors.Mark(errors.Wrapf(err, "fetch job %s", jobID), ErrSnapshotUnavailable)
				return
			}
			if snap.Job.ID == jobID {
				s.applySnapshot(v, snap)
			}
		})
	})
	if err != nil && !errors.Is(err, backend.ErrStaleRequest) {
		return errors.Mark(err, ErrSnapshotUnavailable)
	}
	return err
}

// onLifecycle refetches when a job_status or occurrence_status event names
// the job mounted as gen. Events of other jobs are dropped.
func (s *Synchronizer) onLifecycle(ctx context.Context, gen uint64, jobID string) channel.Handler {
	return func(data json.RawMessage) {
		var ev struct {
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("malformed lifecycle event", "error", err)
			return
		}
		if ev.JobID != "" && ev.JobID != jobID {
			return
		}
		s.refreshAsync(ctx, gen)
	}
}

func (s *Synchronizer) refreshAsync(ctx context.Context, gen uint64) {
	if ctx.Err() != nil {
		return
	}
	go func() {
		err := s.refresh(ctx, gen)
		if err != nil && !errors.Is(err, backend.ErrStaleRequest) && !errors.Is(err, ErrNotMounted) && ctx.Err() == nil {
			s.logger.Warn("background refresh failed", "error", err)
		}
	}()
}

// ApplySnapshot replaces every snapshot-owned field of the view. Snapshots of
// another job are ignored.
func (s *Synchronizer) ApplySnapshot(snap models.Snapshot) {
	s.update(func(v *View) {
		if snap.Job.ID == v.JobID {
			s.applySnapshot(v, snap)
		}
	})
}

func (s *Synchronizer) applySnapshot(v *View, snap models.Snapshot) {
	var local *models.Job
	if v.Loaded {
		prev := v.Job
		local = &prev
	}
	job, conflict := lifecycle.Reconcile(local, snap.Job)
	if conflict {
		s.logger.Debug("snapshot overrode local job state", "job_id", job.ID, "local", local.Status, "snapshot", job.Status)
	}
	v.Job = job
	v.Occurrences = append([]models.Occurrence(nil), snap.Occurrences...)
	v.PendingExtraTime = lifecycle.PendingOnly(snap.PendingExtraTime)
	v.FetchedAt = s.now()
	v.Loaded = true
	v.Err = nil

	customer := mo.None[models.Coord]()
	if c := job.Location.Coord; c != nil {
		if n, ok := geo.Normalize(*c); ok {
			customer = mo.Some(n)
		}
	}
	v.Proximity = s.engine.SetCustomer(customer)
}

// TrackLocal feeds the cleaner's own samples into proximity so the start
// action can be gated without a relay round trip.
func (s *Synchronizer) TrackLocal(sample models.LocationSample) {
	s.setCleaner(sample.Coord, sample.CapturedAt)
}

// SetRoute records display-only route figures from the map widget.
func (s *Synchronizer) SetRoute(r eta.Route) {
	s.update(func(v *View) { v.Proximity = s.engine.SetRoute(r) })
}

func (s *Synchronizer) onLocation(data json.RawMessage) {
	var loc models.CleanerLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		s.logger.Debug("malformed location event", "error", err)
		return
	}
	s.mu.Lock()
	current := s.jobID
	s.mu.Unlock()
	if loc.JobID != current {
		return
	}
	s.setCleaner(loc.Coord(), loc.Timestamp)
}

func (s *Synchronizer) setCleaner(c models.Coord, at time.Time) {
	n, ok := geo.Normalize(c)
	if !ok {
		return
	}
	s.update(func(v *View) {
		if !at.IsZero() && at.Before(v.LastLocationAt) {
			return
		}
		v.CleanerCoord = mo.Some(n)
		if !at.IsZero() {
			v.LastLocationAt = at
		}
		v.Proximity = s.engine.SetCleaner(v.CleanerCoord)
	})
}

func (s *Synchronizer) onExtraTime(data json.RawMessage) {
	var req models.ExtraTimeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		s.logger.Debug("malformed extra time event", "error", err)
		return
	}
	s.update(func(v *View) {
		if req.JobID != v.JobID {
			return
		}
		kept := v.PendingExtraTime[:0:0]
		for _, r := range v.PendingExtraTime {
			if r.ID != req.ID {
				kept = append(kept, r)
			}
		}
		if req.Status == models.ExtraTimePending || req.Status == "" {
			req.Status = models.ExtraTimePending
			kept = append(kept, req)
			sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
		}
		v.PendingExtraTime = kept
	})
}

// update mutates the view under the lock, recomputes actions and notifies
// subscribers with a copy.
func (s *Synchronizer) update(fn func(v *View)) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	fn(&s.view)
	if s.view.Loaded {
		s.view.Actions = lifecycle.AvailableActions(s.view.Job, s.view.Occurrences, len(s.view.PendingExtraTime), s.role, s.view.Proximity)
	}
	v := copyView(s.view)
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// View returns a copy of the current view.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyView(s.view)
}

// Subscribe calls fn with every new view until the returned func is called.
func (s *Synchronizer) Subscribe(fn func(View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func copyView(v View) View {
	out := v
	out.Occurrences = append([]models.Occurrence(nil), v.Occurrences...)
	out.PendingExtraTime = append([]models.ExtraTimeRequest(nil), v.PendingExtraTime...)
	out.Actions = append([]lifecycle.Action(nil), v.Actions...)
	return out
}
