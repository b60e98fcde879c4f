// Package sampler turns a device's continuous position watch into a stream of
// location samples with a fixed heartbeat that re-sends the latest fix.
package sampler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

const (
	DefaultHeartbeat      = 10 * time.Second
	DefaultAcquireTimeout = 12 * time.Second
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrLocationTimeout     = errors.New("location acquisition timed out")
	ErrAlreadyStarted      = errors.New("sampler already started")
)

// Source is the device's continuous position watch. Both channels are owned
// by the source and should be closed when ctx ends.
type Source interface {
	Watch(ctx context.Context) (<-chan models.Coord, <-chan error)
}

type Option func(*Sampler)

func WithHeartbeat(d time.Duration) Option { return func(s *Sampler) { s.heartbeat = d } }

func WithAcquireTimeout(d time.Duration) Option { return func(s *Sampler) { s.acquireTimeout = d } }

// WithErrorHandler receives every reportable condition. Errors carry a user
// facing hint retrievable with errors.FlattenHints.
func WithErrorHandler(fn func(error)) Option { return func(s *Sampler) { s.onError = fn } }

func WithIdentity(jobID, cleanerID string) Option {
	return func(s *Sampler) { s.jobID, s.cleanerID = jobID, cleanerID }
}

func WithLogger(l *slog.Logger) Option { return func(s *Sampler) { s.logger = l } }

type Sampler struct {
	src            Source
	heartbeat      time.Duration
	acquireTimeout time.Duration
	onError        func(error)
	jobID          string
	cleanerID      string
	logger         *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(src Source, opts ...Option) *Sampler {
	s := &Sampler{
		src:            src,
		heartbeat:      DefaultHeartbeat,
		acquireTimeout: DefaultAcquireTimeout,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins watching. The returned channel is closed once sampling ends,
// either through Stop, ctx cancellation or a terminal source error. A
// Sampler cannot be restarted.
func (s *Sampler) Start(ctx context.Context) (<-chan models.LocationSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	out := make(chan models.LocationSample, 1)
	go s.run(ctx, out)
	return out, nil
}

// Stop cancels the watch and the heartbeat and waits for the loop to exit.
// Nothing is emitted after Stop returns.
func (s *Sampler) Stop() {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

func (s *Sampler) run(ctx context.Context, out chan<- models.LocationSample) {
	defer close(s.done)
	defer close(out)

	positions, errs := s.src.Watch(ctx)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	acquire := time.NewTimer(s.acquireTimeout)
	defer acquire.Stop()
	acquireC := acquire.C

	var latest models.Coord
	have := false

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-positions:
			if !ok {
				positions = nil
				if errs == nil {
					return
				}
				continue
			}
			latest, have = c, true
			acquireC = nil
			if !s.emit(ctx, out, latest) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if positions == nil {
					return
				}
				continue
			}
			err = classify(err)
			s.report(err)
			if errors.Is(err, ErrPermissionDenied) {
				return
			}
		case <-acquireC:
			s.report(errors.WithHint(ErrLocationTimeout, "Could not get your location. Check GPS signal and try again."))
			return
		case <-ticker.C:
			if have {
				if !s.emit(ctx, out, latest) {
					return
				}
			}
		}
	}
}

func (s *Sampler) emit(ctx context.Context, out chan<- models.LocationSample, c models.Coord) bool {
	sample := models.LocationSample{JobID: s.jobID, CleanerID: s.cleanerID, Coord: c, CapturedAt: time.Now()}
	select {
	case out <- sample:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Sampler) report(err error) {
	s.logger.Warn("location sampling", "job_id", s.jobID, "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// classify maps arbitrary source failures onto the sampler's conditions.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return errors.WithHint(err, "Allow location access to share your position with the customer.")
	case errors.Is(err, ErrLocationTimeout):
		return errors.WithHint(err, "Could not get your location. Check GPS signal and try again.")
	case errors.Is(err, ErrPositionUnavailable):
		return errors.WithHint(err, "Your position is currently unavailable.")
	}
	return errors.WithHint(errors.Mark(err, ErrPositionUnavailable), "Your position is currently unavailable.")
}
