package sampler

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/models"
)

// LineSource reads one coordinate per line ("lat,lng" or any shape geo.Normalize
// accepts as text) and replays them with Interval between lines. It stands in
// for a GPS receiver when running the tracker from a recorded track or a pipe.
type LineSource struct {
	R        io.Reader
	Interval time.Duration
}

func (l *LineSource) Watch(ctx context.Context) (<-chan models.Coord, <-chan error) {
	positions := make(chan models.Coord)
	errs := make(chan error, 1)
	go func() {
		defer close(positions)
		defer close(errs)
		sc := bufio.NewScanner(l.R)
		first := true
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !first && l.Interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.Interval):
				}
			}
			first = false
			c, ok := geo.Normalize(line)
			if !ok {
				if !send(ctx, errs, errors.Wrapf(ErrPositionUnavailable, "unparseable position %q", line)) {
					return
				}
				continue
			}
			select {
			case positions <- c:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			send(ctx, errs, errors.Mark(err, ErrPositionUnavailable))
		}
		<-ctx.Done()
	}()
	return positions, errs
}

func send(ctx context.Context, ch chan<- error, err error) bool {
	select {
	case ch <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

// DeniedSource reports a permission denial and nothing else.
type DeniedSource struct{}

func (DeniedSource) Watch(ctx context.Context) (<-chan models.Coord, <-chan error) {
	errs := make(chan error, 1)
	errs <- ErrPermissionDenied
	positions := make(chan models.Coord)
	go func() {
		<-ctx.Done()
		close(positions)
		close(errs)
	}()
	return positions, errs
}
