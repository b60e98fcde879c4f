// Package proximity derives near/far state from the customer's and the
// cleaner's latest coordinates. It is the only place distances between the
// two parties are computed.
package proximity

import (
	"sync"

	"github.com/samber/mo"

	"github.com/example/cleaner-tracking/internal/eta"
	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/models"
)

// NearThresholdMeters is the arrival radius around the job's coordinate.
const NearThresholdMeters = 100.0

// IsNear reports whether distanceMeters is within the arrival radius.
func IsNear(distanceMeters float64) bool { return distanceMeters <= NearThresholdMeters }

// State is the derived proximity of the cleaner to the job. When Tracked is
// false the other fields carry no meaning and views must show a
// "not yet tracked" state.
type State struct {
	Tracked         bool    `json:"tracked"`
	Near            bool    `json:"near"`
	DistanceMeters  float64 `json:"distance_meters"`
	RouteDistance   float64 `json:"route_distance_meters,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Label is a short display string for the state.
func (s State) Label() string {
	switch {
	case !s.Tracked:
		return "not_tracked"
	case s.Near:
		return "near"
	default:
		return "far"
	}
}

// Evaluate computes the state for the given pair. Either side may be absent.
func Evaluate(customer, cleaner mo.Option[models.Coord]) State {
	c, ok1 := customer.Get()
	w, ok2 := cleaner.Get()
	if !ok1 || !ok2 {
		return State{}
	}
	d := geo.Distance(c, w)
	return State{Tracked: true, Near: IsNear(d), DistanceMeters: d}
}

// Engine keeps the latest coordinates of both parties and recomputes the
// state whenever either changes. Safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	customer mo.Option[models.Coord]
	cleaner  mo.Option[models.Coord]
	route    mo.Option[eta.Route]
	state    State
}

func NewEngine() *Engine {
	return &Engine{customer: mo.None[models.Coord](), cleaner: mo.None[models.Coord](), route: mo.None[eta.Route]()}
}

// SetCustomer sets (or clears, with mo.None) the customer coordinate.
func (e *Engine) SetCustomer(c mo.Option[models.Coord]) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customer = c
	e.route = mo.None[eta.Route]()
	return e.recompute()
}

// SetCleaner sets (or clears) the cleaner coordinate.
func (e *Engine) SetCleaner(c mo.Option[models.Coord]) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaner = c
	e.route = mo.None[eta.Route]()
	return e.recompute()
}

// SetRoute records the map widget's route figures for display. They never
// change the near/far decision, which is always straight-line.
func (e *Engine) SetRoute(r eta.Route) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.route = mo.Some(r)
	return e.recompute()
}

// Coords returns copies of the current inputs.
func (e *Engine) Coords() (customer, cleaner mo.Option[models.Coord]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.customer, e.cleaner
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) recompute() State {
	s := Evaluate(e.customer, e.cleaner)
	if r, ok := e.route.Get(); ok && s.Tracked {
		s.RouteDistance = r.DistanceMeters
		s.DurationSeconds = r.DurationSeconds
	}
	e.state = s
	return s
}
