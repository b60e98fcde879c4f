package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cleaner-tracking/internal/backend"
	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/models"
)

// Server exposes the job lifecycle over REST and mounts the relay endpoint.
type Server struct {
	Jobs      *lifecycle.Service
	Locations geo.Store
	Relay     http.Handler
	logger    *slog.Logger
	mux       *mux.Router
}

// NewServer wires routes. relay may be nil when the websocket endpoint is
// served elsewhere.
func NewServer(jobs *lifecycle.Service, locations geo.Store, relay http.Handler, logger *slog.Logger) *Server {
	s := &Server{Jobs: jobs, Locations: locations, Relay: relay, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/location", s.handleLocation).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/quotes", s.handleSubmitQuote).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/quotes/{quoteId}/accept", s.handleAcceptQuote).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/start", s.jobAction(s.Jobs.StartJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/confirm", s.jobAction(s.Jobs.ConfirmJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", s.jobAction(s.Jobs.CancelJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/occurrences/{occId}/start", s.occurrenceAction(s.Jobs.StartOccurrence)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/occurrences/{occId}/submit", s.handleSubmitOccurrence).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/occurrences/{occId}/confirm", s.occurrenceAction(s.Jobs.ConfirmOccurrence)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/occurrences/{occId}/reject", s.occurrenceAction(s.Jobs.RejectOccurrence)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/extra-time", s.handleRequestExtraTime).Methods(http.MethodPost)
	api.HandleFunc("/extra-time/{reqId}/accept", s.resolveExtraTime(true)).Methods(http.MethodPost)
	api.HandleFunc("/extra-time/{reqId}/reject", s.resolveExtraTime(false)).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Relay != nil {
		s.mux.Handle("/ws", s.Relay)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actorFrom(r *http.Request) (lifecycle.Actor, error) {
	a := lifecycle.Actor{ID: r.Header.Get(backend.HeaderUserID), Role: lifecycle.Role(r.Header.Get(backend.HeaderRole))}
	if a.ID == "" || (a.Role != lifecycle.RoleCustomer && a.Role != lifecycle.RoleCleaner) {
		return a, errors.WithHint(errors.Mark(errors.New("missing identity"), lifecycle.ErrForbidden),
			"send "+backend.HeaderUserID+" and "+backend.HeaderRole)
	}
	return a, nil
}

func writeJSON(w http.ResponseWriter, status int, env backend.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) ok(w http.ResponseWriter, status int, data interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	writeJSON(w, status, backend.Envelope{Success: true, Data: b})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrEvidenceRequired),
		errors.Is(err, lifecycle.ErrInvalidInput),
		errors.Is(err, channel.ErrPolicyViolation),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if hints := errors.FlattenHints(err); hints != "" {
		msg = hints
	}
	if status == http.StatusInternalServerError {
		args := []any{"error", err}
		if r != nil {
			args = append(args, "request_id", requestIDFromContext(r.Context()))
		}
		s.logger.Error("request failed", args...)
		msg = "internal error"
	}
	writeJSON(w, status, backend.Envelope{Success: false, Message: msg})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), errBadRequest)
	}
	return nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var d lifecycle.JobDraft
	if err := decode(r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.CreateJob(r.Context(), a, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, j)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Jobs.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, snap)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	sample, ok, err := s.Locations.Latest(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, errors.Wrapf(lifecycle.ErrNotFound, "no location for job %s", jobID))
		return
	}
	s.ok(w, http.StatusOK, models.CleanerLocation{
		JobID: jobID, CleanerID: sample.CleanerID, Latitude: sample.Coord.Lat, Longitude: sample.Coord.Lng, Timestamp: sample.CapturedAt,
	})
}

type quoteBody struct {
	Amount  int64  `json:"amount"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body quoteBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.SubmitQuote(r.Context(), a, mux.Vars(r)["id"], body.Amount, body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, j)
}

func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vars := mux.Vars(r)
	j, err := s.Jobs.AcceptQuote(r.Context(), a, vars["id"], vars["quoteId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, j)
}

func (s *Server) jobAction(op func(ctx context.Context, a lifecycle.Actor, jobID string) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actorFrom(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		j, err := op(r.Context(), a, mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, http.StatusOK, j)
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var ev models.Evidence
	if err := decode(r, &ev); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.CompleteJob(r.Context(), a, mux.Vars(r)["id"], ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, j)
}

func (s *Server) occurrenceAction(op func(ctx context.Context, a lifecycle.Actor, jobID, occID string) (*models.Occurrence, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actorFrom(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		vars := mux.Vars(r)
		o, err := op(r.Context(), a, vars["id"], vars["occId"])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, http.StatusOK, o)
	}
}

func (s *Server) handleSubmitOccurrence(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var ev models.Evidence
	if err := decode(r, &ev); err != nil {
		s.fail(w, r, err)
		return
	}
	vars := mux.Vars(r)
	o, err := s.Jobs.SubmitOccurrence(r.Context(), a, vars["id"], vars["occId"], ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, o)
}

func (s *Server) handleRequestExtraTime(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var d lifecycle.ExtraTimeDraft
	if err := decode(r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.Jobs.RequestExtraTime(r.Context(), a, mux.Vars(r)["id"], d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, req)
}

func (s *Server) resolveExtraTime(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actorFrom(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		req, err := s.Jobs.ResolveExtraTime(r.Context(), a, mux.Vars(r)["reqId"], accept)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, http.StatusOK, req)
	}
}

func newID() string { return uuid.NewString() }
