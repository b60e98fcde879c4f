// Package channel is the client side of the transport relay: one persistent
// connection per authenticated session, room membership, typed event
// subscription and the outbound content guard.
//
// A Session is constructed once by the application root and handed to every
// component that needs live events. Components add their own listeners and
// are responsible for removing them; the session never garbage collects
// listeners.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	ErrConnection   = errors.New("channel connection error")
	ErrNotConnected = errors.New("channel not connected")
	ErrUnknownRoom  = errors.New("unknown room")
	ErrClosed       = errors.New("channel closed")
)

const defaultAckTimeout = 10 * time.Second

// Credential authenticates the connection with the relay.
type Credential struct {
	Token  string
	UserID string
}

// Conn is one established relay connection. WriteJSON must be safe to call
// from multiple goroutines.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}

func JobRoom(jobID string) string   { return "job:" + jobID }
func UserRoom(userID string) string { return "user:" + userID }

type Option func(*Session)

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithAckTimeout bounds how long Connect waits for the relay's connect frame.
func WithAckTimeout(d time.Duration) Option { return func(s *Session) { s.ackTimeout = d } }

func WithGuard(g *Guard) Option { return func(s *Session) { s.guard = g } }

type Session struct {
	dialer     Dialer
	logger     *slog.Logger
	ackTimeout time.Duration
	guard      *Guard
	reg        *registry

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	cred        *Credential
	sessionID   string
	rooms       map[string]struct{}
	joined      map[string]struct{}
	connectDone chan struct{}
	closed      bool

	qmu   sync.Mutex
	queue []models.Frame
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func New(d Dialer, opts ...Option) *Session {
	s := &Session{
		dialer:     d,
		logger:     slog.Default(),
		ackTimeout: defaultAckTimeout,
		guard:      NewGuard(),
		reg:        newRegistry(),
		state:      StateDisconnected,
		rooms:      make(map[string]struct{}),
		joined:     make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatchLoop()
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns the current membership set, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRooms(s.rooms)
}

// Connect establishes the relay connection and returns once the relay has
// acknowledged it. Calling Connect while connected is a no-op; concurrent
// callers wait for the attempt in flight. Rooms in the membership set are
// joined as soon as the acknowledgement arrives.
func (s *Session) Connect(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		wait := s.connectDone
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return errors.Mark(ctx.Err(), ErrConnection)
		}
		if s.State() != StateConnected {
			return errors.Wrap(ErrConnection, "concurrent connect failed")
		}
		return nil
	}
	s.state = StateConnecting
	c := cred
	s.cred = &c
	done := make(chan struct{})
	s.connectDone = done
	s.mu.Unlock()
	defer close(done)

	conn, ack, err := s.dialAndAwaitAck(ctx, cred)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Warn("channel connect failed", "user_id", cred.UserID, "error", err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.state = StateDisconnected
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = StateConnected
	s.sessionID = ack.SessionID
	s.joined = make(map[string]struct{})
	pending := sortedRooms(s.rooms)
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	s.logger.Info("channel connected", "user_id", cred.UserID, "sid", ack.SessionID, "rooms", len(pending))

	for _, room := range pending {
		if err := s.flushJoin(room); err != nil {
			s.logger.Warn("room join failed", "room", room, "error", err)
		}
	}
	s.enqueue(models.Frame{Event: models.EventConnect, Data: mustMarshal(ack)})
	return nil
}

// Reconnect re-establishes the connection with the last credential. The
// session never reconnects by itself.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()
	if cred == nil {
		return errors.Wrap(ErrNotConnected, "reconnect before first connect")
	}
	return s.Connect(ctx, *cred)
}

func (s *Session) dialAndAwaitAck(ctx context.Context, cred Credential) (Conn, models.ConnectAck, error) {
	var ack models.ConnectAck
	conn, err := s.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, ack, errors.Mark(errors.Wrap(err, "dial relay"), ErrConnection)
	}

	res := make(chan error, 1)
	go func() {
		var f models.Frame
		if err := conn.ReadJSON(&f); err != nil {
			res <- err
			return
		}
		if f.Event != models.EventConnect {
			res <- errors.Newf("expected %q frame, got %q", models.EventConnect, f.Event)
			return
		}
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &ack)
		}
		res <- nil
	}()

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-res:
		if err != nil {
			_ = conn.Close()
			return nil, ack, errors.Mark(errors.Wrap(err, "await connect ack"), ErrConnection)
		}
		return conn, ack, nil
	case <-ctx.Done():
		_ = conn.Close()
		<-res
		return nil, ack, errors.Mark(errors.Wrap(ctx.Err(), "await connect ack"), ErrConnection)
	case <-timer.C:
		_ = conn.Close()
		<-res
		return nil, ack, errors.Wrap(ErrConnection, "connect ack timed out")
	}
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		var f models.Frame
		if err := conn.ReadJSON(&f); err != nil {
			s.dropped(gen, err)
			return
		}
		if f.Event == "" {
			continue
		}
		s.enqueue(f)
	}
}

func (s *Session) dropped(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.joined = make(map[string]struct{})
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("channel disconnected", "error", cause)
	s.enqueue(models.Frame{Event: models.EventDisconnect, Data: mustMarshal(models.ErrorMessage{Message: cause.Error()})})
}

// Disconnect closes the current connection but keeps room membership and
// listeners so a later Connect/Reconnect resumes where it left off.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	wasConnected := s.state == StateConnected
	s.gen++
	s.conn = nil
	s.state = StateDisconnected
	s.joined = make(map[string]struct{})
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		s.enqueue(models.Frame{Event: models.EventDisconnect, Data: mustMarshal(models.ErrorMessage{Message: "client disconnect"})})
	}
}

// Close tears the session down for good (logout). Pending events are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
	s.once.Do(func() { close(s.stop) })
	return nil
}

// JoinRoom adds room to the membership set. If the session is connected the
// join is sent now, otherwise it is sent once the next connection is
// acknowledged. Joining a room twice is a no-op.
func (s *Session) JoinRoom(room string) error {
	if _, err := roomFrame(room, true); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.flushJoin(room)
}

func (s *Session) flushJoin(room string) error {
	f, err := roomFrame(room, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.rooms[room]; !ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.joined[room]; ok {
		s.mu.Unlock()
		return nil
	}
	s.joined[room] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	return s.write(conn, f)
}

// LeaveRoom removes room from the membership set. Leaving a room that was
// never joined is a no-op.
func (s *Session) LeaveRoom(room string) error {
	f, err := roomFrame(room, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.rooms[room]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, room)
	_, wasJoined := s.joined[room]
	delete(s.joined, room)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || !wasJoined {
		return nil
	}
	return s.write(conn, f)
}

// Emit sends one event. Delivery is best effort and unacknowledged.
func (s *Session) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()
	return s.write(conn, models.Frame{Event: event, Data: data})
}

// SendChat screens text and emits it to room.
func (s *Session) SendChat(room, text string) error {
	if err := s.screen(models.EventChatMessage, text); err != nil {
		return err
	}
	return s.Emit(models.EventChatMessage, models.ChatMessage{Room: room, Text: text, SentAt: time.Now().UTC()})
}

// UpdateLocation relays the cleaner's position to the job room. The frame
// has no free text, so the content guard does not apply.
func (s *Session) UpdateLocation(jobID string, c models.Coord) error {
	return s.Emit(models.EventUpdateCleanerLocation, models.LocationUpdate{Latitude: c.Lat, Longitude: c.Lng, JobID: jobID})
}

// SendExtraTimeRequest screens the reason and emits the request for the
// customer.
func (s *Session) SendExtraTimeRequest(req models.ExtraTimeRequest) error {
	if err := s.screen(models.EventExtraTimeRequest, req.Reason); err != nil {
		return err
	}
	return s.Emit(models.EventExtraTimeRequest, req)
}

func (s *Session) screen(event string, texts ...string) error {
	err := s.guard.Check(texts...)
	if err == nil {
		return nil
	}
	s.logger.Info("outbound content suppressed", "event", event)
	s.enqueue(models.Frame{Event: models.EventPolicyViolation, Data: mustMarshal(models.PolicyViolation{Event: event, Reason: "phone_number"})})
	return err
}

// On registers fn for event. Listeners of one event run in registration order.
func (s *Session) On(event string, fn Handler) Handle { return s.reg.add(event, fn) }

// Off removes a registration. It reports whether the handle was registered.
func (s *Session) Off(h Handle) bool { return s.reg.remove(h) }

// ListenerCount reports how many listeners event has.
func (s *Session) ListenerCount(event string) int { return s.reg.count(event) }

func (s *Session) write(conn Conn, f models.Frame) error {
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(f); err != nil {
		return errors.Mark(errors.Wrapf(err, "write %s", f.Event), ErrConnection)
	}
	return nil
}

func (s *Session) enqueue(f models.Frame) {
	s.qmu.Lock()
	s.queue = append(s.queue, f)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pop() (models.Frame, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return models.Frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = models.Frame{}
	s.queue = s.queue[1:]
	return f, true
}

// dispatchLoop delivers events one at a time so listeners of an event see
// them in the order they were received.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			f, ok := s.pop()
			if !ok {
				break
			}
			for _, fn := range s.reg.snapshot(f.Event) {
				s.deliver(f, fn)
			}
		}
	}
}

func (s *Session) deliver(f models.Frame, fn Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("listener panic recovered", "event", f.Event, "error", rec)
		}
	}()
	fn(f.Data)
}

func roomFrame(room string, join bool) (models.Frame, error) {
	switch {
	case strings.HasPrefix(room, "job:") && len(room) > len("job:"):
		ev := models.EventLeaveJobRoom
		if join {
			ev = models.EventJoinJobRoom
		}
		return models.Frame{Event: ev, Data: mustMarshal(models.JobRoomRef{JobID: strings.TrimPrefix(room, "job:")})}, nil
	case strings.HasPrefix(room, "user:") && len(room) > len("user:"):
		ev := models.EventLeaveUserRoom
		if join {
			ev = models.EventJoinUserRoom
		}
		return models.Frame{Event: ev, Data: mustMarshal(models.UserRoomRef{UserID: strings.TrimPrefix(room, "user:")})}, nil
	}
	return models.Frame{}, errors.Wrapf(ErrUnknownRoom, "%q", room)
}

func sortedRooms(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
