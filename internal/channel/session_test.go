package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cleaner-tracking/internal/models"
)

type fakeConn struct {
	in        chan models.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out []models.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan models.Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case f := <-c.in:
		b, _ := json.Marshal(f)
		return json.Unmarshal(b, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
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

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.out...)
}

func (c *fakeConn) sentEvents() []string {
	var out []string
	for _, f := range c.sent() {
		out = append(out, f.Event)
	}
	return out
}

func (c *fakeConn) ack() {
	c.in <- models.Frame{Event: models.EventConnect, Data: json.RawMessage(`{"sid":"s1"}`)}
}

func (c *fakeConn) push(event string, v interface{}) {
	b, _ := json.Marshal(v)
	c.in <- models.Frame{Event: event, Data: b}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	autoAck bool
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, cred Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	if d.autoAck {
		c.ack()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func connected(t *testing.T) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{autoAck: true}
	s := New(d)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Connect(context.Background(), Credential{Token: "t", UserID: "u1"}))
	return s, d
}

func TestConnectWaitsForAckBeforeJoining(t *testing.T) {
	d := &fakeDialer{}
	s := New(d)
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), Credential{UserID: "u1"}) }()

	require.Eventually(t, func() bool { return d.dials() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())
	require.NoError(t, s.JoinRoom(JobRoom("42")))
	assert.Empty(t, d.conn(0).sent(), "join must wait for the connect ack")

	d.conn(0).ack()
	require.NoError(t, <-errc)
	assert.Equal(t, StateConnected, s.State())

	sent := d.conn(0).sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventJoinJobRoom, sent[0].Event)
	assert.JSONEq(t, `{"jobId":"42"}`, string(sent[0].Data))
}

func TestConnectIsIdempotent(t *testing.T) {
	s, d := connected(t)
	require.NoError(t, s.Connect(context.Background(), Credential{UserID: "u1"}))
	assert.Equal(t, 1, d.dials())
}

func TestJoinAndLeaveAreSetOperations(t *testing.T) {
	s, d := connected(t)

	require.NoError(t, s.JoinRoom(JobRoom("1")))
	require.NoError(t, s.JoinRoom(JobRoom("1")))
	require.NoError(t, s.JoinRoom(UserRoom("u1")))
	require.NoError(t, s.LeaveRoom(JobRoom("1")))
	require.NoError(t, s.LeaveRoom(JobRoom("1")))
	require.NoError(t, s.LeaveRoom(JobRoom("never")))

	assert.Equal(t, []string{
		models.EventJoinJobRoom,
		models.EventJoinUserRoom,
		models.EventLeaveJobRoom,
	}, d.conn(0).sentEvents())
	assert.Equal(t, []string{"user:u1"}, s.Rooms())
}

func TestJoinRejectsUnknownRoom(t *testing.T) {
	s, _ := connected(t)
	assert.True(t, errors.Is(s.JoinRoom("lobby"), ErrUnknownRoom))
	assert.True(t, errors.Is(s.JoinRoom("job:"), ErrUnknownRoom))
}

func TestEmitRequiresConnection(t *testing.T) {
	s := New(&fakeDialer{autoAck: true})
	defer s.Close()
	assert.ErrorIs(t, s.Emit("anything", nil), ErrNotConnected)
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	s, d := connected(t)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 4)
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}
	first := s.On(models.EventCleanerLocationUpdate, record("first"))
	s.On(models.EventCleanerLocationUpdate, record("second"))
	assert.Equal(t, 2, s.ListenerCount(models.EventCleanerLocationUpdate))

	d.conn(0).push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "1"})
	<-done
	<-done
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, calls)
	calls = nil
	mu.Unlock()

	assert.True(t, s.Off(first))
	assert.False(t, s.Off(first))
	d.conn(0).push(models.EventCleanerLocationUpdate, models.CleanerLocation{JobID: "1"})
	<-done
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"second"}, calls)
	mu.Unlock()
}

func TestPerEventOrderPreserved(t *testing.T) {
	s, d := connected(t)
	got := make(chan float64, 10)
	s.On(models.EventCleanerLocationUpdate, func(data json.RawMessage) {
		var l models.CleanerLocation
		require.NoError(t, json.Unmarshal(data, &l))
		got <- l.Latitude
	})
	for i := 1; i <= 5; i++ {
		d.conn(0).push(models.EventCleanerLocationUpdate, models.CleanerLocation{Latitude: float64(i)})
	}
	for i := 1; i <= 5; i++ {
		assert.Equal(t, float64(i), <-got)
	}
}

func TestPolicyGuardSuppressesPhoneNumbers(t *testing.T) {
	s, d := connected(t)
	violations := make(chan models.PolicyViolation, 1)
	s.On(models.EventPolicyViolation, func(data json.RawMessage) {
		var v models.PolicyViolation
		_ = json.Unmarshal(data, &v)
		violations <- v
	})

	err := s.SendChat(JobRoom("1"), "call me 0412 345 678")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.NotEmpty(t, errors.FlattenHints(err))

	err = s.SendExtraTimeRequest(models.ExtraTimeRequest{JobID: "1", Reason: "text +61 412 345 678 for details"})
	assert.True(t, errors.Is(err, ErrPolicyViolation))

	select {
	case v := <-violations:
		assert.Equal(t, models.EventChatMessage, v.Event)
	case <-time.After(time.Second):
		t.Fatal("no policy violation notification")
	}
	assert.Empty(t, d.conn(0).sent(), "nothing may reach the connection")

	require.NoError(t, s.SendChat(JobRoom("1"), "running 10 minutes late, sorry"))
	assert.Equal(t, []string{models.EventChatMessage}, d.conn(0).sentEvents())
}

func TestUpdateLocationWireShape(t *testing.T) {
	s, d := connected(t)
	require.NoError(t, s.UpdateLocation("7", models.Coord{Lat: -33.8, Lng: 151.2}))
	sent := d.conn(0).sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventUpdateCleanerLocation, sent[0].Event)
	assert.JSONEq(t, `{"latitude":-33.8,"longitude":151.2,"jobId":"7"}`, string(sent[0].Data))
}

func TestUpdateLocationIsNotScreened(t *testing.T) {
	s, d := connected(t)
	require.NoError(t, s.UpdateLocation("0412345678", models.Coord{Lat: -33.8, Lng: 151.2}))
	assert.Equal(t, []string{models.EventUpdateCleanerLocation}, d.conn(0).sentEvents())

	require.True(t, errors.Is(s.SendChat(JobRoom("0412345678"), "ring 0412 345 678"), ErrPolicyViolation))
	assert.Equal(t, []string{models.EventUpdateCleanerLocation}, d.conn(0).sentEvents())
}

func TestDropDoesNotAutoReconnectAndReconnectRejoins(t *testing.T) {
	s, d := connected(t)
	require.NoError(t, s.JoinRoom(JobRoom("9")))

	disconnected := make(chan struct{}, 1)
	s.On(models.EventDisconnect, func(json.RawMessage) { disconnected <- struct{}{} })

	d.conn(0).Close()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "session must not redial on its own")
	assert.ErrorIs(t, s.Emit("x", nil), ErrNotConnected)

	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, []string{models.EventJoinJobRoom}, d.conn(1).sentEvents())
}

func TestConnectAckTimeout(t *testing.T) {
	s := New(&fakeDialer{}, WithAckTimeout(20*time.Millisecond))
	defer s.Close()
	err := s.Connect(context.Background(), Credential{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnectDialError(t *testing.T) {
	s := New(&fakeDialer{err: errors.New("refused")})
	defer s.Close()
	err := s.Connect(context.Background(), Credential{})
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestReconnectBeforeConnect(t *testing.T) {
	s := New(&fakeDialer{autoAck: true})
	defer s.Close()
	assert.True(t, errors.Is(s.Reconnect(context.Background()), ErrNotConnected))
}

func TestClosedSessionRefusesConnect(t *testing.T) {
	s := New(&fakeDialer{autoAck: true})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background(), Credential{}), ErrClosed)
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	s, d := connected(t)
	got := make(chan struct{}, 1)
	s.On(models.EventError, func(json.RawMessage) { panic("boom") })
	s.On(models.EventError, func(json.RawMessage) { got <- struct{}{} })
	d.conn(0).push(models.EventError, models.ErrorMessage{Message: "x"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second listener not called")
	}
}
