// Package dispatch delivers lifecycle events to parties: live over the relay
// first, falling back to a push provider when nobody is connected.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Publisher is the live path, normally the relay hub.
type Publisher interface {
	Publish(room, event string, payload interface{}) int
}

// Pusher sends an out-of-band notification to one user.
type Pusher interface {
	Push(ctx context.Context, userID, event string, payload interface{}) error
}

// Fanout publishes live and pushes to user rooms nobody is listening on.
type Fanout struct {
	Live    Publisher
	Push    Pusher
	Logger  *slog.Logger
	Timeout time.Duration
}

func (f *Fanout) Publish(room, event string, payload interface{}) int {
	n := 0
	if f.Live != nil {
		n = f.Live.Publish(room, event, payload)
	}
	userID, ok := strings.CutPrefix(room, "user:")
	if n > 0 || !ok || f.Push == nil {
		return n
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := f.Push.Push(ctx, userID, event, payload); err != nil {
		if f.Logger != nil {
			f.Logger.Warn("push fallback failed", "user_id", userID, "event", event, "error", err)
		}
		return 0
	}
	return 1
}
