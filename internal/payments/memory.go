package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrUnknownIntent = errors.New("unknown payment intent")

type IntentState string

const (
	IntentHeld      IntentState = "held"
	IntentCaptured  IntentState = "captured"
	IntentCancelled IntentState = "cancelled"
)

type Intent struct {
	ID         string
	Amount     int64
	CustomerID string
	Reference  string
	State      IntentState
}

// Ledger is an in-process processor used when no stripe key is configured
// and in tests.
type Ledger struct {
	mu      sync.Mutex
	seq     int
	intents map[string]*Intent
}

func NewLedger() *Ledger {
	return &Ledger{intents: make(map[string]*Intent)}
}

func (l *Ledger) Hold(_ context.Context, amount int64, customerID, reference string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("pi_local_%d", l.seq)
	l.intents[id] = &Intent{ID: id, Amount: amount, CustomerID: customerID, Reference: reference, State: IntentHeld}
	return id, nil
}

func (l *Ledger) Capture(_ context.Context, id string) error {
	return l.move(id, IntentCaptured)
}

func (l *Ledger) Cancel(_ context.Context, id string) error {
	return l.move(id, IntentCancelled)
}

func (l *Ledger) move(id string, to IntentState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return errors.Wrapf(ErrUnknownIntent, "%s", id)
	}
	if in.State != IntentHeld {
		return errors.Newf("intent %s already %s", id, in.State)
	}
	in.State = to
	return nil
}

// Get returns a copy of the intent.
func (l *Ledger) Get(id string) (Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

// Count returns how many intents are in state.
func (l *Ledger) Count(state IntentState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, in := range l.intents {
		if in.State == state {
			n++
		}
	}
	return n
}
