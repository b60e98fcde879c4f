package models

import "time"

// Coord is a WGS84 position. Values are copied between components, never shared.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type JobStatus string

const (
	JobPosted              JobStatus = "posted"
	JobQuoted              JobStatus = "quoted"
	JobAccepted            JobStatus = "accepted"
	JobInProgress          JobStatus = "in_progress"
	JobPendingConfirmation JobStatus = "pending_confirmation"
	JobCompleted           JobStatus = "completed"
	JobCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobCancelled }

type Frequency string

const (
	OneTime Frequency = "one-time"
	Weekly  Frequency = "weekly"
)

type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type QuoteStatus string

const (
	QuotePending   QuoteStatus = "pending"
	QuoteAccepted  QuoteStatus = "accepted"
	QuoteRejected  QuoteStatus = "rejected"
	QuoteWithdrawn QuoteStatus = "withdrawn"
)

type Quote struct {
	ID        string      `json:"id"`
	CleanerID string      `json:"cleaner_id"`
	Amount    int64       `json:"amount"` // minor units
	Message   string      `json:"message,omitempty"`
	Status    QuoteStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Recurrence is the weekly rule a weekly job expands into occurrences from.
type Recurrence struct {
	RepeatWeeks   int                   `json:"repeat_weeks"`
	PreferredDays map[time.Weekday]bool `json:"preferred_days"`
}

type Evidence struct {
	BeforePhotos []string `json:"before_photos,omitempty"`
	AfterPhotos  []string `json:"after_photos,omitempty"`
}

func (e Evidence) Complete() bool { return len(e.BeforePhotos) > 0 && len(e.AfterPhotos) > 0 }

type Job struct {
	ID              string      `json:"id"`
	Status          JobStatus   `json:"status"`
	Frequency       Frequency   `json:"frequency"`
	ScheduledDate   time.Time   `json:"scheduled_date"`
	Location        Location    `json:"location"`
	CustomerID      string      `json:"customer_id"`
	CleanerID       string      `json:"cleaner_id,omitempty"`
	AcceptedQuoteID string      `json:"accepted_quote_id,omitempty"`
	Quotes          []Quote     `json:"quotes,omitempty"`
	Recurrence      *Recurrence `json:"recurrence,omitempty"`
	Evidence        Evidence    `json:"evidence"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AcceptedQuote returns the single accepted quote, if any.
func (j *Job) AcceptedQuote() (Quote, bool) {
	for _, q := range j.Quotes {
		if q.Status == QuoteAccepted {
			return q, true
		}
	}
	return Quote{}, false
}

type OccurrenceStatus string

const (
	OccurrencePending                     OccurrenceStatus = "pending"
	OccurrenceInProgress                  OccurrenceStatus = "in_progress"
	OccurrencePendingCustomerConfirmation OccurrenceStatus = "pending_customer_confirmation"
	OccurrenceCompleted                   OccurrenceStatus = "completed"
)

type Occurrence struct {
	ID              string           `json:"id"`
	JobID           string           `json:"job_id"`
	Label           string           `json:"label"`
	Week            int              `json:"week"`
	Day             time.Weekday     `json:"day"`
	ScheduledDate   time.Time        `json:"scheduled_date"`
	Status          OccurrenceStatus `json:"status"`
	Evidence        Evidence         `json:"evidence"`
	Amount          int64            `json:"amount"`
	PaymentIntentID string           `json:"payment_intent_id,omitempty"`
	ConfirmedAt     *time.Time       `json:"confirmed_at,omitempty"`
}

// PhotoCounts returns the number of before and after photos.
func (o *Occurrence) PhotoCounts() (before, after int) {
	return len(o.Evidence.BeforePhotos), len(o.Evidence.AfterPhotos)
}

type ExtraTimeStatus string

const (
	ExtraTimePending  ExtraTimeStatus = "pending"
	ExtraTimeAccepted ExtraTimeStatus = "accepted"
	ExtraTimeRejected ExtraTimeStatus = "rejected"
)

type ExtraTimeRequest struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	OccurrenceID string          `json:"occurrence_id,omitempty"`
	CleanerID    string          `json:"cleaner_id"`
	CustomerID   string          `json:"customer_id"`
	ExtraMinutes int             `json:"extra_minutes"`
	ExtraAmount  int64           `json:"extra_amount"`
	Reason       string          `json:"reason"`
	Status       ExtraTimeStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`

	// PaymentIntentID holds the extra amount once accepted; Captured flips
	// when the owning job or occurrence is confirmed.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Captured        bool   `json:"captured,omitempty"`
}

// LocationSample is one reading of the cleaner's device. It is never persisted
// client side and each sample supersedes the previous one.
type LocationSample struct {
	JobID      string    `json:"job_id,omitempty"`
	CleanerID  string    `json:"cleaner_id,omitempty"`
	Coord      Coord     `json:"coord"`
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot is the server-authoritative state of a job at fetch time.
type Snapshot struct {
	Job              Job                `json:"job"`
	Occurrences      []Occurrence       `json:"occurrences,omitempty"`
	PendingExtraTime []ExtraTimeRequest `json:"pending_extra_time,omitempty"`
}
