package triage

import "time"

// Disposition is the triage outcome of an event.
type Disposition string

const (
	// DispositionPending means recorded, no decision persisted yet
	DispositionPending Disposition = "pending"

	// DispositionSurfaced means delivered to the user immediately
	DispositionSurfaced Disposition = "surfaced"

	// DispositionSuppressed means dropped as noise or muted
	DispositionSuppressed Disposition = "suppressed"

	// DispositionDigest means held for the next digest
	DispositionDigest Disposition = "digest"

	// DispositionProcessed means included in a drained digest
	DispositionProcessed Disposition = "processed"
)

// Valid reports whether d is one of the known dispositions.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionPending, DispositionSurfaced, DispositionSuppressed, DispositionDigest, DispositionProcessed:
		return true
	}
	return false
}

// Urgency controls how an alert is presented by a Sink.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// RawEvent is what an event source hands to the pipeline.
type RawEvent struct {
	Source           string    `json:"source"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	Sender           string    `json:"sender,omitempty"`
	ConversationHint string    `json:"conversation_hint,omitempty"`
	OriginAt         time.Time `json:"origin_timestamp"`
}

// Event is a recorded notification and its triage state.
type Event struct {
	ID               string      `json:"id"`
	Source           string      `json:"source"`
	Title            string      `json:"title"`
	Body             string      `json:"body"`
	Sender           string      `json:"sender,omitempty"`
	ConversationHint string      `json:"conversation_hint,omitempty"`
	OriginAt         time.Time   `json:"origin_timestamp"`
	IngestedAt       time.Time   `json:"ingestion_timestamp"`
	Disposition      Disposition `json:"disposition"`
	Rationale        string      `json:"rationale,omitempty"`
}

// Text returns the title and body joined for pattern and keyword matching.
func (e *Event) Text() string {
	return e.Title + " " + e.Body
}

// Decision is the engine's verdict for one event.
type Decision struct {
	Disposition Disposition `json:"disposition"`
	Rationale   string      `json:"rationale"`
	Keywords    []string    `json:"matched_keywords,omitempty"`
	Pattern     string      `json:"matched_pattern,omitempty"`
}

// Alert is a user-visible message handed to a Sink.
type Alert struct {
	Title     string
	Body      string
	Urgency   Urgency
	Rationale string
	Source    string
}

// Stats aggregates events ingested within a window.
type Stats struct {
	Window        time.Duration       `json:"-"`
	WindowHours   float64             `json:"timeframe_hours"`
	Total         int                 `json:"total"`
	ByDisposition map[Disposition]int `json:"by_disposition"`
	BySource      map[string]int      `json:"by_source"`
	TopSenders    []SenderCount       `json:"top_senders"`
	Degraded      bool                `json:"degraded,omitempty"`
}

// SenderCount is one row of the top-senders ranking.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// TopSendersLimit caps the top-senders ranking in Stats.
const TopSendersLimit = 10

// NewStats returns an empty Stats for the given window.
func NewStats(window time.Duration) *Stats {
	return &Stats{
		Window:        window,
		WindowHours:   window.Hours(),
		ByDisposition: make(map[Disposition]int),
		BySource:      make(map[string]int),
		TopSenders:    []SenderCount{},
	}
}

// PolicySet is the durable policy state, keyed by normalized strings.
type PolicySet struct {
	VIPs             map[string]string     // sender -> note
	Keywords         map[string]struct{}   // keyword set
	Mutes            map[string]*time.Time // source -> expiry (nil = indefinite)
	SuppressPatterns map[string]struct{}   // pattern set
}

// NewPolicySet returns a PolicySet with all collections initialized.
func NewPolicySet() *PolicySet {
	return &PolicySet{
		VIPs:             make(map[string]string),
		Keywords:         make(map[string]struct{}),
		Mutes:            make(map[string]*time.Time),
		SuppressPatterns: make(map[string]struct{}),
	}
}

// Policies is a display snapshot of the policy mirror.
type Policies struct {
	VIPs             map[string]string `json:"vips"`
	Keywords         []string          `json:"keywords"`
	Muted            map[string]string `json:"muted_sources"`
	SuppressPatterns []string          `json:"suppress_patterns"`
}
