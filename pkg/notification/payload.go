package notification

import "time"

// Payload hospital alert body.
type Payload struct {
	Timestamp         time.Time `json:"timestamp"`
	Severity          string    `json:"severity"`
	Confidence        float64   `json:"confidence"`
	Symptoms          []string  `json:"symptoms"`
	Language          string    `json:"language"`
	SessionID         string    `json:"sessionId"`
	RecommendedAction string    `json:"recommendedAction"`
}

// Outcome of one dispatch attempt.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDropped    Outcome = "dropped"
)

// Result reports what happened to a payload.
type Result struct {
	Payload  Payload
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Suppressed reports whether the per-session rate limit held the payload back.
func (r Result) Suppressed() bool {
	return r.Outcome == OutcomeSuppressed
}
