package models

import (
	"encoding/json"
	"time"
)

// Outcome is the terminal state of an invocation.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDenied    Outcome = "denied"
)

// Billing carries the usage accounting for a single upstream model call.
type Billing struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostEstimate float64 `json:"cost_estimate_usd"`
}

// Invocation records one capability call end to end.
type Invocation struct {
	RequestID  string          `json:"request_id"`
	SessionID  string          `json:"session_id,omitempty"`
	SubjectID  string          `json:"subject_id,omitempty"`
	Kind       Kind            `json:"kind"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Outcome    Outcome         `json:"outcome,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	Billing    *Billing        `json:"billing,omitempty"`
}

// Duration returns the wall time of the invocation.
func (i *Invocation) Duration() time.Duration {
	if i.FinishedAt.IsZero() {
		return 0
	}
	return i.FinishedAt.Sub(i.StartedAt)
}
