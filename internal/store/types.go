package store

import "time"

// NewClaim is the input to InsertClaim.
type NewClaim struct {
	SessionID   int64
	ExternalID  string
	ClaimNumber string
	ClaimType   string
	Start       time.Time
}

// NewEvent is the input to InsertEvent. Payload is serialized JSON.
type NewEvent struct {
	SessionID int64
	ClaimID   int64
	Type      string
	Payload   []byte
	At        time.Time
}

// Claim is a stored claim row.
type Claim struct {
	ID              int64      `json:"id"`
	SessionID       int64      `json:"session_id"`
	ExternalID      string     `json:"external_id"`
	ClaimNumber     string     `json:"claim_number,omitempty"`
	ClaimType       string     `json:"claim_type"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

// Event is a stored event row.
type Event struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	ClaimID   int64     `json:"claim_id,omitempty"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	At        time.Time `json:"at"`
}

// SessionSummary aggregates the closed claims of one session.
type SessionSummary struct {
	SessionID        int64   `json:"session_id"`
	ClaimsProcessed  int     `json:"claims_processed"`
	AvgClaimDuration float64 `json:"avg_claim_duration"`
	TotalTimeSeconds int     `json:"total_time_seconds"`
}

// ClaimTypeMetrics aggregates closed claims of one type.
type ClaimTypeMetrics struct {
	ClaimType   string  `json:"claim_type"`
	TotalClaims int     `json:"total_claims"`
	AvgDuration float64 `json:"avg_duration"`
	MinDuration int     `json:"min_duration"`
	MaxDuration int     `json:"max_duration"`
}

// ClaimFilter narrows QueryClaimMetrics. Zero fields are ignored; From and
// To bound the claim start time, To exclusive.
type ClaimFilter struct {
	From      time.Time
	To        time.Time
	ClaimType string
	User      string
}

// UserMetrics aggregates everything recorded for one user.
type UserMetrics struct {
	User             string             `json:"user"`
	TotalSessions    int                `json:"total_sessions"`
	TotalClaims      int                `json:"total_claims"`
	AvgClaimDuration float64            `json:"avg_claim_duration"`
	TotalEvents      int                `json:"total_events"`
	LastActivity     *time.Time         `json:"last_activity,omitempty"`
	ClaimTypes       []ClaimTypeMetrics `json:"claim_types"`
}
