package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// QuerySessionSummary counts closed claims of a session. A session without
// closed claims yields a zero summary.
func (s *Store) QuerySessionSummary(ctx context.Context, sessionID int64) (SessionSummary, error) {
	summary := SessionSummary{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(duration_seconds), 0), COALESCE(SUM(duration_seconds), 0)
		FROM claims
		WHERE session_id = ? AND duration_seconds IS NOT NULL`,
		sessionID,
	).Scan(&summary.ClaimsProcessed, &summary.AvgClaimDuration, &summary.TotalTimeSeconds)
	if err != nil {
		return summary, fmt.Errorf("query session summary %d: %w", sessionID, classify(err))
	}
	return summary, nil
}

// QueryClaimMetrics groups closed claims by type.
func (s *Store) QueryClaimMetrics(ctx context.Context, f ClaimFilter) ([]ClaimTypeMetrics, error) {
	where := []string{"c.duration_seconds IS NOT NULL"}
	var args []interface{}
	if !f.From.IsZero() {
		where = append(where, "c.start_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "c.start_ms < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.ClaimType != "" {
		where = append(where, "c.claim_type = ?")
		args = append(args, f.ClaimType)
	}
	if f.User != "" {
		where = append(where, "s.user_id = ?")
		args = append(args, f.User)
	}

	query := `
		SELECT c.claim_type, COUNT(*), AVG(c.duration_seconds), MIN(c.duration_seconds), MAX(c.duration_seconds)
		FROM claims c JOIN sessions s ON s.id = c.session_id
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY c.claim_type
		ORDER BY c.claim_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query claim metrics: %w", classify(err))
	}
	defer rows.Close()

	var out []ClaimTypeMetrics
	for rows.Next() {
		var m ClaimTypeMetrics
		if err := rows.Scan(&m.ClaimType, &m.TotalClaims, &m.AvgDuration, &m.MinDuration, &m.MaxDuration); err != nil {
			return nil, fmt.Errorf("scan claim metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueryUserMetrics aggregates sessions, claims and events of user.
func (s *Store) QueryUserMetrics(ctx context.Context, user string) (UserMetrics, error) {
	m := UserMetrics{User: user}

	var lastSession, lastEvent sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE user_id = ?),
			(SELECT COUNT(*) FROM claims c JOIN sessions s ON s.id = c.session_id WHERE s.user_id = ?),
			(SELECT COALESCE(AVG(c.duration_seconds), 0) FROM claims c JOIN sessions s ON s.id = c.session_id
				WHERE s.user_id = ? AND c.duration_seconds IS NOT NULL),
			(SELECT COUNT(*) FROM events e JOIN sessions s ON s.id = e.session_id WHERE s.user_id = ?),
			(SELECT MAX(start_ms) FROM sessions WHERE user_id = ?),
			(SELECT MAX(e.at_ms) FROM events e JOIN sessions s ON s.id = e.session_id WHERE s.user_id = ?)`,
		user, user, user, user, user, user,
	).Scan(&m.TotalSessions, &m.TotalClaims, &m.AvgClaimDuration, &m.TotalEvents, &lastSession, &lastEvent)
	if err != nil {
		return m, fmt.Errorf("query user metrics %s: %w", user, classify(err))
	}

	last := lastSession.Int64
	if lastEvent.Valid && lastEvent.Int64 > last {
		last = lastEvent.Int64
	}
	if lastSession.Valid || lastEvent.Valid {
		t := time.UnixMilli(last)
		m.LastActivity = &t
	}

	types, err := s.QueryClaimMetrics(ctx, ClaimFilter{User: user})
	if err != nil {
		return m, err
	}
	m.ClaimTypes = types
	return m, nil
}

// ListClaims returns the claims of a session in start order.
func (s *Store) ListClaims(ctx context.Context, sessionID int64) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, external_id, claim_number, claim_type, start_ms, end_ms, duration_seconds
		FROM claims WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", classify(err))
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var (
			c        Claim
			number   sql.NullString
			startMS  int64
			endMS    sql.NullInt64
			duration sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ExternalID, &number, &c.ClaimType, &startMS, &endMS, &duration); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.ClaimNumber = number.String
		c.Start = time.UnixMilli(startMS)
		if endMS.Valid {
			end := time.UnixMilli(endMS.Int64)
			c.End = &end
		}
		if duration.Valid {
			d := int(duration.Int64)
			c.DurationSeconds = &d
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListEvents returns up to limit events of a session in insertion order.
// A limit of zero or less returns every event.
func (s *Store) ListEvents(ctx context.Context, sessionID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, claim_id, event_type, payload, at_ms
		FROM events WHERE session_id = ? ORDER BY id LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			claimID sql.NullInt64
			atMS    int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &claimID, &e.Type, &e.Payload, &atMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ClaimID = claimID.Int64
		e.At = time.UnixMilli(atMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
