package db

import (
	"database/sql"
	"fmt"
	"time"
)

// JobMatch links a plan blueprint to an industry job.
type JobMatch struct {
	MatchID         int64      `json:"match_id"`
	PlanID          int64      `json:"plan_id"`
	PlanBlueprintID int64      `json:"plan_blueprint_id"`
	JobID           int64      `json:"job_id"`
	CharacterID     int64      `json:"character_id"`
	Quantity        int64      `json:"quantity"`
	Confidence      float64    `json:"confidence"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// TransactionMatch links a wallet transaction to a plan material or product.
type TransactionMatch struct {
	MatchID       int64      `json:"match_id"`
	PlanID        int64      `json:"plan_id"`
	TransactionID int64      `json:"transaction_id"`
	CharacterID   int64      `json:"character_id"`
	TypeID        int32      `json:"type_id"`
	MatchType     string     `json:"match_type"`
	Quantity      int64      `json:"quantity"`
	Confidence    float64    `json:"confidence"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// ProposeJobMatches inserts job-match candidates, skipping subjects that
// already have a pending or confirmed row. Returns the number inserted.
func (s *PlanStore) ProposeJobMatches(matches []JobMatch) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, m := range matches {
		var exists int
		err := tx.QueryRow(`
			SELECT 1 FROM plan_job_matches
			WHERE plan_id = ? AND plan_blueprint_id = ? AND job_id = ?
			  AND status IN ('pending', 'confirmed')`,
			m.PlanID, m.PlanBlueprintID, m.JobID).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return 0, err
		}
		if _, err := tx.Exec(`
			INSERT INTO plan_job_matches (plan_id, plan_blueprint_id, job_id,
				character_id, quantity, confidence, reason, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
			m.PlanID, m.PlanBlueprintID, m.JobID, m.CharacterID,
			m.Quantity, m.Confidence, m.Reason); err != nil {
			return 0, err
		}
		inserted++
	}
	return inserted, tx.Commit()
}

// ProposeTransactionMatches inserts transaction-match candidates with the
// same de-duplication rule as job matches.
func (s *PlanStore) ProposeTransactionMatches(matches []TransactionMatch) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, m := range matches {
		var exists int
		err := tx.QueryRow(`
			SELECT 1 FROM plan_transaction_matches
			WHERE plan_id = ? AND transaction_id = ? AND type_id = ? AND match_type = ?
			  AND status IN ('pending', 'confirmed')`,
			m.PlanID, m.TransactionID, m.TypeID, m.MatchType).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return 0, err
		}
		if _, err := tx.Exec(`
			INSERT INTO plan_transaction_matches (plan_id, transaction_id, character_id,
				type_id, match_type, quantity, confidence, reason, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
			m.PlanID, m.TransactionID, m.CharacterID, m.TypeID, m.MatchType,
			m.Quantity, m.Confidence, m.Reason); err != nil {
			return 0, err
		}
		inserted++
	}
	return inserted, tx.Commit()
}

// ConfirmJobMatch moves a pending job match to confirmed.
func (s *PlanStore) ConfirmJobMatch(matchID int64) error {
	return s.setMatchStatus("plan_job_matches", matchID, "pending", "confirmed")
}

// RejectJobMatch moves a pending job match to rejected. Rejection is
// terminal until a new candidate is proposed.
func (s *PlanStore) RejectJobMatch(matchID int64) error {
	return s.setMatchStatus("plan_job_matches", matchID, "pending", "rejected")
}

// UnlinkJobMatch reverts a confirmed job match to pending, same match id.
func (s *PlanStore) UnlinkJobMatch(matchID int64) error {
	return s.setMatchStatus("plan_job_matches", matchID, "confirmed", "pending")
}

// ConfirmTransactionMatch moves a pending transaction match to confirmed.
func (s *PlanStore) ConfirmTransactionMatch(matchID int64) error {
	return s.setMatchStatus("plan_transaction_matches", matchID, "pending", "confirmed")
}

// RejectTransactionMatch moves a pending transaction match to rejected.
func (s *PlanStore) RejectTransactionMatch(matchID int64) error {
	return s.setMatchStatus("plan_transaction_matches", matchID, "pending", "rejected")
}

// UnlinkTransactionMatch reverts a confirmed transaction match to pending.
func (s *PlanStore) UnlinkTransactionMatch(matchID int64) error {
	return s.setMatchStatus("plan_transaction_matches", matchID, "confirmed", "pending")
}

func (s *PlanStore) setMatchStatus(table string, matchID int64, from, to string) error {
	switch table {
	case "plan_job_matches", "plan_transaction_matches":
	default:
		return fmt.Errorf("%w: unknown match table", ErrConstraint)
	}

	var confirmedAt interface{}
	confirmedBy := 0
	if to == "confirmed" {
		confirmedAt = time.Now().UnixMilli()
		confirmedBy = 1
	}
	res, err := s.db.Exec(fmt.Sprintf(`
		UPDATE %s SET status = ?, confirmed_at = ?, confirmed_by_user = ?
		WHERE match_id = ? AND status = ?`, table),
		to, confirmedAt, confirmedBy, matchID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := s.db.QueryRow(fmt.Sprintf(`SELECT status FROM %s WHERE match_id = ?`, table),
			matchID).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: match %d is %s, expected %s", ErrConflict, matchID, cur, from)
	}
	return nil
}

// ListJobMatches returns a plan's job matches, optionally filtered by status.
func (s *PlanStore) ListJobMatches(planID int64, status string) ([]JobMatch, error) {
	query := `
		SELECT match_id, plan_id, plan_blueprint_id, job_id, character_id,
			COALESCE(quantity, 0), confidence, reason, status, confirmed_at
		FROM plan_job_matches WHERE plan_id = ?`
	args := []interface{}{planID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY confidence DESC, match_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobMatch
	for rows.Next() {
		var m JobMatch
		var confirmedMs sql.NullInt64
		if err := rows.Scan(&m.MatchID, &m.PlanID, &m.PlanBlueprintID, &m.JobID,
			&m.CharacterID, &m.Quantity, &m.Confidence, &m.Reason, &m.Status,
			&confirmedMs); err != nil {
			return nil, err
		}
		if confirmedMs.Valid {
			t := time.UnixMilli(confirmedMs.Int64)
			m.ConfirmedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTransactionMatches returns a plan's transaction matches, optionally
// filtered by status.
func (s *PlanStore) ListTransactionMatches(planID int64, status string) ([]TransactionMatch, error) {
	query := `
		SELECT match_id, plan_id, transaction_id, character_id, type_id, match_type,
			COALESCE(quantity, 0), confidence, reason, status, confirmed_at
		FROM plan_transaction_matches WHERE plan_id = ?`
	args := []interface{}{planID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY confidence DESC, match_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionMatch
	for rows.Next() {
		var m TransactionMatch
		var confirmedMs sql.NullInt64
		if err := rows.Scan(&m.MatchID, &m.PlanID, &m.TransactionID, &m.CharacterID,
			&m.TypeID, &m.MatchType, &m.Quantity, &m.Confidence, &m.Reason,
			&m.Status, &confirmedMs); err != nil {
			return nil, err
		}
		if confirmedMs.Valid {
			t := time.UnixMilli(confirmedMs.Int64)
			m.ConfirmedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
