package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// --- Validation sessions ---

func (s *Store) SaveSession(sess ValidationSession) error {
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO validation_sessions (id, invoice_id, created_at, overall_status, execution_time_ms, service_line_name, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.InvoiceID, createdAt.Format(time.RFC3339),
		sess.OverallStatus, sess.ExecutionTimeMs, sess.ServiceLineName, sess.Notes,
	)
	// The driver reports the UNIQUE(invoice_id) violation only by message;
	// translate it here so callers can errors.Is instead of string-matching.
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: %s", ErrDuplicateInvoice, sess.InvoiceID)
	}
	return err
}

func (s *Store) GetSession(id string) (ValidationSession, error) {
	return s.getSessionWhere("id = ?", id)
}

func (s *Store) GetSessionByInvoice(invoiceID string) (ValidationSession, error) {
	return s.getSessionWhere("invoice_id = ?", invoiceID)
}

func (s *Store) getSessionWhere(cond string, arg any) (ValidationSession, error) {
	var sess ValidationSession
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, invoice_id, created_at, overall_status, execution_time_ms, service_line_name, notes
		FROM validation_sessions WHERE `+cond, arg,
	).Scan(&sess.ID, &sess.InvoiceID, &createdAt, &sess.OverallStatus,
		&sess.ExecutionTimeMs, &sess.ServiceLineName, &sess.Notes)
	if err == sql.ErrNoRows {
		return ValidationSession{}, ErrNotFound
	}
	if err != nil {
		return ValidationSession{}, err
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ValidationSession{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sess, nil
}

// PatchSession updates the mutable session metadata (status, duration,
// notes). The execution history itself is never updated.
func (s *Store) PatchSession(id, overallStatus string, executionTimeMs int64, notes string) error {
	res, err := s.db.Exec(`
		UPDATE validation_sessions SET overall_status = ?, execution_time_ms = ?, notes = ? WHERE id = ?`,
		overallStatus, executionTimeMs, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRecentSessions(limit int) ([]ValidationSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, invoice_id, created_at, overall_status, execution_time_ms, service_line_name, notes
		FROM validation_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ValidationSession
	for rows.Next() {
		var sess ValidationSession
		var createdAt string
		if err := rows.Scan(&sess.ID, &sess.InvoiceID, &createdAt, &sess.OverallStatus,
			&sess.ExecutionTimeMs, &sess.ServiceLineName, &sess.Notes); err != nil {
			return nil, err
		}
		if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", sess.ID, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Agent executions ---

// SaveExecution appends one stage record. The UNIQUE(session_id,
// execution_order) constraint rejects out-of-order duplicates, so callers
// must serialize order assignment (the audit recorder does).
func (s *Store) SaveExecution(e AgentExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_executions (id, session_id, stage_name, execution_order, start_time, end_time, input_snapshot, output_snapshot, confidence, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.StageName, e.ExecutionOrder,
		e.StartTime.UTC().Format(time.RFC3339Nano), e.EndTime.UTC().Format(time.RFC3339Nano),
		e.InputSnapshot, e.OutputSnapshot, e.Confidence, e.Status,
	)
	return err
}

func (s *Store) ListExecutions(sessionID string) ([]AgentExecution, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, stage_name, execution_order, start_time, end_time, input_snapshot, output_snapshot, confidence, status
		FROM agent_executions WHERE session_id = ? ORDER BY execution_order ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []AgentExecution
	for rows.Next() {
		var e AgentExecution
		var start, end string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StageName, &e.ExecutionOrder,
			&start, &end, &e.InputSnapshot, &e.OutputSnapshot, &e.Confidence, &e.Status); err != nil {
			return nil, err
		}
		if e.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("parsing start_time for %s: %w", e.ID, err)
		}
		if e.EndTime, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("parsing end_time for %s: %w", e.ID, err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// MaxExecutionOrder returns the highest execution_order recorded for the
// session, or 0 when none exist.
func (s *Store) MaxExecutionOrder(sessionID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(execution_order) FROM agent_executions WHERE session_id = ?`, sessionID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// --- Line item validations ---

func (s *Store) SaveLineValidation(v LineItemValidation) error {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO line_item_validations (id, session_id, item_index, item_name, quantity, unit, unit_price, currency, canonical_item_id, match_confidence, status, decision, confidence, risk_factors, attempt, context_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, v.ItemIndex, v.ItemName, v.Quantity, v.Unit,
		v.UnitPrice.String(), v.Currency, v.CanonicalItemID, v.MatchConfidence,
		v.Status, v.Decision, v.Confidence, v.RiskFactors, v.Attempt, v.ContextHash,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// UpdateLineValidation overwrites the decision fields after a re-validation
// pass. The original input fields (name, quantity, price) stay as submitted.
func (s *Store) UpdateLineValidation(v LineItemValidation) error {
	res, err := s.db.Exec(`
		UPDATE line_item_validations
		SET canonical_item_id = ?, match_confidence = ?, status = ?, decision = ?,
			confidence = ?, risk_factors = ?, attempt = ?, context_hash = ?
		WHERE id = ?`,
		v.CanonicalItemID, v.MatchConfidence, v.Status, v.Decision,
		v.Confidence, v.RiskFactors, v.Attempt, v.ContextHash, v.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetLineValidation(id string) (LineItemValidation, error) {
	row := s.db.QueryRow(lineValidationSelect+` WHERE id = ?`, id)
	return scanLineValidation(row)
}

func (s *Store) ListLineValidations(sessionID string) ([]LineItemValidation, error) {
	rows, err := s.db.Query(lineValidationSelect+` WHERE session_id = ? ORDER BY item_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vals []LineItemValidation
	for rows.Next() {
		v, err := scanLineValidation(rows)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, rows.Err()
}

const lineValidationSelect = `
	SELECT id, session_id, item_index, item_name, quantity, unit, unit_price, currency, canonical_item_id, match_confidence, status, decision, confidence, risk_factors, attempt, context_hash, created_at
	FROM line_item_validations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLineValidation(row rowScanner) (LineItemValidation, error) {
	var v LineItemValidation
	var unitPrice, createdAt string
	err := row.Scan(&v.ID, &v.SessionID, &v.ItemIndex, &v.ItemName, &v.Quantity,
		&v.Unit, &unitPrice, &v.Currency, &v.CanonicalItemID, &v.MatchConfidence,
		&v.Status, &v.Decision, &v.Confidence, &v.RiskFactors, &v.Attempt,
		&v.ContextHash, &createdAt)
	if err == sql.ErrNoRows {
		return LineItemValidation{}, ErrNotFound
	}
	if err != nil {
		return LineItemValidation{}, err
	}
	if v.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return LineItemValidation{}, fmt.Errorf("parsing unit_price for %s: %w", v.ID, err)
	}
	if v.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return LineItemValidation{}, fmt.Errorf("parsing created_at for %s: %w", v.ID, err)
	}
	return v, nil
}

// --- Explanations ---

func (s *Store) SaveExplanation(e Explanation) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO explanations (id, validation_id, level, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ValidationID, e.Level, e.Content, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListExplanations(validationID string) ([]Explanation, error) {
	rows, err := s.db.Query(`
		SELECT id, validation_id, level, content, created_at
		FROM explanations WHERE validation_id = ? ORDER BY created_at ASC, level ASC`, validationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exps []Explanation
	for rows.Next() {
		var e Explanation
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ValidationID, &e.Level, &e.Content, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
		}
		exps = append(exps, e)
	}
	return exps, rows.Err()
}
