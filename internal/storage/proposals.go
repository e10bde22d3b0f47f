package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateProposal inserts a proposal unless one already exists for the same
// (target_entity, target_id, anomaly_class) tuple. Returns true when a new
// row was created, false when the tuple was already present — that is what
// makes the safety scan idempotent.
func (s *Store) CreateProposal(p Proposal) (bool, error) {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := p.Status
	if status == "" {
		status = ProposalPending
	}
	res, err := s.db.Exec(`
		INSERT INTO proposals (id, target_entity, target_id, anomaly_class, proposed_change, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_entity, target_id, anomaly_class) DO NOTHING`,
		p.ID, p.TargetEntity, p.TargetID, p.AnomalyClass, p.ProposedChange,
		p.Reason, status, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetProposal(id string) (Proposal, error) {
	var p Proposal
	var createdAt string
	var decidedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, target_entity, target_id, anomaly_class, proposed_change, reason, status, created_at, decided_by, decided_at
		FROM proposals WHERE id = ?`, id,
	).Scan(&p.ID, &p.TargetEntity, &p.TargetID, &p.AnomalyClass, &p.ProposedChange,
		&p.Reason, &p.Status, &createdAt, &p.DecidedBy, &decidedAt)
	if err == sql.ErrNoRows {
		return Proposal{}, ErrNotFound
	}
	if err != nil {
		return Proposal{}, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Proposal{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if decidedAt.Valid && decidedAt.String != "" {
		if p.DecidedAt, err = time.Parse(time.RFC3339, decidedAt.String); err != nil {
			return Proposal{}, fmt.Errorf("parsing decided_at: %w", err)
		}
	}
	return p, nil
}

// ListProposals returns proposals filtered by status, newest first. Empty
// status returns all.
func (s *Store) ListProposals(status string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, target_entity, target_id, anomaly_class, proposed_change, reason, status, created_at, decided_by, decided_at
		FROM proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []Proposal
	for rows.Next() {
		var p Proposal
		var createdAt string
		var decidedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.TargetEntity, &p.TargetID, &p.AnomalyClass,
			&p.ProposedChange, &p.Reason, &p.Status, &createdAt, &p.DecidedBy, &decidedAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
		}
		if decidedAt.Valid && decidedAt.String != "" {
			if p.DecidedAt, err = time.Parse(time.RFC3339, decidedAt.String); err != nil {
				return nil, fmt.Errorf("parsing decided_at for %s: %w", p.ID, err)
			}
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// DecideProposal transitions a PENDING proposal to APPROVED or DENIED.
// Returns ErrNotFound for unknown ids and the current row unchanged when the
// proposal was already decided.
func (s *Store) DecideProposal(id, status, decidedBy string) (Proposal, error) {
	p, err := s.GetProposal(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != ProposalPending {
		return p, nil
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE proposals SET status = ?, decided_by = ?, decided_at = ? WHERE id = ? AND status = ?`,
		status, decidedBy, now.Format(time.RFC3339), id, ProposalPending)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = status
	p.DecidedBy = decidedBy
	p.DecidedAt = now
	return p, nil
}

// --- Feedback ---

func (s *Store) SaveFeedback(f Feedback) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO feedback (id, session_id, line_id, action, note, by_user, proposal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, f.LineID, f.Action, f.Note, f.ByUser, f.ProposalID,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListFeedback(lineID string) ([]Feedback, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, line_id, action, note, by_user, proposal_id, created_at
		FROM feedback WHERE line_id = ? ORDER BY created_at ASC`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fbs []Feedback
	for rows.Next() {
		var f Feedback
		var createdAt string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.LineID, &f.Action, &f.Note,
			&f.ByUser, &f.ProposalID, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", f.ID, err)
		}
		fbs = append(fbs, f)
	}
	return fbs, rows.Err()
}
