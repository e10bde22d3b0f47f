// Package audit persists the append-only transparency trail: one session per
// invoice submission, ordered stage executions, per-line decisions, and
// layered explanations.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lineguard/internal/storage"
)

// Recorder writes audit records. Stage order assignment is serialized here
// so concurrent stages within one session still get disjoint, strictly
// increasing execution orders; the stage computation itself is not locked.
type Recorder struct {
	store  *storage.Store
	logger *slog.Logger

	mu        sync.Mutex
	nextOrder map[string]int
}

func NewRecorder(store *storage.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		logger:    logger,
		nextOrder: make(map[string]int),
	}
}

// StartSession creates a session for the invoice. Invoice IDs are unique;
// resubmitting an invoice that already has a session is a storage error the
// caller surfaces.
func (r *Recorder) StartSession(invoiceID, serviceLineName string) (storage.ValidationSession, error) {
	sess := storage.ValidationSession{
		ID:              uuid.NewString(),
		InvoiceID:       invoiceID,
		CreatedAt:       time.Now().UTC(),
		OverallStatus:   storage.StatusNew,
		ServiceLineName: serviceLineName,
	}
	if err := r.store.SaveSession(sess); err != nil {
		return storage.ValidationSession{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// FinishSession patches the mutable session metadata once the pipeline is
// done. The recorded execution history is never touched.
func (r *Recorder) FinishSession(sessionID, overallStatus string, executionTime time.Duration, notes string) error {
	return r.store.PatchSession(sessionID, overallStatus, executionTime.Milliseconds(), notes)
}

// StageRecord describes one completed pipeline stage.
type StageRecord struct {
	SessionID  string
	StageName  string
	StartTime  time.Time
	EndTime    time.Time
	Input      any
	Output     any
	Confidence float64
	Status     string
}

// RecordStage appends one stage execution with the next order number for the
// session. Input and output are snapshotted as JSON.
func (r *Recorder) RecordStage(rec StageRecord) error {
	input, err := snapshot(rec.Input)
	if err != nil {
		return fmt.Errorf("snapshotting stage input: %w", err)
	}
	output, err := snapshot(rec.Output)
	if err != nil {
		return fmt.Errorf("snapshotting stage output: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.nextOrder[rec.SessionID]
	if !ok {
		max, err := r.store.MaxExecutionOrder(rec.SessionID)
		if err != nil {
			return fmt.Errorf("loading execution order: %w", err)
		}
		order = max + 1
	}

	err = r.store.SaveExecution(storage.AgentExecution{
		ID:             uuid.NewString(),
		SessionID:      rec.SessionID,
		StageName:      rec.StageName,
		ExecutionOrder: order,
		StartTime:      rec.StartTime,
		EndTime:        rec.EndTime,
		InputSnapshot:  input,
		OutputSnapshot: output,
		Confidence:     rec.Confidence,
		Status:         rec.Status,
	})
	if err != nil {
		return fmt.Errorf("recording stage %s: %w", rec.StageName, err)
	}
	r.nextOrder[rec.SessionID] = order + 1
	return nil
}

func snapshot(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RecordLineValidation persists one per-line decision, assigning an ID when
// missing.
func (r *Recorder) RecordLineValidation(v storage.LineItemValidation) (storage.LineItemValidation, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if err := r.store.SaveLineValidation(v); err != nil {
		return storage.LineItemValidation{}, fmt.Errorf("recording line validation: %w", err)
	}
	return v, nil
}

// UpdateLineValidation overwrites the decision fields after a re-validation
// pass.
func (r *Recorder) UpdateLineValidation(v storage.LineItemValidation) error {
	return r.store.UpdateLineValidation(v)
}

// RecordExplanation attaches one explanation level to a line validation.
func (r *Recorder) RecordExplanation(validationID, level, content string) error {
	return r.store.SaveExplanation(storage.Explanation{
		ID:           uuid.NewString(),
		ValidationID: validationID,
		Level:        level,
		Content:      content,
	})
}

// LineTrace is one line's decision plus its explanations.
type LineTrace struct {
	Validation   storage.LineItemValidation
	Explanations []storage.Explanation
}

// Trace is the full replayable history of one invoice validation.
type Trace struct {
	Session    storage.ValidationSession
	Executions []storage.AgentExecution
	Lines      []LineTrace
}

// GetValidationTrace returns the ordered trace for an invoice, or
// storage.ErrNotFound when the invoice was never validated.
func (r *Recorder) GetValidationTrace(invoiceID string) (*Trace, error) {
	sess, err := r.store.GetSessionByInvoice(invoiceID)
	if err != nil {
		return nil, err
	}

	execs, err := r.store.ListExecutions(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	vals, err := r.store.ListLineValidations(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing line validations: %w", err)
	}

	lines := make([]LineTrace, 0, len(vals))
	for _, v := range vals {
		exps, err := r.store.ListExplanations(v.ID)
		if err != nil {
			return nil, fmt.Errorf("listing explanations: %w", err)
		}
		lines = append(lines, LineTrace{Validation: v, Explanations: exps})
	}

	return &Trace{Session: sess, Executions: execs, Lines: lines}, nil
}
