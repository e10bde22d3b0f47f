package pipeline

import (
	"errors"
	"testing"

	"github.com/kalambet/lineguard/internal/storage"
)

func TestApplyFeedback_ApproveAllowsLine(t *testing.T) {
	f := newFixture(t)
	id := reviewedLine(t, f, "mystery blorp")

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: id, Action: ActionApprove, ByUser: "reviewer"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	r := results[0]
	if r.Err != "" {
		t.Fatalf("result error: %s", r.Err)
	}
	if !r.Applied || r.Status != storage.StatusAllow {
		t.Fatalf("result = %+v, want applied ALLOW", r)
	}

	v, err := f.store.GetLineValidation(id)
	if err != nil {
		t.Fatalf("GetLineValidation: %v", err)
	}
	if v.Status != storage.StatusAllow {
		t.Errorf("line status = %q, want ALLOW", v.Status)
	}

	fbs, err := f.store.ListFeedback(id)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(fbs) != 1 || fbs[0].Action != ActionApprove || fbs[0].ByUser != "reviewer" {
		t.Fatalf("feedback = %+v", fbs)
	}

	sess, err := f.store.GetSessionByInvoice("inv-rv")
	if err != nil {
		t.Fatalf("GetSessionByInvoice: %v", err)
	}
	if sess.OverallStatus != storage.StatusAllow {
		t.Errorf("session status = %q, want ALLOW", sess.OverallStatus)
	}
}

func TestApplyFeedback_DenyAndRequestInfo(t *testing.T) {
	f := newFixture(t)
	id := reviewedLine(t, f, "mystery blorp")

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: id, Action: ActionRequestInfo, ByUser: "reviewer"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if results[0].Status != storage.StatusAwaitingInfo {
		t.Fatalf("status = %q, want AWAITING_INFO", results[0].Status)
	}

	// AWAITING_INFO still admits a re-validation back into review but not a
	// direct approval, so denial goes through review first.
	v, _ := f.store.GetLineValidation(id)
	if v.Status != storage.StatusAwaitingInfo {
		t.Fatalf("line status = %q", v.Status)
	}
}

func TestApplyFeedback_DenyRejectsLine(t *testing.T) {
	f := newFixture(t)
	id := reviewedLine(t, f, "mystery blorp")

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: id, Action: ActionDeny, ByUser: "reviewer", Note: "wrong vendor"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if results[0].Status != storage.StatusReject {
		t.Fatalf("status = %q, want REJECT", results[0].Status)
	}
}

func TestApplyFeedback_InvalidTransitionFolded(t *testing.T) {
	f := newFixture(t)
	id := reviewedLine(t, f, "mystery blorp")

	// Decide it once.
	if _, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: id, Action: ActionDeny, ByUser: "reviewer"},
	}, false); err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}

	// A second decision on a terminal line fails per-item, not per-batch.
	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: id, Action: ActionApprove, ByUser: "reviewer"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if results[0].Err == "" || results[0].Applied {
		t.Fatalf("result = %+v, want folded error", results[0])
	}
}

func TestApplyFeedback_ApproveBandProposal(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "drain snake")

	created, err := f.store.CreateProposal(storage.Proposal{
		ID:           "p1",
		TargetEntity: "price_band",
		TargetID:     itemID + "/USD",
		AnomalyClass: "band_anomaly",
		ProposedChange: `{"current_range":["20","5"],"suggested_range":["5.00","15.00"],"currency":"USD"}`,
		Reason:       "min greater than max",
	})
	if err != nil || !created {
		t.Fatalf("CreateProposal: created=%v err=%v", created, err)
	}

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{ProposalID: "p1", Action: ActionApprove, ByUser: "reviewer"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if results[0].Err != "" || !results[0].Applied {
		t.Fatalf("result = %+v", results[0])
	}

	band, err := f.store.GetPriceBand(itemID, "USD")
	if err != nil {
		t.Fatalf("GetPriceBand: %v", err)
	}
	if band.MinPrice.String() != "5" || band.MaxPrice.String() != "15" {
		t.Errorf("band = %s-%s, want 5-15", band.MinPrice, band.MaxPrice)
	}
	if band.Source != "proposal:p1" {
		t.Errorf("band source = %q", band.Source)
	}
}

func TestApplyFeedback_DryRunSkipsBandUpdate(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "drain snake")

	if _, err := f.store.CreateProposal(storage.Proposal{
		ID: "p1", TargetEntity: "price_band", TargetID: itemID + "/USD",
		AnomalyClass:   "band_anomaly",
		ProposedChange: `{"suggested_range":["5.00","15.00"],"currency":"USD"}`,
		Reason:         "min greater than max",
	}); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{ProposalID: "p1", Action: ActionApprove, ByUser: "reviewer"},
	}, true)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if results[0].Err != "" {
		t.Fatalf("result error: %s", results[0].Err)
	}
	if results[0].Applied {
		t.Error("dry run applied the band update")
	}
	if _, err := f.store.GetPriceBand(itemID, "USD"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPriceBand err = %v, want ErrNotFound", err)
	}
	// The proposal decision itself is still recorded.
	p, err := f.store.GetProposal("p1")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if p.Status != storage.ProposalApproved {
		t.Errorf("proposal status = %q", p.Status)
	}
}

func TestApplyFeedback_DenyProposalLeavesDataAlone(t *testing.T) {
	f := newFixture(t)
	itemID := f.addItem(t, "drain snake")

	if _, err := f.store.CreateProposal(storage.Proposal{
		ID: "p1", TargetEntity: "price_band", TargetID: itemID + "/USD",
		AnomalyClass:   "band_anomaly",
		ProposedChange: `{"suggested_range":["5.00","15.00"]}`,
		Reason:         "r",
	}); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}

	if _, err := f.orch.ApplyFeedback([]FeedbackItem{
		{ProposalID: "p1", Action: ActionDeny, ByUser: "reviewer"},
	}, false); err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}

	p, err := f.store.GetProposal("p1")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if p.Status != storage.ProposalDenied {
		t.Errorf("proposal status = %q, want DENIED", p.Status)
	}
	if _, err := f.store.GetPriceBand(itemID, "USD"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPriceBand err = %v, want ErrNotFound", err)
	}
}

func TestApplyFeedback_BatchKeepsOrder(t *testing.T) {
	f := newFixture(t)
	id := reviewedLine(t, f, "mystery blorp")

	results, err := f.orch.ApplyFeedback([]FeedbackItem{
		{LineID: "missing", Action: ActionApprove, ByUser: "reviewer"},
		{LineID: id, Action: ActionApprove, ByUser: "reviewer"},
		{Action: "SHRUG", ByUser: "reviewer"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err == "" {
		t.Error("expected error for missing line")
	}
	if results[1].Err != "" || results[1].Status != storage.StatusAllow {
		t.Errorf("result 1 = %+v", results[1])
	}
	if results[2].Err == "" {
		t.Error("expected error for unknown action")
	}
}

func TestApplyFeedback_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.ApplyFeedback(nil, false); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
