package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/storage"
)

func newTestWorker(t *testing.T) (*Worker, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	w := NewWorker(
		s,
		classify.New(nil, nil, classify.Config{Enabled: false}),
		catalog.NewMatcher(s, nil, nil, catalog.DefaultConfig()),
		nil, nil, nil, 0,
	)
	return w, s
}

func enqueueItem(t *testing.T, s *storage.Store, name, kind string) {
	t.Helper()
	payload, _ := json.Marshal(Payload{Name: name, Kind: kind})
	err := s.EnqueueJob(storage.Job{
		ID: uuid.NewString(), Type: storage.JobTypeCatalogIngest, PayloadJSON: string(payload),
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t)
	processed, err := w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if processed {
		t.Fatal("processed work from an empty queue")
	}
}

func TestIngestItem_ScreenedCleanItemEntersCatalog(t *testing.T) {
	w, s := newTestWorker(t)
	enqueueItem(t, s, "copper pipe elbow", "material")

	processed, err := w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !processed {
		t.Fatal("expected a processed job")
	}

	items, err := s.ListCanonicalItems("")
	if err != nil {
		t.Fatalf("ListCanonicalItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Name != "Copper Pipe Elbow" {
		t.Errorf("item name = %q", items[0].Name)
	}
	if items[0].Kind != "material" {
		t.Errorf("item kind = %q", items[0].Kind)
	}
}

func TestIngestItem_RejectedSubmissionDropped(t *testing.T) {
	w, s := newTestWorker(t)
	enqueueItem(t, s, "pepperoni pizza", "")

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	items, err := s.ListCanonicalItems("")
	if err != nil {
		t.Fatalf("ListCanonicalItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected submission entered the catalog: %+v", items)
	}
	props, err := s.ListProposals("", 10)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("rejected submission produced a proposal: %+v", props)
	}
}

func TestIngestItem_AmbiguousSubmissionProposed(t *testing.T) {
	w, s := newTestWorker(t)
	enqueueItem(t, s, "xsaxa", "")

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	items, err := s.ListCanonicalItems("")
	if err != nil {
		t.Fatalf("ListCanonicalItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatal("ambiguous submission entered the catalog directly")
	}

	props, err := s.ListProposals(storage.ProposalPending, 10)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("got %d proposals, want 1", len(props))
	}
	p := props[0]
	if p.TargetEntity != "canonical_item" || p.AnomalyClass != "new_item" {
		t.Errorf("proposal = %+v", p)
	}
	if p.TargetID != "xsaxa" {
		t.Errorf("proposal target = %q", p.TargetID)
	}

	// Requeueing the same submission must not duplicate the proposal.
	enqueueItem(t, s, "xsaxa", "")
	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	props, err = s.ListProposals(storage.ProposalPending, 10)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("got %d proposals after requeue, want 1", len(props))
	}
}

func TestIngestItem_AlreadyMatchableSkips(t *testing.T) {
	w, s := newTestWorker(t)
	err := s.SaveCanonicalItem(storage.CanonicalItem{
		ID: "item-1", Name: "PVC Pipe", Kind: "material", Unit: "each",
	})
	if err != nil {
		t.Fatalf("SaveCanonicalItem: %v", err)
	}
	enqueueItem(t, s, "pvc pipe", "material")

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	items, err := s.ListCanonicalItems("")
	if err != nil {
		t.Fatalf("ListCanonicalItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want the seeded one only", len(items))
	}
}

func TestProcessNext_UnparseablePayloadFails(t *testing.T) {
	w, s := newTestWorker(t)
	err := s.EnqueueJob(storage.Job{
		ID: "bad", Type: storage.JobTypeCatalogIngest, PayloadJSON: "{not json", MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	processed, err := w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !processed {
		t.Fatal("expected the bad job to be claimed")
	}
	// Exhausted after one attempt; the queue is quiet again.
	processed, err = w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if processed {
		t.Fatal("bad job was retried immediately")
	}
}

func TestIngestPriceText_RecordsObservationsForKnownItems(t *testing.T) {
	w, s := newTestWorker(t)
	err := s.SaveCanonicalItem(storage.CanonicalItem{
		ID: "item-1", Name: "PVC Pipe", Kind: "material", Unit: "each",
	})
	if err != nil {
		t.Fatalf("SaveCanonicalItem: %v", err)
	}

	text := "ACME SUPPLY CO PRICE LIST\n" +
		"PVC Pipe ......... $9.50\n" +
		"Unknown Widget ... $3.00\n" +
		"Totally not a price row\n"
	recorded, err := w.ingestPriceText(context.Background(), text, "USD", "price_sheet:test")
	if err != nil {
		t.Fatalf("ingestPriceText: %v", err)
	}
	if recorded != 1 {
		t.Fatalf("recorded = %d, want 1", recorded)
	}
}
