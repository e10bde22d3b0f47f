package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addItem(t *testing.T, store *storage.Store, name, kind string) string {
	t.Helper()
	id := uuid.NewString()
	if err := store.SaveCanonicalItem(storage.CanonicalItem{ID: id, Name: name, Kind: kind, Unit: "each"}); err != nil {
		t.Fatalf("saving item %q: %v", name, err)
	}
	return id
}

func newTestMatcher(store *storage.Store) *Matcher {
	return NewMatcher(store, nil, nil, DefaultConfig())
}

func TestMatch_ExactName(t *testing.T) {
	store := openTestStore(t)
	itemID := addItem(t, store, "PVC Pipe", "material")
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "pvc pipe", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.CanonicalItemID != itemID {
		t.Fatalf("CanonicalItemID = %q, want %q", res.CanonicalItemID, itemID)
	}
	if res.Method != MethodExact {
		t.Errorf("Method = %q, want %q", res.Method, MethodExact)
	}
	if res.Confidence != 0.98 {
		t.Errorf("Confidence = %f, want 0.98", res.Confidence)
	}
}

func TestMatch_ExactIgnoresNoise(t *testing.T) {
	store := openTestStore(t)
	itemID := addItem(t, store, "HVAC Filter", "material")
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "  • HVAC   Filter ", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.CanonicalItemID != itemID {
		t.Errorf("CanonicalItemID = %q, want %q", res.CanonicalItemID, itemID)
	}
}

func TestMatch_Synonym(t *testing.T) {
	store := openTestStore(t)
	itemID := addItem(t, store, "PVC Pipe", "material")
	err := store.SaveSynonym(storage.Synonym{
		ID: uuid.NewString(), CanonicalItemID: itemID, Synonym: "plastic pipe", Weight: 0.9,
	})
	if err != nil {
		t.Fatalf("saving synonym: %v", err)
	}
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "plastic pipe", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.CanonicalItemID != itemID {
		t.Fatalf("CanonicalItemID = %q, want %q", res.CanonicalItemID, itemID)
	}
	if res.Method != MethodSynonym {
		t.Errorf("Method = %q, want %q", res.Method, MethodSynonym)
	}
	if res.Confidence < 0.89 || res.Confidence > 0.91 {
		t.Errorf("Confidence = %f, want ~0.9 (weighted)", res.Confidence)
	}
}

func TestMatch_FuzzyWordOrder(t *testing.T) {
	store := openTestStore(t)
	itemID := addItem(t, store, "PVC Pipe 2 inch", "material")
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "pipe pvc 2 inch", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.CanonicalItemID != itemID {
		t.Fatalf("CanonicalItemID = %q, want %q", res.CanonicalItemID, itemID)
	}
	if res.Method != MethodFuzzy {
		t.Errorf("Method = %q, want %q", res.Method, MethodFuzzy)
	}
	if res.Confidence < 0.86 {
		t.Errorf("Confidence = %f, want >= 0.86", res.Confidence)
	}
}

func TestMatch_Miss(t *testing.T) {
	store := openTestStore(t)
	addItem(t, store, "PVC Pipe", "material")
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "industrial crane rental", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Fatalf("expected miss, matched %q", res.CanonicalItemID)
	}
	if res.Method != MethodNone {
		t.Errorf("Method = %q, want %q", res.Method, MethodNone)
	}
}

func TestMatch_EmptyName(t *testing.T) {
	store := openTestStore(t)
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "   ", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Fatal("expected miss for empty name")
	}
}

func TestMatch_TieBreakPopularity(t *testing.T) {
	store := openTestStore(t)
	// Same normalized name under two kinds; an unscoped match sees both.
	idA := addItem(t, store, "Ball Valve", "material")
	idB := addItem(t, store, "ball valve", "labor")

	sessionID := uuid.NewString()
	if err := store.SaveSession(storage.ValidationSession{
		ID: sessionID, InvoiceID: "inv-1", OverallStatus: storage.StatusAllow,
	}); err != nil {
		t.Fatalf("saving session: %v", err)
	}
	if err := store.SaveLineValidation(storage.LineItemValidation{
		ID: uuid.NewString(), SessionID: sessionID, ItemIndex: 0,
		ItemName: "ball valve", Quantity: 1, UnitPrice: decimal.NewFromInt(10),
		Currency: "USD", CanonicalItemID: idB, Status: storage.StatusAllow,
	}); err != nil {
		t.Fatalf("saving line validation: %v", err)
	}

	m := newTestMatcher(store)
	res, err := m.Match(context.Background(), MatchRequest{Name: "ball valve"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.CanonicalItemID != idB {
		t.Errorf("CanonicalItemID = %q, want more popular %q (other was %q)", res.CanonicalItemID, idB, idA)
	}
}

func TestMatch_TieBreakNameAscending(t *testing.T) {
	store := openTestStore(t)
	addItem(t, store, "drain snake", "labor")
	idA := addItem(t, store, "Drain Snake", "material")
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "drain snake"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	// Equal score, zero usage on both: "Drain Snake" < "drain snake".
	if res.CanonicalItemID != idA {
		t.Errorf("CanonicalItemID = %q, want %q", res.CanonicalItemID, idA)
	}
}

func TestMatch_CacheAndForce(t *testing.T) {
	store := openTestStore(t)
	m := newTestMatcher(store)

	res, err := m.Match(context.Background(), MatchRequest{Name: "pvc pipe", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Fatal("expected initial miss")
	}

	itemID := addItem(t, store, "PVC Pipe", "material")

	// Without force the cached miss is returned.
	res, err = m.Match(context.Background(), MatchRequest{Name: "pvc pipe", Kind: "material"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Fatal("expected cached miss")
	}

	res, err = m.Match(context.Background(), MatchRequest{Name: "pvc pipe", Kind: "material", Force: true})
	if err != nil {
		t.Fatalf("Match with force: %v", err)
	}
	if res.CanonicalItemID != itemID {
		t.Errorf("forced CanonicalItemID = %q, want %q", res.CanonicalItemID, itemID)
	}
}

func TestMatchBatch_OrderAndIsolation(t *testing.T) {
	store := openTestStore(t)
	itemID := addItem(t, store, "PVC Pipe", "material")
	m := newTestMatcher(store)

	reqs := []MatchRequest{
		{LineItemID: "l1", Name: "pvc pipe", Kind: "material"},
		{LineItemID: "l2", Name: "", Kind: "material"},
		{LineItemID: "l3", Name: "PVC Pipe", Kind: "material"},
	}
	results, err := m.MatchBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("MatchBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"l1", "l2", "l3"} {
		if results[i].LineItemID != want {
			t.Errorf("results[%d].LineItemID = %q, want %q", i, results[i].LineItemID, want)
		}
	}
	if results[0].CanonicalItemID != itemID || results[2].CanonicalItemID != itemID {
		t.Error("valid items should match despite the empty item in between")
	}
	if results[1].Matched() {
		t.Error("empty name should miss")
	}
}

func TestMatchBatch_Empty(t *testing.T) {
	m := newTestMatcher(openTestStore(t))
	results, err := m.MatchBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("MatchBatch: %v", err)
	}
	if results != nil {
		t.Errorf("got %v, want nil", results)
	}
}
