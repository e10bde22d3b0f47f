// Package rules evaluates invoice-level business rules over matched line
// items: quantity caps, duplicates, mutually exclusive items, and required
// companion items.
package rules

import (
	"fmt"

	"github.com/kalambet/lineguard/internal/storage"
)

// Rule types.
const (
	TypeMaxQty          = "MAX_QTY"
	TypeCannotDuplicate = "CANNOT_DUPLICATE"
	TypeMutex           = "MUTEX"
	TypeRequires        = "REQUIRES"
)

// Item is one matched line item as seen by the rules engine.
type Item struct {
	CanonicalItemID string
	Name            string
	Quantity        float64
}

// Violation describes one failed rule.
type Violation struct {
	RuleID    string
	RuleType  string
	ItemName  string
	OtherName string
	ActualQty float64
	MaxQty    float64
	Rationale string
}

// String renders the violation as a risk-factor label.
func (v Violation) String() string {
	switch v.RuleType {
	case TypeMaxQty:
		return fmt.Sprintf("rule %s: %s quantity %.2f exceeds max %.2f", v.RuleType, v.ItemName, v.ActualQty, v.MaxQty)
	case TypeCannotDuplicate:
		return fmt.Sprintf("rule %s: %s appears %.0f times", v.RuleType, v.ItemName, v.ActualQty)
	case TypeMutex:
		return fmt.Sprintf("rule %s: %s and %s cannot appear together", v.RuleType, v.ItemName, v.OtherName)
	case TypeRequires:
		return fmt.Sprintf("rule %s: %s requires %s", v.RuleType, v.ItemName, v.OtherName)
	}
	return "rule violation"
}

// Engine evaluates active rules against a batch of matched items.
type Engine struct {
	store *storage.Store
}

func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

// Evaluate returns every violation across the batch. Unmatched items (empty
// CanonicalItemID) are ignored; rules only bind resolved catalog entries.
func (e *Engine) Evaluate(items []Item) ([]Violation, error) {
	rules, err := e.store.ListActiveRules()
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	counts := make(map[string]float64)
	names := make(map[string]string)
	for _, it := range items {
		if it.CanonicalItemID == "" {
			continue
		}
		counts[it.CanonicalItemID] += it.Quantity
		names[it.CanonicalItemID] = it.Name
	}

	name := func(id string) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return id
	}

	var violations []Violation
	for _, r := range rules {
		switch r.RuleType {
		case TypeMaxQty:
			qty, present := counts[r.AItemID]
			if present && qty > r.MaxQty {
				violations = append(violations, Violation{
					RuleID: r.ID, RuleType: TypeMaxQty,
					ItemName: name(r.AItemID), ActualQty: qty, MaxQty: r.MaxQty,
					Rationale: r.Rationale,
				})
			}
		case TypeCannotDuplicate:
			// More than one unit total counts as a duplicate, whether on
			// one line or spread across several.
			if qty, present := counts[r.AItemID]; present && qty > 1 {
				violations = append(violations, Violation{
					RuleID: r.ID, RuleType: TypeCannotDuplicate,
					ItemName: name(r.AItemID), ActualQty: qty,
					Rationale: r.Rationale,
				})
			}
		case TypeMutex:
			_, hasA := counts[r.AItemID]
			_, hasB := counts[r.BItemID]
			if hasA && hasB {
				violations = append(violations, Violation{
					RuleID: r.ID, RuleType: TypeMutex,
					ItemName: name(r.AItemID), OtherName: name(r.BItemID),
					Rationale: r.Rationale,
				})
			}
		case TypeRequires:
			_, hasA := counts[r.AItemID]
			_, hasB := counts[r.BItemID]
			if hasA && !hasB {
				violations = append(violations, Violation{
					RuleID: r.ID, RuleType: TypeRequires,
					ItemName: name(r.AItemID), OtherName: r.BItemID,
					Rationale: r.Rationale,
				})
			}
		}
	}
	return violations, nil
}
