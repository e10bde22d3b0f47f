package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// --- Canonical items ---

func (s *Store) SaveCanonicalItem(item CanonicalItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO canonical_items (id, name, kind, unit, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Kind, item.Unit, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCanonicalItem(id string) (CanonicalItem, error) {
	var item CanonicalItem
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, kind, unit, created_at FROM canonical_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Name, &item.Kind, &item.Unit, &createdAt)
	if err == sql.ErrNoRows {
		return CanonicalItem{}, ErrNotFound
	}
	if err != nil {
		return CanonicalItem{}, err
	}
	if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CanonicalItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return item, nil
}

// ListCanonicalItems returns all catalog entries of the given kind, or all
// entries if kind is empty.
func (s *Store) ListCanonicalItems(kind string) ([]CanonicalItem, error) {
	query := `SELECT id, name, kind, unit, created_at FROM canonical_items`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CanonicalItem
	for rows.Next() {
		var item CanonicalItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Name, &item.Kind, &item.Unit, &createdAt); err != nil {
			return nil, err
		}
		if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SearchCanonicalItems returns catalog entries whose name contains the query
// substring (case-insensitive), used by the suggest endpoint.
func (s *Store) SearchCanonicalItems(q, kind string, limit int) ([]CanonicalItem, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT id, name, kind, unit, created_at FROM canonical_items
		WHERE name LIKE ? COLLATE NOCASE`
	args := []any{"%" + q + "%"}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY name ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CanonicalItem
	for rows.Next() {
		var item CanonicalItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Name, &item.Kind, &item.Unit, &createdAt); err != nil {
			return nil, err
		}
		if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Synonyms ---

func (s *Store) SaveSynonym(syn Synonym) error {
	createdAt := syn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	weight := syn.Weight
	if weight == 0 {
		weight = 1.0
	}
	_, err := s.db.Exec(`
		INSERT INTO item_synonyms (id, canonical_item_id, synonym, weight, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		syn.ID, syn.CanonicalItemID, syn.Synonym, weight, createdAt.Format(time.RFC3339),
	)
	return err
}

// ListSynonyms returns every synonym row, including orphans whose canonical
// item no longer exists (the safety scan depends on seeing those).
func (s *Store) ListSynonyms() ([]Synonym, error) {
	rows, err := s.db.Query(`
		SELECT id, canonical_item_id, synonym, weight, created_at FROM item_synonyms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var syns []Synonym
	for rows.Next() {
		var syn Synonym
		var createdAt string
		if err := rows.Scan(&syn.ID, &syn.CanonicalItemID, &syn.Synonym, &syn.Weight, &createdAt); err != nil {
			return nil, err
		}
		if syn.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for synonym %s: %w", syn.ID, err)
		}
		syns = append(syns, syn)
	}
	return syns, rows.Err()
}

// SearchSynonyms returns synonyms containing the query substring, for suggest.
func (s *Store) SearchSynonyms(q string, limit int) ([]Synonym, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, canonical_item_id, synonym, weight, created_at FROM item_synonyms
		WHERE synonym LIKE ? COLLATE NOCASE LIMIT ?`, "%"+q+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var syns []Synonym
	for rows.Next() {
		var syn Synonym
		var createdAt string
		if err := rows.Scan(&syn.ID, &syn.CanonicalItemID, &syn.Synonym, &syn.Weight, &createdAt); err != nil {
			return nil, err
		}
		if syn.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for synonym %s: %w", syn.ID, err)
		}
		syns = append(syns, syn)
	}
	return syns, rows.Err()
}

// --- Price bands ---

func (s *Store) GetPriceBand(canonicalItemID, currency string) (PriceBand, error) {
	var b PriceBand
	var minPrice, maxPrice, updatedAt string
	err := s.db.QueryRow(`
		SELECT canonical_item_id, currency, min_price, max_price, unit, source, updated_at
		FROM price_bands WHERE canonical_item_id = ? AND currency = ?`,
		canonicalItemID, currency,
	).Scan(&b.CanonicalItemID, &b.Currency, &minPrice, &maxPrice, &b.Unit, &b.Source, &updatedAt)
	if err == sql.ErrNoRows {
		return PriceBand{}, ErrNotFound
	}
	if err != nil {
		return PriceBand{}, err
	}
	return scanPriceBand(b, minPrice, maxPrice, updatedAt)
}

// ListPriceBands returns every band row; the safety scan walks all of them.
func (s *Store) ListPriceBands() ([]PriceBand, error) {
	rows, err := s.db.Query(`
		SELECT canonical_item_id, currency, min_price, max_price, unit, source, updated_at
		FROM price_bands`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bands []PriceBand
	for rows.Next() {
		var b PriceBand
		var minPrice, maxPrice, updatedAt string
		if err := rows.Scan(&b.CanonicalItemID, &b.Currency, &minPrice, &maxPrice, &b.Unit, &b.Source, &updatedAt); err != nil {
			return nil, err
		}
		parsed, err := scanPriceBand(b, minPrice, maxPrice, updatedAt)
		if err != nil {
			return nil, err
		}
		bands = append(bands, parsed)
	}
	return bands, rows.Err()
}

// UpsertPriceBand writes a band, replacing any existing row for the same
// item and currency. Only the feedback apply step calls this.
func (s *Store) UpsertPriceBand(b PriceBand) error {
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO price_bands (canonical_item_id, currency, min_price, max_price, unit, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_item_id, currency) DO UPDATE SET
			min_price = excluded.min_price,
			max_price = excluded.max_price,
			unit = excluded.unit,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		b.CanonicalItemID, b.Currency, b.MinPrice.String(), b.MaxPrice.String(),
		b.Unit, b.Source, updatedAt.Format(time.RFC3339),
	)
	return err
}

func scanPriceBand(b PriceBand, minPrice, maxPrice, updatedAt string) (PriceBand, error) {
	var err error
	if b.MinPrice, err = decimal.NewFromString(minPrice); err != nil {
		return PriceBand{}, fmt.Errorf("parsing min_price for %s: %w", b.CanonicalItemID, err)
	}
	if b.MaxPrice, err = decimal.NewFromString(maxPrice); err != nil {
		return PriceBand{}, fmt.Errorf("parsing max_price for %s: %w", b.CanonicalItemID, err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return PriceBand{}, fmt.Errorf("parsing updated_at for %s: %w", b.CanonicalItemID, err)
	}
	return b, nil
}

// --- Rules ---

func (s *Store) SaveRule(r Rule) error {
	active := 0
	if r.Active {
		active = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO rules (id, rule_type, a_item_id, b_item_id, max_qty, scope_type, scope_value, decision, rationale, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RuleType, r.AItemID, r.BItemID, r.MaxQty, r.ScopeType, r.ScopeValue, r.Decision, r.Rationale, active,
	)
	return err
}

// ListActiveRules returns every active rule.
func (s *Store) ListActiveRules() ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, rule_type, a_item_id, b_item_id, max_qty, scope_type, scope_value, decision, rationale, active
		FROM rules WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var active int
		if err := rows.Scan(&r.ID, &r.RuleType, &r.AItemID, &r.BItemID, &r.MaxQty,
			&r.ScopeType, &r.ScopeValue, &r.Decision, &r.Rationale, &active); err != nil {
			return nil, err
		}
		r.Active = active == 1
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// --- Usage and price observations ---

// UsageCounts returns, per canonical item, how many validated line items
// referenced it since the cutoff. Drives match tie-breaks, suggest ranking,
// and the missing-band scan threshold.
func (s *Store) UsageCounts(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT canonical_item_id, COUNT(*) FROM line_item_validations
		WHERE canonical_item_id != '' AND created_at >= ?
		GROUP BY canonical_item_id`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Store) SavePriceObservation(o PriceObservation) error {
	observedAt := o.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO price_observations (id, canonical_item_id, unit_price, currency, source, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.CanonicalItemID, o.UnitPrice.String(), o.Currency, o.Source,
		observedAt.Format(time.RFC3339),
	)
	return err
}

// RecentPrices returns positive observed unit prices for an item since the
// cutoff: explicit price observations plus prices from validated line items.
func (s *Store) RecentPrices(canonicalItemID string, since time.Time) ([]decimal.Decimal, error) {
	cutoff := since.UTC().Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT unit_price FROM price_observations
		WHERE canonical_item_id = ? AND observed_at >= ?
		UNION ALL
		SELECT unit_price FROM line_item_validations
		WHERE canonical_item_id = ? AND created_at >= ?`,
		canonicalItemID, cutoff, canonicalItemID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing observed price %q: %w", raw, err)
		}
		if p.IsPositive() {
			prices = append(prices, p)
		}
	}
	return prices, rows.Err()
}
