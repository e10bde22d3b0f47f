package retrieval

import (
	"context"
	"time"
)

// Index is the interface for catalog-vector storage and similarity search.
// The default implementation is SQLite with brute-force cosine similarity,
// which is plenty for catalogs in the tens of thousands of items. An
// ANN-backed implementation can replace it behind this interface; use
// ExportAll to migrate data between backends.
type Index interface {
	// Insert adds entries to the index.
	Insert(entries []Entry) error

	// Search returns the top-K entries most similar to the query vector,
	// highest score first.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredEntry, error)

	// GetByIDs returns entries matching the given entry IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Entry, error)

	// DeleteBySource removes every entry indexed for the given source row,
	// e.g. all name variants of one canonical item.
	DeleteBySource(sourceID string) error

	// Count returns the number of entries in the index.
	Count() (int, error)

	// ExportAll returns every entry, oldest first.
	ExportAll() ([]Entry, error)
}

// Entry is one embedded catalog text: a canonical item name or one of its
// synonyms. SourceID points at the canonical item row.
type Entry struct {
	ID         string
	SourceID   string
	SourceType string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
	Tags       string // JSON array stored as text
}

// Source types for Entry.SourceType.
const (
	SourceCanonicalItem = "canonical_item"
	SourceSynonym       = "synonym"
)

// ScoredEntry is an Entry with a cosine similarity score attached.
type ScoredEntry struct {
	Entry
	Score float32
}
