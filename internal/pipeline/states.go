package pipeline

import "github.com/kalambet/lineguard/internal/storage"

// validTransitions encodes the per-line state machine:
//
//	NEW -> AWAITING_MATCH -> MATCHED | AWAITING_INGEST
//	MATCHED -> ALLOW | NEEDS_REVIEW | REJECT
//	NEEDS_REVIEW -> ALLOW | NEEDS_REVIEW | REJECT | AWAITING_INFO
//
// ALLOW and REJECT are terminal; AWAITING_INFO and AWAITING_INGEST hold for
// external action.
var validTransitions = map[string][]string{
	storage.StatusNew:           {storage.StatusAwaitingMatch},
	storage.StatusAwaitingMatch: {storage.StatusMatched, storage.StatusAwaitingIngest},
	storage.StatusMatched:       {storage.StatusAllow, storage.StatusNeedsReview, storage.StatusReject},
	storage.StatusNeedsReview: {
		storage.StatusAllow, storage.StatusNeedsReview,
		storage.StatusReject, storage.StatusAwaitingInfo,
	},
	storage.StatusAwaitingInfo:   {storage.StatusNeedsReview},
	storage.StatusAwaitingIngest: {storage.StatusAwaitingMatch},
}

// CanTransition reports whether moving from one status to another is a valid
// step in the state machine.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	return status == storage.StatusAllow || status == storage.StatusReject
}

// IsHolding reports whether the status waits on external action rather than
// the pipeline.
func IsHolding(status string) bool {
	return status == storage.StatusAwaitingInfo || status == storage.StatusAwaitingIngest
}

// KnownStatus reports whether the status belongs to the state machine at all.
func KnownStatus(status string) bool {
	switch status {
	case storage.StatusNew, storage.StatusAwaitingMatch, storage.StatusMatched,
		storage.StatusAwaitingIngest, storage.StatusAllow, storage.StatusNeedsReview,
		storage.StatusReject, storage.StatusAwaitingInfo:
		return true
	}
	return false
}
