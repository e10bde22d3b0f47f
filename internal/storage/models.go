package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateInvoice is returned when a validation session already exists
// for the invoice.
var ErrDuplicateInvoice = errors.New("invoice already validated")

// Line item statuses as they move through the validation pipeline.
// AWAITING_INFO and AWAITING_INGEST are holding states; ALLOW and REJECT
// are terminal.
const (
	StatusNew            = "NEW"
	StatusAwaitingMatch  = "AWAITING_MATCH"
	StatusMatched        = "MATCHED"
	StatusAwaitingIngest = "AWAITING_INGEST"
	StatusAllow          = "ALLOW"
	StatusNeedsReview    = "NEEDS_REVIEW"
	StatusReject         = "REJECT"
	StatusAwaitingInfo   = "AWAITING_INFO"
)

// Proposal statuses. Proposals are never auto-applied; only an explicit
// human APPROVE transitions them out of PENDING.
const (
	ProposalPending  = "PENDING"
	ProposalApproved = "APPROVED"
	ProposalDenied   = "DENIED"
)

// CanonicalItem is a normalized catalog entry free-text names resolve to.
type CanonicalItem struct {
	ID        string
	Name      string
	Kind      string // "material", "equipment", "labor"
	Unit      string
	CreatedAt time.Time
}

// Synonym maps an alternative spelling to a canonical item. Weight scales
// the fuzzy match score for this synonym (0..1].
type Synonym struct {
	ID              string
	CanonicalItemID string
	Synonym         string
	Weight          float64
	CreatedAt       time.Time
}

// PriceBand is the expected [min,max] unit-price range for a canonical item
// in one currency.
type PriceBand struct {
	CanonicalItemID string
	Currency        string
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	Unit            string
	Source          string
	UpdatedAt       time.Time
}

// Rule is one business rule. Quantity rules (MAX_QTY, CANNOT_DUPLICATE,
// MUTEX, REQUIRES) reference canonical items; policy rules carry a scope
// and an ALLOW/DENY decision and are what the conflict scan inspects.
type Rule struct {
	ID         string
	RuleType   string
	AItemID    string
	BItemID    string
	MaxQty     float64
	ScopeType  string
	ScopeValue string
	Decision   string
	Rationale  string
	Active     bool
}

// ValidationSession is one invoice's full validation run.
type ValidationSession struct {
	ID              string
	InvoiceID       string
	CreatedAt       time.Time
	OverallStatus   string
	ExecutionTimeMs int64
	ServiceLineName string
	Notes           string
}

// AgentExecution is one ordered pipeline-stage record owned by a session.
// ExecutionOrder is strictly increasing per session; together the rows form
// the replayable trace.
type AgentExecution struct {
	ID             string
	SessionID      string
	StageName      string
	ExecutionOrder int
	StartTime      time.Time
	EndTime        time.Time
	InputSnapshot  string // JSON
	OutputSnapshot string // JSON
	Confidence     float64
	Status         string // "completed", "failed", "degraded"
}

// LineItemValidation is the per-item decision within a session. Attempt
// counts completed re-validation passes; ContextHash fingerprints the last
// additionalContext so an unchanged resubmission never flips the decision.
type LineItemValidation struct {
	ID              string
	SessionID       string
	ItemIndex       int
	ItemName        string
	Quantity        float64
	Unit            string
	UnitPrice       decimal.Decimal
	Currency        string
	CanonicalItemID string
	MatchConfidence float64
	Status          string
	Decision        string
	Confidence      float64
	RiskFactors     string // JSON array stored as text
	Attempt         int
	ContextHash     string
	CreatedAt       time.Time
}

// Explanation is one level of reasoning attached to a line item validation.
type Explanation struct {
	ID           string
	ValidationID string
	Level        string // "summary", "detailed", "technical"
	Content      string
	CreatedAt    time.Time
}

// Proposal is a suggested, human-approvable correction to catalog or band
// data. The (TargetEntity, TargetID, AnomalyClass) tuple is unique so
// re-scanning unchanged data cannot duplicate it.
type Proposal struct {
	ID             string
	TargetEntity   string // "price_band", "canonical_item", "synonym", "rule"
	TargetID       string
	AnomalyClass   string
	ProposedChange string // JSON
	Reason         string
	Status         string
	CreatedAt      time.Time
	DecidedBy      string
	DecidedAt      time.Time
}

// Feedback is one human decision on a reviewed line item.
type Feedback struct {
	ID         string
	SessionID  string
	LineID     string
	Action     string // "APPROVE", "DENY", "REQUEST_INFO"
	Note       string
	ByUser     string
	ProposalID string
	CreatedAt  time.Time
}

// PriceObservation is a single observed unit price for a canonical item,
// either from validated invoices or ingested vendor price sheets. The
// safety scan derives suggested band ranges from these.
type PriceObservation struct {
	ID              string
	CanonicalItemID string
	UnitPrice       decimal.Decimal
	Currency        string
	Source          string
	ObservedAt      time.Time
}

// Job is one queued unit of background work (catalog ingest).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
