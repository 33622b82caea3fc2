// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"

	"github.com/shopspring/decimal"
)

// AggregatorClient fetches transactions from the account-data aggregator.
type AggregatorClient interface {
	// FetchRange returns every transaction posted in [start, end], paging
	// internally. Malformed records are reported in the result, not as an error.
	FetchRange(ctx context.Context, accessToken string, start, end time.Time, accountFilter []string) (*domain.RangeResult, error)
	// FetchDeltaPage returns one page of changes since cursor. An empty cursor
	// starts from the beginning of the item's history.
	FetchDeltaPage(ctx context.Context, accessToken, cursor string, accountFilter []string) (*domain.DeltaPage, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	// Load returns the cached value or calls load on a miss; hit reports which.
	Load(key string, load func() (T, error)) (value T, hit bool, err error)
}

// TokenSealer seals and opens aggregator access tokens at rest.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// HistoryFilter selects ledger rows for the historical category lookup.
// Nil/empty fields are not filtered on. At most one of the MerchantNorm*
// fields is expected to be set.
type HistoryFilter struct {
	Source         string
	MerchantRaw    *string
	DescriptionRaw *string

	MerchantNorm string
	// MerchantNormContains matches ledger rows whose merchant_norm contains the value.
	MerchantNormContains string
	// MerchantNormWithin matches ledger rows whose merchant_norm occurs inside the value.
	MerchantNormWithin string
}

// LedgerFilter narrows ledger listings. Zero values mean no restriction.
type LedgerFilter struct {
	From          *time.Time
	To            *time.Time
	TxnType       domain.TxnType
	Uncategorized bool
}

// LedgerStore is the permanent transaction store.
type LedgerStore interface {
	// ExistsByContent reports whether a live ledger row has the same date,
	// absolute amount and normalized description.
	ExistsByContent(ctx context.Context, date time.Time, absAmount decimal.Decimal, descNorm string) (bool, error)
	// LatestCategory returns the category of the newest categorized row matching f, or nil.
	LatestCategory(ctx context.Context, f HistoryFilter) (*domain.CategoryRef, error)

	// InTx runs fn inside one database transaction. Any error rolls back everything fn wrote.
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	GetLedger(ctx context.Context, id string) (*domain.LedgerTransaction, error)
	ListLedger(ctx context.Context, f LedgerFilter) ([]domain.LedgerTransaction, error)
	SoftDeleteByExternalID(ctx context.Context, externalIDs []string) (int, error)
	// UpdateCategory sets the category of one row; amount and dedup hash are untouched.
	UpdateCategory(ctx context.Context, id string, cat *domain.CategoryRef) error
	UnmappedMerchants(ctx context.Context, limit int) ([]domain.UnmappedMerchant, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// LedgerTx is the subset of ledger writes used inside a commit batch.
type LedgerTx interface {
	ExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	// ExistsByContentAndCategory is the commit-time content check: same date,
	// absolute amount, normalized description and category.
	ExistsByContentAndCategory(ctx context.Context, date time.Time, absAmount decimal.Decimal, descNorm string, cat *domain.CategoryRef) (bool, error)
	// Insert writes t inside a savepoint. A unique-constraint violation returns
	// (false, nil) and leaves the surrounding transaction usable.
	Insert(ctx context.Context, t *domain.LedgerTransaction) (bool, error)
}

// StagingStore persists import sessions and staged transactions.
type StagingStore interface {
	CreateSession(ctx context.Context, s *domain.ImportSession) error
	GetSession(ctx context.Context, id string) (*domain.ImportSession, error)
	// UpdateSessionResult records the final summary and produced cursor.
	UpdateSessionResult(ctx context.Context, id string, summary domain.ImportSummary, cursorOut string) error

	InsertStaged(ctx context.Context, rows []domain.StagedTransaction) error
	GetStaged(ctx context.Context, id string) (*domain.StagedTransaction, error)
	// ListStaged returns a session's rows, optionally restricted to statuses,
	// ordered excluded, ready, needs_category, duplicate, others; then date desc.
	ListStaged(ctx context.Context, sessionID string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error)
	UpdateStaged(ctx context.Context, row *domain.StagedTransaction) error

	// ListPendingLinked returns a session's rows that reference a pending record.
	ListPendingLinked(ctx context.Context, sessionID string) ([]domain.StagedTransaction, error)
	// FindAllByExternalID returns every staged row with that external id,
	// across sessions, oldest first.
	FindAllByExternalID(ctx context.Context, externalID string) ([]domain.StagedTransaction, error)
	// FindByRawPair returns staged rows with exactly that merchant name and name
	// in any of the given statuses.
	FindByRawPair(ctx context.Context, merchantName, name string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error)
}

// RuleStore persists mapping rules.
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.MappingRule, error)
	GetRule(ctx context.Context, id string) (*domain.MappingRule, error)
	// CreateRule assigns ID, Seq and timestamps.
	CreateRule(ctx context.Context, r *domain.MappingRule) error
	UpdateRule(ctx context.Context, r *domain.MappingRule) error
	DeleteRule(ctx context.Context, id string) error
}

// CategoryStore resolves categories and subcategories.
type CategoryStore interface {
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	// GetOrCreateCategory finds a category by name under parentID (empty for
	// top level), creating it when missing.
	GetOrCreateCategory(ctx context.Context, name, parentID string) (*domain.Category, error)
}

// AccountStore resolves aggregator accounts.
type AccountStore interface {
	// EnsureAccount returns the account with that external id, creating an
	// import-enabled one with defaultSource when missing.
	EnsureAccount(ctx context.Context, externalID, defaultSource string) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetImportEnabled(ctx context.Context, id string, enabled bool) error
}

// ItemStore persists aggregator connections and their sync cursors.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	// SaveItem upserts the item, including its sealed access token.
	SaveItem(ctx context.Context, item *domain.Item) error
	SaveCursor(ctx context.Context, itemID, cursor string) error
}

// Store bundles every persistence port so adapters can be swapped as one unit.
type Store interface {
	LedgerStore
	StagingStore
	RuleStore
	CategoryStore
	AccountStore
	ItemStore
}
