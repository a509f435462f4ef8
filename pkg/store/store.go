// Package store defines the packet storage contract shared by the
// persistent (SQLite) and in-memory backends. Both backends must evaluate
// filters identically and assemble results under the same pagination and
// summary rules.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/model"
)

var (
	// ErrNotInitialized is returned when an operation runs before
	// Initialize or after Close.
	ErrNotInitialized = errors.New("store: not initialized")

	// ErrUnsupportedFilter is returned by the persistent backend for
	// filters carrying an opaque predicate or sub-filter composition,
	// which cannot be lowered to SQL. The call fails rather than
	// silently approximating the filter.
	ErrUnsupportedFilter = errors.New("store: filter not translatable to SQL")

	// ErrNilQuery is returned for a nil query argument.
	ErrNilQuery = errors.New("store: nil query")

	// ErrEmptyPath is returned by Initialize for an empty path.
	ErrEmptyPath = errors.New("store: empty database path")
)

// SortDirection orders query results by frame number.
type SortDirection int

const (
	SortAscending SortDirection = iota
	SortDescending
)

// PacketQuery describes one paginated query against a store.
type PacketQuery struct {
	Filter *filter.PacketFilter

	// PageNumber is 1-based and clamps to 1. When a summary is computed
	// it additionally clamps down to the last valid page.
	PageNumber int

	// PageSize clamps to at least 1. No maximum is enforced.
	PageSize int

	IncludeSummary bool
	IncludePackets bool

	Sort SortDirection
}

// Bounds returns the clamped page number and page size.
func (q *PacketQuery) Bounds() (page, size int) {
	page, size = q.PageNumber, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	return page, size
}

// PacketQueryResult is one page of matches plus streaming aggregates.
// The summary fields are zero/nil unless the query asked for a summary.
type PacketQueryResult struct {
	// Packets holds at most PageSize records in the requested order.
	Packets []model.PacketRecord

	// TotalCount reflects all matches regardless of pagination.
	TotalCount int64

	TotalBytes  int64
	ThreatCount int64

	// FirstTimestamp/LastTimestamp span the full match set; nil when
	// nothing matched or no summary was requested.
	FirstTimestamp *time.Time
	LastTimestamp  *time.Time
}

// PacketStore is the contract consumed by ingestion and analysis
// collaborators. Implementations own their underlying connection or
// collections exclusively; results are independent copies, never views.
type PacketStore interface {
	// Initialize prepares the backing storage at path. Idempotent:
	// re-initializing disposes any prior connection first.
	Initialize(path string) error

	// InsertPackets appends a batch atomically. A query never observes
	// a partially applied batch.
	InsertPackets(ctx context.Context, records []model.PacketRecord) error

	// InsertFlows stores the latest flow snapshot.
	InsertFlows(ctx context.Context, flows []model.FlowRecord) error

	// QueryPackets evaluates the filter and assembles one result page.
	QueryPackets(ctx context.Context, q *PacketQuery) (*PacketQueryResult, error)

	// Clear drops all packet and flow records.
	Clear(ctx context.Context) error

	// Close releases resources. Safe to call multiple times.
	Close() error
}
