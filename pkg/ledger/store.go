package ledger

import "context"

// EntryFeed delivers every ledger entry, oldest first, into sink. A feed that
// knows its backlog is exhausted returns nil; a live feed may block until ctx ends.
type EntryFeed interface {
	FeedEntries(ctx context.Context, sink chan<- Entry) error
}

// BoundedFeed is an EntryFeed whose FeedEntries always returns once the
// backlog has been delivered, however long that takes.
type BoundedFeed interface {
	EntryFeed
	FeedBounded() bool
}

// AdminDirectory answers whether a user holds the administrator role.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, userID UserID) (bool, error)
}

// Store is the persistence contract used by Service. Implementations assign
// entry ids and timestamps and wrap backend failures with WrapStoreError.
type Store interface {
	EntryFeed
	AdminDirectory
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	AppendEntry(ctx context.Context, input EntryInput) (Entry, error)
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	ListEntries(ctx context.Context, limit int) ([]Entry, error)
	AppendTabEntry(ctx context.Context, userID UserID, entry Entry) error
	ListTabEntries(ctx context.Context, userID UserID) ([]Entry, error)
	ClearTab(ctx context.Context, userID UserID) error
	GetTotals(ctx context.Context) (Totals, error)
	IncrementTotals(ctx context.Context, delta TotalsDelta) (Totals, error)
	SetTotals(ctx context.Context, totals Totals) error
	SetPrice(ctx context.Context, userID UserID, price Amount) error
	GetPrice(ctx context.Context, userID UserID) (Amount, bool, error)
}

// Notifier receives change notifications after a write has been committed.
type Notifier interface {
	EntryAppended(ctx context.Context, entry Entry)
	TotalsChanged(ctx context.Context, totals Totals)
	IdentityChanged(ctx context.Context, userID UserID, identity Identity)
}

// RebuildGuard serializes reconciliation runs across processes.
type RebuildGuard interface {
	Acquire(ctx context.Context) (release func(), err error)
}
