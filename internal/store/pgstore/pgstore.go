// Package pgstore implements ledger.Store directly on a pgx pool. Its schema
// matches the one gormstore migrates, so either store can open the same
// Postgres database.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	totalsRowID           = 1
	feedBatchSize         = 200
	pgUniqueViolationCode = "23505"
	errorSubjectAdmin     = "admin"
	errorSubjectEntry     = "entry"
	errorSubjectPrice     = "price"
	errorSubjectSchema    = "schema"
	errorSubjectTab       = "tab"
	errorSubjectTotals    = "totals"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeClear        = "clear"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeFeed         = "feed"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSet          = "set"

	entryColumns = `entry_id, actor, description, duration_seconds, unit_price_cents,
		billed_cents, tendered_cents, method, metadata::text, created_at`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, actor, description, duration_seconds, unit_price_cents,
			billed_cents, tendered_cents, method, metadata, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, now())
		returning created_at
	`

	sqlSelectEntry = `select ` + entryColumns + ` from ledger_entries where entry_id = $1`

	sqlListEntries = `select ` + entryColumns + ` from ledger_entries order by sequence desc limit $1`

	sqlFeedEntries = `
		select sequence, ` + entryColumns + `
		from ledger_entries
		where sequence > $1
		order by sequence asc
		limit $2
	`

	sqlInsertTabEntry = `
		insert into tab_entries(
			user_id, entry_id, actor, description, duration_seconds, unit_price_cents,
			billed_cents, tendered_cents, method, metadata, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	`

	sqlListTabEntries = `select ` + entryColumns + ` from tab_entries where user_id = $1 order by sequence asc`

	sqlClearTab = `delete from tab_entries where user_id = $1`

	sqlSelectTotals = `select paid_cents, time_seconds from totals where id = $1`

	sqlIncrementTotals = `
		insert into totals(id, paid_cents, time_seconds, updated_at) values($1, $2, $3, now())
		on conflict (id) do update set
			paid_cents = totals.paid_cents + excluded.paid_cents,
			time_seconds = totals.time_seconds + excluded.time_seconds,
			updated_at = excluded.updated_at
		returning paid_cents, time_seconds
	`

	sqlSetTotals = `
		insert into totals(id, paid_cents, time_seconds, updated_at) values($1, $2, $3, now())
		on conflict (id) do update set
			paid_cents = excluded.paid_cents,
			time_seconds = excluded.time_seconds,
			updated_at = excluded.updated_at
	`

	sqlSetPrice = `
		insert into user_preferences(user_id, price_cents, updated_at) values($1, $2, now())
		on conflict (user_id) do update set price_cents = excluded.price_cents, updated_at = excluded.updated_at
	`

	sqlSelectPrice = `select price_cents from user_preferences where user_id = $1`

	sqlSetAdmin = `
		insert into admins(user_id, enabled, updated_at) values($1, $2, now())
		on conflict (user_id) do update set enabled = excluded.enabled, updated_at = excluded.updated_at
	`

	sqlSelectAdmin = `select enabled from admins where user_id = $1`
)

var schemaStatements = []string{
	`create table if not exists ledger_entries (
		sequence bigserial primary key,
		entry_id varchar(36) not null unique,
		actor text not null,
		description text not null,
		duration_seconds bigint not null,
		unit_price_cents bigint,
		billed_cents bigint not null,
		tendered_cents bigint not null,
		method varchar(16),
		metadata jsonb not null,
		created_at timestamptz not null
	)`,
	`create table if not exists tab_entries (
		sequence bigserial primary key,
		user_id text not null,
		entry_id varchar(36) not null,
		actor text not null,
		description text not null,
		duration_seconds bigint not null,
		unit_price_cents bigint,
		billed_cents bigint not null,
		tendered_cents bigint not null,
		method varchar(16),
		metadata jsonb not null,
		created_at timestamptz not null
	)`,
	`create unique index if not exists idx_tab_user_entry on tab_entries(user_id, entry_id)`,
	`create table if not exists totals (
		id bigint primary key,
		paid_cents bigint not null,
		time_seconds bigint not null,
		updated_at timestamptz not null
	)`,
	`create table if not exists user_preferences (
		user_id text primary key,
		price_cents bigint not null,
		updated_at timestamptz not null
	)`,
	`create table if not exists admins (
		user_id text primary key,
		enabled boolean not null,
		updated_at timestamptz not null
	)`,
}

// queryer is the part of pgx shared by a pool and a transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db queryer
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// Open connects to databaseURL, verifies the connection and ensures the
// schema exists. The returned func closes the pool.
func Open(ctx context.Context, databaseURL string) (*Store, func() error, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	store := New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() error { pool.Close(); return nil }, nil
}

// EnsureSchema creates any missing table or index.
func (store *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
		}
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the transaction already in progress.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// SetAdmin grants or revokes the admin role. Operators call it from the CLI.
func (store *Store) SetAdmin(ctx context.Context, userID ledger.UserID, enabled bool) error {
	if _, err := store.db.Exec(ctx, sqlSetAdmin, userID.String(), enabled); err != nil {
		return wrapStoreError(errorSubjectAdmin, errorCodeSet, err)
	}
	return nil
}

func (store queries) AppendEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(uuid.NewString())
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	var createdAt time.Time
	err = store.db.QueryRow(ctx, sqlInsertEntry,
		entryID.String(),
		input.Actor(),
		input.Description(),
		input.Duration().Int64(),
		centsOrNil(input.UnitPrice()),
		input.AmountBilled().Cents(),
		input.AmountTendered().Cents(),
		methodOrNil(input.Method()),
		input.Metadata().String(),
	).Scan(&createdAt)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return input.Materialize(entryID, createdAt.UnixMilli()), nil
}

func (store queries) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlSelectEntry, entryID.String())
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	if len(entries) == 0 {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	return entries[0], nil
}

func (store queries) ListEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store queries) FeedBounded() bool {
	return true
}

// FeedEntries pages through the ledger by sequence and returns after the
// last page.
func (store queries) FeedEntries(ctx context.Context, sink chan<- ledger.Entry) error {
	var afterSequence int64
	for {
		page, lastSequence, err := store.feedPage(ctx, afterSequence)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return wrapStoreError(errorSubjectEntry, errorCodeFeed, err)
		}
		for _, entry := range page {
			select {
			case sink <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(page) < feedBatchSize {
			return nil
		}
		afterSequence = lastSequence
	}
}

func (store queries) feedPage(ctx context.Context, afterSequence int64) ([]ledger.Entry, int64, error) {
	rows, err := store.db.Query(ctx, sqlFeedEntries, afterSequence, feedBatchSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0, feedBatchSize)
	var lastSequence int64
	for rows.Next() {
		var row entryRow
		if err := rows.Scan(append([]any{&lastSequence}, row.targets()...)...); err != nil {
			return nil, 0, err
		}
		entry, err := row.entry()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, lastSequence, rows.Err()
}

func (store queries) AppendTabEntry(ctx context.Context, userID ledger.UserID, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertTabEntry,
		userID.String(),
		entry.ID.String(),
		entry.Actor,
		entry.Description,
		entry.Duration.Int64(),
		centsOrNil(entry.UnitPrice),
		entry.AmountBilled.Cents(),
		entry.AmountTendered.Cents(),
		methodOrNil(entry.Method),
		entry.Metadata.String(),
		time.UnixMilli(entry.CreatedUnixMilli).UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectTab, errorCodeDuplicate, err)
		}
		return wrapStoreError(errorSubjectTab, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListTabEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListTabEntries, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTab, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTab, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store queries) ClearTab(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.db.Exec(ctx, sqlClearTab, userID.String()); err != nil {
		return wrapStoreError(errorSubjectTab, errorCodeClear, err)
	}
	return nil
}

func (store queries) GetTotals(ctx context.Context) (ledger.Totals, error) {
	var paidCents, timeSeconds int64
	err := store.db.QueryRow(ctx, sqlSelectTotals, totalsRowID).Scan(&paidCents, &timeSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Totals{}, nil
		}
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeGet, err)
	}
	return totalsFromColumns(paidCents, timeSeconds), nil
}

// IncrementTotals applies delta in one upsert so concurrent writers never
// lose each other's increments.
func (store queries) IncrementTotals(ctx context.Context, delta ledger.TotalsDelta) (ledger.Totals, error) {
	var paidCents, timeSeconds int64
	err := store.db.QueryRow(ctx, sqlIncrementTotals, totalsRowID, delta.Paid.Cents(), delta.Time.Int64()).
		Scan(&paidCents, &timeSeconds)
	if err != nil {
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeIncrement, err)
	}
	return totalsFromColumns(paidCents, timeSeconds), nil
}

func (store queries) SetTotals(ctx context.Context, totals ledger.Totals) error {
	if _, err := store.db.Exec(ctx, sqlSetTotals, totalsRowID, totals.Paid.Cents(), totals.Time.Int64()); err != nil {
		return wrapStoreError(errorSubjectTotals, errorCodeSet, err)
	}
	return nil
}

func (store queries) SetPrice(ctx context.Context, userID ledger.UserID, price ledger.Amount) error {
	if _, err := store.db.Exec(ctx, sqlSetPrice, userID.String(), price.Cents()); err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeSet, err)
	}
	return nil
}

func (store queries) GetPrice(ctx context.Context, userID ledger.UserID) (ledger.Amount, bool, error) {
	var priceCents int64
	err := store.db.QueryRow(ctx, sqlSelectPrice, userID.String()).Scan(&priceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Amount{}, false, nil
		}
		return ledger.Amount{}, false, wrapStoreError(errorSubjectPrice, errorCodeGet, err)
	}
	return ledger.AmountFromCents(priceCents), true, nil
}

func (store queries) IsAdmin(ctx context.Context, userID ledger.UserID) (bool, error) {
	var enabled bool
	err := store.db.QueryRow(ctx, sqlSelectAdmin, userID.String()).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectAdmin, errorCodeLookup, err)
	}
	return enabled, nil
}

// entryRow receives one row selected with entryColumns.
type entryRow struct {
	entryID         string
	actor           string
	description     string
	durationSeconds int64
	unitPriceCents  *int64
	billedCents     int64
	tenderedCents   int64
	method          *string
	metadata        string
	createdAt       time.Time
}

func (row *entryRow) targets() []any {
	return []any{
		&row.entryID,
		&row.actor,
		&row.description,
		&row.durationSeconds,
		&row.unitPriceCents,
		&row.billedCents,
		&row.tenderedCents,
		&row.method,
		&row.metadata,
		&row.createdAt,
	}
}

func (row *entryRow) entry() (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.entryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(row.metadata)
	if err != nil {
		return ledger.Entry{}, err
	}
	var unitPrice ledger.Amount
	if row.unitPriceCents != nil {
		unitPrice = ledger.AmountFromCents(*row.unitPriceCents)
	}
	var method ledger.PaymentMethod
	if row.method != nil {
		method = ledger.DecodeStoredMethod(*row.method)
	}
	entryInput, err := ledger.NewEntryInput(
		row.actor,
		row.description,
		ledger.Seconds(row.durationSeconds),
		unitPrice,
		ledger.AmountFromCents(row.billedCents),
		ledger.AmountFromCents(row.tenderedCents),
		method,
		metadata,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entryInput.Materialize(entryID, row.createdAt.UnixMilli()), nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var row entryRow
		if err := rows.Scan(row.targets()...); err != nil {
			return nil, err
		}
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func totalsFromColumns(paidCents int64, timeSeconds int64) ledger.Totals {
	return ledger.Totals{Paid: ledger.AmountFromCents(paidCents), Time: ledger.Seconds(timeSeconds)}
}

func centsOrNil(amount ledger.Amount) *int64 {
	if amount.IsZero() {
		return nil
	}
	cents := amount.Cents()
	return &cents
}

func methodOrNil(method ledger.PaymentMethod) *string {
	if method == ledger.MethodNone {
		return nil
	}
	value := method.String()
	return &value
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapStoreError(subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
