package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	totalsRowID           = 1
	feedBatchSize         = 200
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorSubjectAdmin     = "admin"
	errorSubjectEntry     = "entry"
	errorSubjectPrice     = "price"
	errorSubjectTab       = "tab"
	errorSubjectTotals    = "totals"
	errorCodeClear        = "clear"
	errorCodeDuplicate    = "duplicate"
	errorCodeFeed         = "feed"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSet          = "set"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) AppendEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	row := LedgerEntry{EntryColumns: entryColumnsFromInput(input, time.Now().UTC())}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapEntry(row.EntryID, row.EntryColumns)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).Where("entry_id = ?", entryID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapEntry(row.EntryID, row.EntryColumns)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row.EntryID, row.EntryColumns)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FeedBounded reports that FeedEntries returns after the last row.
func (store *Store) FeedBounded() bool {
	return true
}

// FeedEntries streams the whole ledger in insertion order and returns once
// the last row has been delivered.
func (store *Store) FeedEntries(ctx context.Context, sink chan<- ledger.Entry) error {
	var batch []LedgerEntry
	result := store.db.WithContext(ctx).
		FindInBatches(&batch, feedBatchSize, func(tx *gorm.DB, batchNumber int) error {
			for _, row := range batch {
				entry, err := mapEntry(row.EntryID, row.EntryColumns)
				if err != nil {
					return err
				}
				select {
				case sink <- entry:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	if result.Error != nil {
		if errors.Is(result.Error, context.Canceled) || errors.Is(result.Error, context.DeadlineExceeded) {
			return result.Error
		}
		return wrapStoreError(errorSubjectEntry, errorCodeFeed, result.Error)
	}
	return nil
}

func (store *Store) AppendTabEntry(ctx context.Context, userID ledger.UserID, entry ledger.Entry) error {
	row := TabEntry{
		UserID:       userID.String(),
		EntryID:      entry.ID.String(),
		EntryColumns: entryColumnsFromEntry(entry),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTab, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTab, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTabEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	var rows []TabEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTab, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row.EntryID, row.EntryColumns)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTab, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ClearTab(ctx context.Context, userID ledger.UserID) error {
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Delete(&TabEntry{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectTab, errorCodeClear, err)
	}
	return nil
}

func (store *Store) GetTotals(ctx context.Context) (ledger.Totals, error) {
	var row TotalsRow
	err := store.db.WithContext(ctx).Where("id = ?", totalsRowID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Totals{}, nil
		}
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeGet, err)
	}
	return mapTotals(row), nil
}

// IncrementTotals applies delta as a single server-side update so concurrent
// writers never lose each other's increments.
func (store *Store) IncrementTotals(ctx context.Context, delta ledger.TotalsDelta) (ledger.Totals, error) {
	database := store.db.WithContext(ctx)
	now := time.Now().UTC()
	err := database.
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&TotalsRow{ID: totalsRowID, UpdatedAt: now}).Error
	if err != nil {
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeIncrement, err)
	}
	err = database.
		Model(&TotalsRow{}).
		Where("id = ?", totalsRowID).
		Updates(map[string]any{
			"paid_cents":   gorm.Expr("paid_cents + ?", delta.Paid.Cents()),
			"time_seconds": gorm.Expr("time_seconds + ?", delta.Time.Int64()),
			"updated_at":   now,
		}).Error
	if err != nil {
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeIncrement, err)
	}
	return store.GetTotals(ctx)
}

func (store *Store) SetTotals(ctx context.Context, totals ledger.Totals) error {
	row := TotalsRow{
		ID:          totalsRowID,
		PaidCents:   totals.Paid.Cents(),
		TimeSeconds: totals.Time.Int64(),
		UpdatedAt:   time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"paid_cents", "time_seconds", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectTotals, errorCodeSet, err)
	}
	return nil
}

func (store *Store) SetPrice(ctx context.Context, userID ledger.UserID, price ledger.Amount) error {
	row := UserPreference{UserID: userID.String(), PriceCents: price.Cents(), UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"price_cents", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeSet, err)
	}
	return nil
}

func (store *Store) GetPrice(ctx context.Context, userID ledger.UserID) (ledger.Amount, bool, error) {
	var row UserPreference
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Amount{}, false, nil
		}
		return ledger.Amount{}, false, wrapStoreError(errorSubjectPrice, errorCodeGet, err)
	}
	return ledger.AmountFromCents(row.PriceCents), true, nil
}

func (store *Store) IsAdmin(ctx context.Context, userID ledger.UserID) (bool, error) {
	var row Admin
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectAdmin, errorCodeLookup, err)
	}
	return row.Enabled, nil
}

// SetAdmin grants or revokes the admin role. Operators call it from the CLI;
// it is not reachable over HTTP.
func (store *Store) SetAdmin(ctx context.Context, userID ledger.UserID, enabled bool) error {
	row := Admin{UserID: userID.String(), Enabled: enabled, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAdmin, errorCodeSet, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapStoreError(subject, code, err)
}

func entryColumnsFromInput(input ledger.EntryInput, createdAt time.Time) EntryColumns {
	return EntryColumns{
		Actor:           input.Actor(),
		Description:     input.Description(),
		DurationSeconds: input.Duration().Int64(),
		UnitPriceCents:  centsOrNil(input.UnitPrice()),
		BilledCents:     input.AmountBilled().Cents(),
		TenderedCents:   input.AmountTendered().Cents(),
		Method:          methodOrNil(input.Method()),
		Metadata:        datatypesJSON(input.Metadata().String()),
		CreatedAt:       createdAt,
	}
}

func entryColumnsFromEntry(entry ledger.Entry) EntryColumns {
	return EntryColumns{
		Actor:           entry.Actor,
		Description:     entry.Description,
		DurationSeconds: entry.Duration.Int64(),
		UnitPriceCents:  centsOrNil(entry.UnitPrice),
		BilledCents:     entry.AmountBilled.Cents(),
		TenderedCents:   entry.AmountTendered.Cents(),
		Method:          methodOrNil(entry.Method),
		Metadata:        datatypesJSON(entry.Metadata.String()),
		CreatedAt:       time.UnixMilli(entry.CreatedUnixMilli).UTC(),
	}
}

func mapEntry(rawEntryID string, columns EntryColumns) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(rawEntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(columns.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	var unitPrice ledger.Amount
	if columns.UnitPriceCents != nil {
		unitPrice = ledger.AmountFromCents(*columns.UnitPriceCents)
	}
	var method ledger.PaymentMethod
	if columns.Method != nil {
		method = ledger.DecodeStoredMethod(*columns.Method)
	}
	entryInput, err := ledger.NewEntryInput(
		columns.Actor,
		columns.Description,
		ledger.Seconds(columns.DurationSeconds),
		unitPrice,
		ledger.AmountFromCents(columns.BilledCents),
		ledger.AmountFromCents(columns.TenderedCents),
		method,
		metadata,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entryInput.Materialize(entryID, columns.CreatedAt.UnixMilli()), nil
}

func mapTotals(row TotalsRow) ledger.Totals {
	return ledger.Totals{
		Paid: ledger.AmountFromCents(row.PaidCents),
		Time: ledger.Seconds(row.TimeSeconds),
	}
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

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
