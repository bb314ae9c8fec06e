// Package firestorestore implements ledger.Store on Cloud Firestore, the
// hosted realtime database the tracker was first deployed on.
package firestorestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionLedger    = "ledger"
	collectionTotals    = "totals"
	collectionTabs      = "tabs"
	collectionTabItems  = "entries"
	collectionUsers     = "users"
	collectionAdmins    = "admins"
	documentTotals      = "current"
	fieldCreatedAt      = "created_at"
	fieldPaidCents      = "paid_cents"
	fieldTimeSeconds    = "time_seconds"
	fieldTimeDisplay    = "time"
	fieldPriceCents     = "price_cents"
	fieldAdmin          = "admin"
	errorSubjectAdmin   = "admin"
	errorSubjectEntry   = "entry"
	errorSubjectPrice   = "price"
	errorSubjectTab     = "tab"
	errorSubjectTotals  = "totals"
	errorCodeClear      = "clear"
	errorCodeFeed       = "feed"
	errorCodeGet        = "get"
	errorCodeIncrement  = "increment"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLookup     = "lookup"
	errorCodeSet        = "set"
	defaultMetadataJSON = "{}"
)

// Store implements ledger.Store on Firestore.
type Store struct {
	client *firestore.Client
}

// New returns a Store using client.
func New(client *firestore.Client) *Store {
	return &Store{client: client}
}

// Open connects to projectID. The FIRESTORE_EMULATOR_HOST environment
// variable redirects the client to a local emulator.
func Open(ctx context.Context, projectID string) (*Store, func() error, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("firestore client: %w", err)
	}
	return New(client), client.Close, nil
}

type entryDocument struct {
	Actor           string    `firestore:"actor"`
	Description     string    `firestore:"description"`
	DurationSeconds int64     `firestore:"duration_seconds"`
	UnitPriceCents  *int64    `firestore:"unit_price_cents,omitempty"`
	BilledCents     int64     `firestore:"billed_cents"`
	TenderedCents   int64     `firestore:"tendered_cents"`
	Method          string    `firestore:"method,omitempty"`
	Metadata        string    `firestore:"metadata"`
	CreatedAt       time.Time `firestore:"created_at,serverTimestamp"`
}

// WithTx runs fn against the store directly. The writes are not atomic as a
// group; totals only move through server-side increments.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *Store) AppendEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	document := entryDocument{
		Actor:           input.Actor(),
		Description:     input.Description(),
		DurationSeconds: input.Duration().Int64(),
		UnitPriceCents:  centsOrNil(input.UnitPrice()),
		BilledCents:     input.AmountBilled().Cents(),
		TenderedCents:   input.AmountTendered().Cents(),
		Method:          input.Method().String(),
		Metadata:        metadataOrDefault(input.Metadata().String()),
	}
	reference, _, err := store.client.Collection(collectionLedger).Add(ctx, document)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	snapshot, err := reference.Get(ctx)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return decodeEntry(snapshot)
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	snapshot, err := store.client.Collection(collectionLedger).Doc(entryID.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return decodeEntry(snapshot)
}

func (store *Store) ListEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	documents := store.client.Collection(collectionLedger).
		OrderBy(fieldCreatedAt, firestore.Desc).
		Limit(limit).
		Documents(ctx)
	return collectEntries(documents, errorSubjectEntry)
}

func (store *Store) FeedBounded() bool {
	return true
}

// FeedEntries streams every ledger document and returns when the query is
// exhausted. It orders by document id: ordering by created_at would skip
// documents written without that field.
func (store *Store) FeedEntries(ctx context.Context, sink chan<- ledger.Entry) error {
	documents := store.client.Collection(collectionLedger).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer documents.Stop()
	for {
		snapshot, err := documents.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wrapStoreError(errorSubjectEntry, errorCodeFeed, err)
		}
		entry, err := decodeEntry(snapshot)
		if err != nil {
			return err
		}
		select {
		case sink <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (store *Store) AppendTabEntry(ctx context.Context, userID ledger.UserID, entry ledger.Entry) error {
	document := entryDocument{
		Actor:           entry.Actor,
		Description:     entry.Description,
		DurationSeconds: entry.Duration.Int64(),
		UnitPriceCents:  centsOrNil(entry.UnitPrice),
		BilledCents:     entry.AmountBilled.Cents(),
		TenderedCents:   entry.AmountTendered.Cents(),
		Method:          entry.Method.String(),
		Metadata:        metadataOrDefault(entry.Metadata.String()),
		CreatedAt:       time.UnixMilli(entry.CreatedUnixMilli).UTC(),
	}
	_, err := store.tabEntries(userID).Doc(entry.ID.String()).Set(ctx, document)
	if err != nil {
		return wrapStoreError(errorSubjectTab, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTabEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	documents := store.tabEntries(userID).OrderBy(fieldCreatedAt, firestore.Asc).Documents(ctx)
	return collectEntries(documents, errorSubjectTab)
}

func (store *Store) ClearTab(ctx context.Context, userID ledger.UserID) error {
	references, err := store.tabEntries(userID).DocumentRefs(ctx).GetAll()
	if err != nil {
		return wrapStoreError(errorSubjectTab, errorCodeClear, err)
	}
	if len(references) == 0 {
		return nil
	}
	writer := store.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(references))
	for _, reference := range references {
		job, err := writer.Delete(reference)
		if err != nil {
			writer.End()
			return wrapStoreError(errorSubjectTab, errorCodeClear, err)
		}
		jobs = append(jobs, job)
	}
	writer.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return wrapStoreError(errorSubjectTab, errorCodeClear, err)
		}
	}
	return nil
}

func (store *Store) GetTotals(ctx context.Context) (ledger.Totals, error) {
	snapshot, err := store.totalsDocument().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ledger.Totals{}, nil
		}
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeGet, err)
	}
	return decodeTotals(snapshot.Data()), nil
}

// IncrementTotals applies delta with server-side increments.
func (store *Store) IncrementTotals(ctx context.Context, delta ledger.TotalsDelta) (ledger.Totals, error) {
	_, err := store.totalsDocument().Set(ctx, map[string]any{
		fieldPaidCents:   firestore.Increment(delta.Paid.Cents()),
		fieldTimeSeconds: firestore.Increment(delta.Time.Int64()),
	}, firestore.MergeAll)
	if err != nil {
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeIncrement, err)
	}
	totals, err := store.GetTotals(ctx)
	if err != nil {
		return ledger.Totals{}, err
	}
	// The formatted copy is for other clients only; time_seconds is authoritative.
	_, err = store.totalsDocument().Update(ctx, []firestore.Update{{Path: fieldTimeDisplay, Value: totals.Time.String()}})
	if err != nil {
		return ledger.Totals{}, wrapStoreError(errorSubjectTotals, errorCodeIncrement, err)
	}
	return totals, nil
}

func (store *Store) SetTotals(ctx context.Context, totals ledger.Totals) error {
	_, err := store.totalsDocument().Set(ctx, map[string]any{
		fieldPaidCents:   totals.Paid.Cents(),
		fieldTimeSeconds: totals.Time.Int64(),
		fieldTimeDisplay: totals.Time.String(),
	})
	if err != nil {
		return wrapStoreError(errorSubjectTotals, errorCodeSet, err)
	}
	return nil
}

func (store *Store) SetPrice(ctx context.Context, userID ledger.UserID, price ledger.Amount) error {
	_, err := store.client.Collection(collectionUsers).Doc(userID.String()).Set(ctx, map[string]any{
		fieldPriceCents: price.Cents(),
	}, firestore.MergeAll)
	if err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeSet, err)
	}
	return nil
}

func (store *Store) GetPrice(ctx context.Context, userID ledger.UserID) (ledger.Amount, bool, error) {
	snapshot, err := store.client.Collection(collectionUsers).Doc(userID.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ledger.Amount{}, false, nil
		}
		return ledger.Amount{}, false, wrapStoreError(errorSubjectPrice, errorCodeGet, err)
	}
	cents, ok := int64Field(snapshot.Data(), fieldPriceCents)
	if !ok {
		return ledger.Amount{}, false, nil
	}
	return ledger.AmountFromCents(cents), true, nil
}

func (store *Store) IsAdmin(ctx context.Context, userID ledger.UserID) (bool, error) {
	snapshot, err := store.client.Collection(collectionAdmins).Doc(userID.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectAdmin, errorCodeLookup, err)
	}
	isAdmin, _ := snapshot.Data()[fieldAdmin].(bool)
	return isAdmin, nil
}

// SetAdmin grants or revokes the admin role.
func (store *Store) SetAdmin(ctx context.Context, userID ledger.UserID, enabled bool) error {
	_, err := store.client.Collection(collectionAdmins).Doc(userID.String()).Set(ctx, map[string]any{fieldAdmin: enabled})
	if err != nil {
		return wrapStoreError(errorSubjectAdmin, errorCodeSet, err)
	}
	return nil
}

func (store *Store) tabEntries(userID ledger.UserID) *firestore.CollectionRef {
	return store.client.Collection(collectionTabs).Doc(userID.String()).Collection(collectionTabItems)
}

func (store *Store) totalsDocument() *firestore.DocumentRef {
	return store.client.Collection(collectionTotals).Doc(documentTotals)
}

func collectEntries(documents *firestore.DocumentIterator, subject string) ([]ledger.Entry, error) {
	defer documents.Stop()
	entries := []ledger.Entry{}
	for {
		snapshot, err := documents.Next()
		if errors.Is(err, iterator.Done) {
			return entries, nil
		}
		if err != nil {
			return nil, wrapStoreError(subject, errorCodeList, err)
		}
		entry, err := decodeEntry(snapshot)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}

func decodeEntry(snapshot *firestore.DocumentSnapshot) (ledger.Entry, error) {
	var document entryDocument
	if err := snapshot.DataTo(&document); err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entryID, err := ledger.NewEntryID(snapshot.Ref.ID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(document.Metadata)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	var unitPrice ledger.Amount
	if document.UnitPriceCents != nil {
		unitPrice = ledger.AmountFromCents(*document.UnitPriceCents)
	}
	input, err := ledger.NewEntryInput(
		document.Actor,
		document.Description,
		ledger.Seconds(document.DurationSeconds),
		unitPrice,
		ledger.AmountFromCents(document.BilledCents),
		ledger.AmountFromCents(document.TenderedCents),
		ledger.DecodeStoredMethod(document.Method),
		metadata,
	)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return input.Materialize(entryID, document.CreatedAt.UnixMilli()), nil
}

func decodeTotals(data map[string]any) ledger.Totals {
	paidCents, _ := int64Field(data, fieldPaidCents)
	timeSeconds, _ := int64Field(data, fieldTimeSeconds)
	return ledger.Totals{Paid: ledger.AmountFromCents(paidCents), Time: ledger.Seconds(timeSeconds)}
}

// int64Field reads a numeric field. Documents written by other clients may
// carry doubles where this package writes integers.
func int64Field(data map[string]any, key string) (int64, bool) {
	switch value := data[key].(type) {
	case int64:
		return value, true
	case float64:
		return int64(value), true
	default:
		return 0, false
	}
}

func centsOrNil(amount ledger.Amount) *int64 {
	if amount.IsZero() {
		return nil
	}
	cents := amount.Cents()
	return &cents
}

func metadataOrDefault(raw string) string {
	if raw == "" {
		return defaultMetadataJSON
	}
	return raw
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapStoreError(subject, code, err)
}
