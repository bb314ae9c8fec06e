package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service contains the accounting rules over a Store.
type Service struct {
	store       Store
	logger      OperationLogger
	notifier    Notifier
	guard       RebuildGuard
	quietWindow time.Duration
}

// WorkRequest carries the fields of the "track time" form.
type WorkRequest struct {
	Actor       string
	Description string
	Duration    string
	UnitPrice   Amount
	Method      string
}

// NewService wires a Service.
func NewService(store Store, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, quietWindow: DefaultReplayQuietWindow}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// QuoteWork prices a duration without recording anything.
func (service *Service) QuoteWork(durationText string, unitPrice Amount) (Amount, error) {
	duration, err := ParseDuration(durationText)
	if err != nil {
		return Amount{}, err
	}
	if unitPrice.IsNegative() {
		return Amount{}, fmt.Errorf("%w: must not be negative", ErrInvalidUnitPrice)
	}
	return BilledAmount(duration, unitPrice), nil
}

// RecordWork appends a work entry and folds it into the totals. Work charged
// to a tab is also copied into the signed-in user's tab and tenders nothing.
func (service *Service) RecordWork(ctx context.Context, identity Identity, request WorkRequest) (Entry, error) {
	var entry Entry
	var totals Totals
	operationError := func() error {
		method, err := ParsePaymentMethod(request.Method)
		if err != nil {
			return err
		}
		if strings.TrimSpace(request.Duration) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidDuration)
		}
		duration, err := ParseDuration(request.Duration)
		if err != nil {
			return err
		}
		if request.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: must not be negative", ErrInvalidUnitPrice)
		}
		amountBilled := BilledAmount(duration, request.UnitPrice)
		amountTendered := amountBilled
		if method == MethodTab {
			if !identity.IsAuthenticated() {
				return ErrTabRequiresSignIn
			}
			amountTendered = Amount{}
		}
		entryInput, err := NewEntryInput(
			request.Actor,
			request.Description,
			duration,
			request.UnitPrice,
			amountBilled,
			amountTendered,
			method,
			MetadataJSON{},
		)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			entry, err = transactionStore.AppendEntry(ctx, entryInput)
			if err != nil {
				return err
			}
			if method == MethodTab {
				if err := transactionStore.AppendTabEntry(ctx, identity.UserID, entry); err != nil {
					return err
				}
			}
			totals, err = transactionStore.IncrementTotals(ctx, TotalsDelta{Paid: amountTendered, Time: duration})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordWork,
		UserID:    identity.UserID,
		Actor:     request.Actor,
		EntryID:   entry.ID,
		Amount:    entry.AmountBilled,
		Duration:  entry.Duration,
		Method:    entry.Method,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	service.notifyAppended(ctx, entry, totals)
	return entry, nil
}

// ReverseEntry appends an offsetting entry for original. Only the paid total
// moves; the time total keeps the reversed duration. Reversal is irreversible
// and callers are expected to confirm it with the operator first.
func (service *Service) ReverseEntry(ctx context.Context, identity Identity, original Entry) (Entry, error) {
	var entry Entry
	var totals Totals
	operationError := func() error {
		if !identity.IsAuthenticated() || !identity.IsAdmin {
			return ErrAdminRequired
		}
		entryInput, err := NewEntryInput(
			actorName(identity),
			reversalDescriptionPrefix+original.Description,
			original.Duration,
			original.UnitPrice,
			original.AmountBilled.Neg(),
			original.AmountTendered.Neg(),
			original.Method,
			metadataOf(map[string]any{metadataKeyReverses: original.ID.String()}),
		)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			entry, err = transactionStore.AppendEntry(ctx, entryInput)
			if err != nil {
				return err
			}
			totals, err = transactionStore.IncrementTotals(ctx, TotalsDelta{Paid: original.AmountTendered.Neg()})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationReverseEntry,
		UserID:    identity.UserID,
		Actor:     identity.DisplayName,
		EntryID:   original.ID,
		Amount:    original.AmountTendered.Neg(),
		Duration:  original.Duration,
		Method:    original.Method,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	service.notifyAppended(ctx, entry, totals)
	return entry, nil
}

// Tab summarizes the unpaid work the signed-in user has charged to their tab.
func (service *Service) Tab(ctx context.Context, identity Identity) (TabSummary, error) {
	if !identity.IsAuthenticated() {
		return TabSummary{}, ErrSignInRequired
	}
	entries, err := service.store.ListTabEntries(ctx, identity.UserID)
	if err != nil {
		return TabSummary{}, err
	}
	return summarizeTab(entries), nil
}

// SettleTab pays off the signed-in user's tab in one lump sum: it credits the
// tab total to the ledger, empties the tab, and raises the paid total.
func (service *Service) SettleTab(ctx context.Context, identity Identity, rawMethod string) (Entry, error) {
	var entry Entry
	var totals Totals
	var summary TabSummary
	operationError := func() error {
		if !identity.IsAuthenticated() {
			return ErrSignInRequired
		}
		method, err := ParseSettlementMethod(rawMethod)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			tabEntries, err := transactionStore.ListTabEntries(ctx, identity.UserID)
			if err != nil {
				return err
			}
			summary = summarizeTab(tabEntries)
			if summary.Jobs == 0 {
				return ErrEmptyTab
			}
			entryInput, err := NewEntryInput(
				actorName(identity),
				settlementDescriptionPrefix+method.String(),
				0,
				Amount{},
				Amount{},
				summary.Total,
				method,
				metadataOf(map[string]any{metadataKeyJobs: summary.Jobs, metadataKeyTime: summary.Time.String()}),
			)
			if err != nil {
				return err
			}
			entry, err = transactionStore.AppendEntry(ctx, entryInput)
			if err != nil {
				return err
			}
			if err := transactionStore.ClearTab(ctx, identity.UserID); err != nil {
				return err
			}
			totals, err = transactionStore.IncrementTotals(ctx, TotalsDelta{Paid: summary.Total})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSettleTab,
		UserID:    identity.UserID,
		Actor:     identity.DisplayName,
		EntryID:   entry.ID,
		Amount:    summary.Total,
		Duration:  summary.Time,
		Method:    entry.Method,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	service.notifyAppended(ctx, entry, totals)
	return entry, nil
}

// RememberPrice stores the signed-in user's preferred unit price.
func (service *Service) RememberPrice(ctx context.Context, identity Identity, price Amount) error {
	operationError := func() error {
		if !identity.IsAuthenticated() {
			return ErrSignInRequired
		}
		if price.IsNegative() {
			return fmt.Errorf("%w: must not be negative", ErrInvalidUnitPrice)
		}
		return service.store.SetPrice(ctx, identity.UserID, price)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRememberPrice,
		UserID:    identity.UserID,
		Actor:     identity.DisplayName,
		Amount:    price,
		Error:     operationError,
	})
	return operationError
}

// PreferredPrice reads back the remembered unit price, if any.
func (service *Service) PreferredPrice(ctx context.Context, identity Identity) (Amount, bool, error) {
	if !identity.IsAuthenticated() {
		return Amount{}, false, ErrSignInRequired
	}
	return service.store.GetPrice(ctx, identity.UserID)
}

// Totals returns the current running totals.
func (service *Service) Totals(ctx context.Context) (Totals, error) {
	return service.store.GetTotals(ctx)
}

// RecentEntries returns up to limit entries, newest first.
func (service *Service) RecentEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentEntriesLimit
	}
	if limit > maxRecentEntriesLimit {
		limit = maxRecentEntriesLimit
	}
	return service.store.ListEntries(ctx, limit)
}

// Entry looks up a single ledger entry.
func (service *Service) Entry(ctx context.Context, entryID EntryID) (Entry, error) {
	return service.store.GetEntry(ctx, entryID)
}

func (service *Service) notifyAppended(ctx context.Context, entry Entry, totals Totals) {
	if service.notifier == nil {
		return
	}
	service.notifier.EntryAppended(ctx, entry)
	service.notifier.TotalsChanged(ctx, totals)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func summarizeTab(entries []Entry) TabSummary {
	summary := TabSummary{Entries: entries}
	for _, entry := range entries {
		summary.Jobs++
		summary.Time += entry.Duration
		summary.Total = summary.Total.Add(entry.AmountBilled)
	}
	return summary
}

func actorName(identity Identity) string {
	if name := strings.TrimSpace(identity.DisplayName); name != "" {
		return name
	}
	return identity.UserID.String()
}
