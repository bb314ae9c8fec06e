package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	mu          sync.Mutex
	entries     []Entry
	tabs        map[UserID][]Entry
	totals      Totals
	prices      map[UserID]Amount
	admins      map[UserID]bool
	nextID      int
	nowMilli    int64
	liveFeed    bool
	feedOrder   []int
	feedDelay   time.Duration
	setTotals   int
	appendError error
	tabError    error
	totalsError error
	adminError  error
	feedError   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		tabs:     make(map[UserID][]Entry),
		prices:   make(map[UserID]Amount),
		admins:   make(map[UserID]bool),
		nowMilli: 1_700_000_000_000,
	}
}

// WithTx restores the previous state when fn fails, like a real transaction.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	entries := append([]Entry(nil), store.entries...)
	tabs := make(map[UserID][]Entry, len(store.tabs))
	for userID, tabEntries := range store.tabs {
		tabs[userID] = append([]Entry(nil), tabEntries...)
	}
	totals := store.totals
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.entries = entries
		store.tabs = tabs
		store.totals = totals
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) AppendEntry(ctx context.Context, input EntryInput) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.appendError != nil {
		return Entry{}, WrapStoreError("entry", "insert", store.appendError)
	}
	store.nextID++
	store.nowMilli++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", store.nextID))
	if err != nil {
		return Entry{}, err
	}
	entry := input.Materialize(entryID, store.nowMilli)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, entry := range store.entries {
		if entry.ID == entryID {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownEntry
}

func (store *stubStore) ListEntries(ctx context.Context, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	result := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(result) < limit; index-- {
		result = append(result, store.entries[index])
	}
	return result, nil
}

func (store *stubStore) FeedEntries(ctx context.Context, sink chan<- Entry) error {
	if store.feedError != nil {
		return WrapStoreError("entry", "feed", store.feedError)
	}
	store.mu.Lock()
	entries := append([]Entry(nil), store.entries...)
	store.mu.Unlock()
	if len(store.feedOrder) == len(entries) {
		reordered := make([]Entry, len(entries))
		for position, index := range store.feedOrder {
			reordered[position] = entries[index]
		}
		entries = reordered
	}
	for _, entry := range entries {
		if store.feedDelay > 0 {
			select {
			case <-time.After(store.feedDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case sink <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if store.liveFeed {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (store *stubStore) FeedBounded() bool {
	return !store.liveFeed
}

func (store *stubStore) AppendTabEntry(ctx context.Context, userID UserID, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.tabError != nil {
		return WrapStoreError("tab", "insert", store.tabError)
	}
	store.tabs[userID] = append(store.tabs[userID], entry)
	return nil
}

func (store *stubStore) ListTabEntries(ctx context.Context, userID UserID) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]Entry(nil), store.tabs[userID]...), nil
}

func (store *stubStore) ClearTab(ctx context.Context, userID UserID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.tabs, userID)
	return nil
}

func (store *stubStore) GetTotals(ctx context.Context) (Totals, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.totals, nil
}

func (store *stubStore) IncrementTotals(ctx context.Context, delta TotalsDelta) (Totals, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.totalsError != nil {
		return Totals{}, WrapStoreError("totals", "increment", store.totalsError)
	}
	store.totals = Totals{Paid: store.totals.Paid.Add(delta.Paid), Time: store.totals.Time + delta.Time}
	return store.totals, nil
}

func (store *stubStore) SetTotals(ctx context.Context, totals Totals) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.setTotals++
	store.totals = totals
	return nil
}

func (store *stubStore) SetPrice(ctx context.Context, userID UserID, price Amount) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.prices[userID] = price
	return nil
}

func (store *stubStore) GetPrice(ctx context.Context, userID UserID) (Amount, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	price, ok := store.prices[userID]
	return price, ok, nil
}

func (store *stubStore) IsAdmin(ctx context.Context, userID UserID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.adminError != nil {
		return false, WrapStoreError("admin", "lookup", store.adminError)
	}
	return store.admins[userID], nil
}

func (store *stubStore) entryCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.entries)
}

type recordingNotifier struct {
	mu         sync.Mutex
	entries    []Entry
	totals     []Totals
	identities []Identity
	subjects   []UserID
}

func (notifier *recordingNotifier) EntryAppended(_ context.Context, entry Entry) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.entries = append(notifier.entries, entry)
}

func (notifier *recordingNotifier) TotalsChanged(_ context.Context, totals Totals) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.totals = append(notifier.totals, totals)
}

func (notifier *recordingNotifier) IdentityChanged(_ context.Context, userID UserID, identity Identity) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.subjects = append(notifier.subjects, userID)
	notifier.identities = append(notifier.identities, identity)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustCurrency(test *testing.T, raw string) Amount {
	test.Helper()
	amount, err := ParseCurrency(raw)
	if err != nil {
		test.Fatalf("currency %q: %v", raw, err)
	}
	return amount
}

func memberIdentity(test *testing.T) Identity {
	test.Helper()
	return Identity{UserID: mustUserID(test, "github:member"), DisplayName: "Ada Member"}
}

func adminIdentity(test *testing.T) Identity {
	test.Helper()
	return Identity{UserID: mustUserID(test, "github:admin"), DisplayName: "Grace Admin", IsAdmin: true}
}

func mustRecordWork(test *testing.T, service *Service, identity Identity, request WorkRequest) Entry {
	test.Helper()
	entry, err := service.RecordWork(context.Background(), identity, request)
	if err != nil {
		test.Fatalf("record work: %v", err)
	}
	return entry
}

func sortedDescriptions(entries []Entry) []string {
	descriptions := make([]string, 0, len(entries))
	for _, entry := range entries {
		descriptions = append(descriptions, entry.Description)
	}
	sort.Strings(descriptions)
	return descriptions
}
